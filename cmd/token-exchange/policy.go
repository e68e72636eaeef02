package main

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ngaddam369/token-exchange/internal/policy"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Manage the exchange policy",
}

var policyImportCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Upsert services, credentials, action scopes and rules from a policy file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadStorageConfig()
		if err != nil {
			return err
		}
		st, err := openStores(cfg, log.Logger)
		if err != nil {
			return err
		}
		defer st.Close()
		return importPolicy(cmd.Context(), st.policy, args[0], log.Logger)
	},
}

var policyCheckCmd = &cobra.Command{
	Use:   "check FILE",
	Short: "Validate a policy file without writing it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := policy.LoadFile(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d services, %d action scopes, %d exchange rules\n",
			args[0], len(f.Services), len(f.ActionScopes), len(f.Rules))
		return nil
	},
}

func init() {
	policyCmd.AddCommand(policyImportCmd, policyCheckCmd)
}
