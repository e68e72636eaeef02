package main

import (
	"encoding/json"
	"errors"

	"github.com/spf13/cobra"

	"github.com/ngaddam369/token-exchange/internal/config"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Inspect the JWT signing keys",
}

var keysJWKSCmd = &cobra.Command{
	Use:   "jwks",
	Short: "Print the public JWK set of every configured signing key",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Decode(v, "")
		if err != nil {
			return err
		}
		keys, err := cfg.KeySet()
		if err != nil {
			return err
		}
		if keys == nil {
			return errors.New("no signing keys configured")
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(keys.JWKS())
	},
}

func init() {
	keysCmd.AddCommand(keysJWKSCmd)
}
