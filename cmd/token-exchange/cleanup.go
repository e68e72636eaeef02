package main

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ngaddam369/token-exchange/internal/janitor"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete tokens that expired longer ago than the retention window",
	Long:  "cleanup runs one janitor pass and exits. Use it from an external scheduler such as cron.",
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

		_, err = janitor.New(st.tokens, cfg.Cleanup.Retention, nil, log.Logger).RunOnce(cmd.Context())
		return err
	},
}

func init() {
	cleanupCmd.Flags().Duration("retention", janitor.DefaultRetention, "Keep tokens that expired less than this long ago")
	_ = v.BindPFlag("cleanup.retention", cleanupCmd.Flags().Lookup("retention"))
}
