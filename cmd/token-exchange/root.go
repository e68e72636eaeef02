package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ngaddam369/token-exchange/internal/config"
)

// version is set with -ldflags at build time.
var version = "dev"

var (
	configFile string
	v          = config.New()
)

var rootCmd = &cobra.Command{
	Use:     "token-exchange",
	Short:   "OAuth 2.0 token exchange service",
	Long:    "token-exchange trades upstream access tokens for downscoped, audience-bound tokens (RFC 8693)\nand serves introspection (RFC 7662) and revocation (RFC 7009) for the tokens it issues.",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		configErr := readConfigFile(v)
		logger, err := newLogger(os.Stderr, v.GetString("log.level"), v.GetString("log.format"))
		if err != nil {
			return err
		}
		log.Logger = logger
		if configErr != nil {
			return configErr
		}
		if configFile != "" {
			log.Debug().Str("path", configFile).Msg("using config file")
		}
		return nil
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Configuration file (YAML)")

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	_ = v.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.PersistentFlags().String("log-format", "json", "Log format (json, console)")
	_ = v.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))

	rootCmd.AddCommand(serveCmd, cleanupCmd, policyCmd, keysCmd)
}

// loadConfig reads and validates the full service configuration.
func loadConfig() (*config.Config, error) {
	return config.Load(v, "")
}

// loadStorageConfig reads the configuration, checking only the storage section.
func loadStorageConfig() (*config.Config, error) {
	cfg, err := config.Decode(v, "")
	if err != nil {
		return nil, err
	}
	if err := cfg.ValidateStorage(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func readConfigFile(v *viper.Viper) error {
	if configFile == "" {
		return nil
	}
	v.SetConfigFile(configFile)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	return nil
}

func newLogger(w io.Writer, level, format string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("log level: %w", err)
	}
	zerolog.SetGlobalLevel(lvl)
	if format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).With().Timestamp().Str("service", "token-exchange").Logger(), nil
}
