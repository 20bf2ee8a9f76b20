package main

import (
	"github.com/spf13/cobra"

	"github.com/1ureka/pairup/internal/app"
	"github.com/1ureka/pairup/internal/config"
	"github.com/1ureka/pairup/internal/util"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the matchmaking server",
		Long: `Run the matchmaking server:
  - WebSocket control channel on /ws
  - Interest matchmaking and signaling relay
  - AI agent sessions (PAIRUP_AGENT_API_KEY)
  - Live counters on /health`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := applyServeFlags(cmd, &cfg); err != nil {
				return err
			}

			if err := app.RunServer(cmd.Context(), cfg); err != nil {
				return err
			}
			util.LogInfo("server stopped")
			return nil
		},
	}

	cmd.Flags().StringP("addr", "a", ":8080", "Listen address (or PAIRUP_ADDR env)")
	cmd.Flags().String("log-level", "info", "debug, info, warn or error (or PAIRUP_LOG_LEVEL env)")
	return cmd
}

// applyServeFlags overrides cfg with the flags the user set and validates
// the result. Flag → environment → default; --debug implies the debug level
// unless --log-level says otherwise.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()

	if flags.Changed("addr") {
		cfg.Addr, _ = flags.GetString("addr")
	}
	switch {
	case flags.Changed("log-level"):
		cfg.LogLevel, _ = flags.GetString("log-level")
	case debugMode:
		cfg.LogLevel = "debug"
	}
	return cfg.Validate()
}
