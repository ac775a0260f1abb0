package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/whisper/matchroom/internal/config"
	"github.com/whisper/matchroom/internal/logging"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "matchroom",
	Short: "Location-aware matchmaking and end-to-end encrypted chat rooms",
	Long: `matchroom pairs searching users by distance, preferences and shared
answers, charges both a conversation credit and opens a private room in
which they exchange encrypted messages over a WebSocket.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (yaml, json or toml); MATCHROOM_* env vars override it")
	rootCmd.AddCommand(serveCmd, migrateCmd)
}

// loadConfig reads the configuration and builds the process logger.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	log := logging.New(os.Stderr, cfg.Logging.Format, cfg.Logging.Level)
	slog.SetDefault(log)
	return cfg, log, nil
}
