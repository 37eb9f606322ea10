package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/keysync/config"
)

// Version is set at build time with -ldflags.
var Version = "dev"

var (
	cfg    *config.Config
	logger *slog.Logger

	flagServerURL string
	flagDataDir   string
	flagLogLevel  string
	flagLogFormat string
)

var rootCmd = &cobra.Command{
	Use:   "keysync",
	Short: "keysync keeps an end-to-end encrypted vault in sync on this device",
	Long: `A client-side vault engine that caches encrypted vaults and items locally,
unlocks them with the user's keys and follows the server's event stream.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load()
		if err != nil {
			return err
		}
		flags := cmd.Flags()
		if flags.Changed("server-url") {
			loaded.ServerURL = flagServerURL
		}
		if flags.Changed("data-dir") {
			loaded.DataDir = flagDataDir
		}
		if flags.Changed("log-level") {
			loaded.LogLevel = flagLogLevel
		}
		if flags.Changed("log-format") {
			loaded.LogFormat = flagLogFormat
		}
		if err := loaded.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		cfg = loaded
		logger = newLogger(cfg)
		slog.SetDefault(logger)
		return nil
	},
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func newLogger(c *config.Config) *slog.Logger {
	level, _ := c.Level()
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagServerURL, "server-url", "", "Vault server base URL (env KEYSYNC_SERVER_URL)")
	pf.StringVar(&flagDataDir, "data-dir", "", "Directory for local data (env KEYSYNC_DATA_DIR)")
	pf.StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warn, error")
	pf.StringVar(&flagLogFormat, "log-format", "", "Log format: text or json")
	rootCmd.Version = Version
}
