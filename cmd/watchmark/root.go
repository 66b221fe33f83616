package main

import (
	"github.com/spf13/cobra"

	"github.com/watchmark/watchmark/internal/config"
	"github.com/watchmark/watchmark/internal/events"
)

var rootCmd = &cobra.Command{
	Use:   "watchmark",
	Short: "Cross-tab watch progress coordinator",
	Long: `Watchmark tracks how far you have watched videos across browser tabs.

The serve command runs the coordinator daemon that observers connect to.
The other commands talk to a running daemon over its local HTTP API.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	cfgFile  string
	logLevel string
	jsonLog  bool
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"Config file path (default: search standard locations)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&jsonLog, "json", false,
		"Log in JSON format")
}

// loadConfig resolves configuration with CLI flags applied on top of the
// file and environment layers.
func loadConfig() (*config.Config, *config.Loader, error) {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, err
	}

	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if jsonLog {
		cfg.Log.Format = "json"
	}

	return cfg, loader, nil
}

func newLogger(cfg *config.Config) (*events.Logger, error) {
	return events.NewLogger(&cfg.Log)
}
