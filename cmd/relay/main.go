package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"file-relay/internal/config"
	"file-relay/internal/logging"
)

// Set via -ldflags at build time.
var (
	Version = "dev"
	Commit  = "unknown"
)

var (
	cfgFile  string
	logLevel string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "relay",
		Short: "Ephemeral file relay",
		Long: `relay accepts a file upload authenticated with a shared API key and hands
back a short five-character transfer key. Anyone holding the key can download
the file until it expires, one hour after upload by default.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the relay HTTP server and expiry scheduler",
		RunE:  runServe,
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Run one expiry sweep against the metadata store and exit",
		RunE:  runSweep,
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply Postgres schema migrations",
		RunE:  runMigrate,
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "relay %s (commit %s, %s, %s/%s)\n",
				Version, Commit, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	})

	return rootCmd
}

// loadConfig reads the config file and environment, then configures logging.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := logging.Setup(cfg.Log.Format, cfg.Log.Level); err != nil {
		return nil, err
	}
	log.Debug().Str("service", "backend").Str("config", cfgFile).Msg("config_loaded")
	return cfg, nil
}
