// Command folio serves the ordered page and block tree over HTTP.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/systemshift/folio/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFile string

	root := &cobra.Command{
		Use:          "folio",
		Short:        "Ordered tree store for pages and blocks",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file to load before reading the environment")
	root.PersistentFlags().String("backend", "", "store backend: memory, sqlite, postgres or neo4j")
	root.PersistentFlags().String("sqlite-path", "", "SQLite database file")
	root.PersistentFlags().String("log-level", "", "log level: debug, info, warn or error")

	root.AddCommand(
		newServeCmd(&envFile),
		newMigrateCmd(&envFile),
	)
	return root
}

// loadConfig reads the environment, then applies any flags set on cmd
func loadConfig(cmd *cobra.Command, envFile string) (config.Config, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return config.Config{}, err
	}

	flags := cmd.Flags()
	override := func(name string, dst *string) {
		if flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}
	override("backend", &cfg.Backend)
	override("sqlite-path", &cfg.SQLitePath)
	override("log-level", &cfg.LogLevel)
	if flags.Lookup("port") != nil {
		override("port", &cfg.Port)
	}
	return cfg, nil
}
