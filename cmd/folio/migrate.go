package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/systemshift/folio/internal/logging"
	"github.com/systemshift/folio/internal/store"
)

func newMigrateCmd(envFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the store schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, *envFile)
			if err != nil {
				return err
			}
			log, file, err := logging.New(cfg.LogOptions())
			if err != nil {
				return err
			}
			if file != nil {
				defer file.Close()
			}

			ctx := cmd.Context()
			// Open applies the schema
			st, err := store.Open(ctx, cfg.StoreOptions())
			if err != nil {
				return fmt.Errorf("opening store: %w", err)
			}
			defer st.Close(ctx)

			log.Info().Str("backend", cfg.Backend).Msg("schema is up to date")
			return nil
		},
	}
}
