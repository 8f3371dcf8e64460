package cmd

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/covenantd/covenant/internal/config"
	"github.com/covenantd/covenant/internal/store"
)

var migrateTo int

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Migrate the store schema forward",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "migrate")
		defer span.End()

		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		st, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		before, err := st.SchemaVersion(ctx)
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}

		target := migrateTo
		if target <= 0 {
			target = store.MaxSchemaVersion
		}
		if err := st.MigrateSchema(ctx, target); err != nil {
			return fmt.Errorf("migrating schema: %w", err)
		}

		log.Info().Int("from", before).Int("to", target).Msg("schema_migrated")
		fmt.Fprintf(cmd.OutOrStdout(), "schema at v%d (was v%d)\n", target, before)
		return nil
	},
}

func init() {
	migrateCmd.Flags().IntVar(&migrateTo, "to", 0, "target schema version (default: latest)")
	rootCmd.AddCommand(migrateCmd)
}
