package cmd

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/covenantd/covenant/internal/config"
)

var cleanupDays int

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove update events older than the retention window",
	Long:  "Deletes trust update events older than the cutoff. Scores are never removed; only their historical event trail is pruned.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "cleanup")
		defer span.End()

		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		days := cleanupDays
		if days <= 0 {
			days = cfg.RetentionDays
		}

		st, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		cutoff := time.Now().UTC().AddDate(0, 0, -days)
		removed, err := st.CleanupOldData(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("cleanup: %w", err)
		}

		log.Info().
			Int64("events_removed", removed).
			Time("cutoff", cutoff).
			Msg("cleanup_completed")
		fmt.Fprintf(cmd.OutOrStdout(), "removed %d events older than %s\n", removed, cutoff.Format("2006-01-02"))
		return nil
	},
}

func init() {
	cleanupCmd.Flags().IntVar(&cleanupDays, "days", 0, "retention window in days (default: configured retention_days)")
	rootCmd.AddCommand(cleanupCmd)
}
