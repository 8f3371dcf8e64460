package cmd

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/covenantd/covenant/internal/config"
	"github.com/covenantd/covenant/internal/trust"
)

var decayCmd = &cobra.Command{
	Use:   "decay",
	Short: "Apply time decay to all stale trust scores",
	Long:  "Moves every score that has not been updated within the grace period toward the neutral baseline, recording a decay event per changed agent.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "decay")
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

		manager := trust.NewManager(st,
			trust.WithThresholds(cfg.Thresholds),
			trust.WithLockTimeout(cfg.LockTimeout),
			trust.WithCacheBound(cfg.CacheMaxEntries),
		)
		defer manager.Close()

		decayed, err := manager.ApplyDecay(ctx)
		if err != nil {
			return fmt.Errorf("applying decay: %w", err)
		}

		log.Info().Int("agents_decayed", decayed).Msg("decay_completed")
		fmt.Fprintf(cmd.OutOrStdout(), "decayed %d agents\n", decayed)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(decayCmd)
}
