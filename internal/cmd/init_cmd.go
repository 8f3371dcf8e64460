package cmd

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/covenantd/covenant/internal/config"
	"github.com/covenantd/covenant/internal/trust"
)

var initScore float64

var initCmd = &cobra.Command{
	Use:   "init [agent-id...]",
	Short: "Initialize the trust store and optionally register agents",
	Long:  "Creates the data directory, opens the configured backend and migrates it to the target schema version. Any agent IDs given are registered with the starting score.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "init")
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

		version, err := st.SchemaVersion(ctx)
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}

		manager := trust.NewManager(st,
			trust.WithThresholds(cfg.Thresholds),
			trust.WithLockTimeout(cfg.LockTimeout),
			trust.WithCacheBound(cfg.CacheMaxEntries),
		)
		defer manager.Close()

		for _, agentID := range args {
			ts, err := manager.InitializeAgent(ctx, agentID, initScore)
			if err != nil {
				return fmt.Errorf("initializing agent %q: %w", agentID, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered %s at %.2f\n", ts.AgentID, ts.Score)
		}

		log.Info().
			Str("backend", cfg.StorageBackend).
			Str("path", cfg.StorePath()).
			Int("schema_version", version).
			Int("agents_registered", len(args)).
			Msg("covenant_initialized")

		fmt.Fprintf(cmd.OutOrStdout(), "store ready (%s, schema v%d)\n", cfg.StorageBackend, version)
		return nil
	},
}

func init() {
	initCmd.Flags().Float64Var(&initScore, "score", 0.5, "starting trust score for registered agents")
	rootCmd.AddCommand(initCmd)
}
