package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/covenantd/covenant/internal/config"
	"github.com/covenantd/covenant/internal/trust"
)

var (
	recordFailure  bool
	recordWeighted bool
)

var recordCmd = &cobra.Command{
	Use:   "record <agent-id>",
	Short: "Record a task outcome for an agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "record")
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

		agentID := args[0]
		score, err := manager.UpdateTrust(ctx, agentID, !recordFailure, recordWeighted)
		if err != nil {
			return fmt.Errorf("recording outcome for %q: %w", agentID, err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "%s now at %.4f\n", agentID, score)
		return nil
	},
}

func init() {
	recordCmd.Flags().BoolVar(&recordFailure, "failure", false, "record a failed outcome (default: success)")
	recordCmd.Flags().BoolVar(&recordWeighted, "weighted", false, "apply the higher high-stakes gain")
	rootCmd.AddCommand(recordCmd)
}
