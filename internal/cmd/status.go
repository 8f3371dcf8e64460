package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/covenantd/covenant/internal/config"
	"github.com/covenantd/covenant/internal/trust"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store health and all tracked agents",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "status")
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

		report, err := st.HealthCheck(ctx)
		if err != nil {
			return fmt.Errorf("health check: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Backend:  %s (%s)\n", cfg.StorageBackend, cfg.StorePath())
		if report.IsHealthy {
			fmt.Fprintln(out, "Health:   ok")
		} else {
			fmt.Fprintf(out, "Health:   DEGRADED (%s)\n", report.Error)
		}
		fmt.Fprintf(out, "Agents:   %d\n", report.TotalAgents)
		fmt.Fprintf(out, "Updates:  %d\n", report.TotalUpdates)
		if report.LastBackup != nil {
			fmt.Fprintf(out, "Last backup: %s\n", report.LastBackup.UTC().Format("2006-01-02 15:04:05 UTC"))
		}

		scores, err := st.GetAllTrustScores(ctx)
		if err != nil {
			return fmt.Errorf("listing agents: %w", err)
		}
		if len(scores) == 0 {
			return nil
		}

		ids := make([]string, 0, len(scores))
		for id := range scores {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		fmt.Fprintf(out, "\n%-24s %8s %10s %8s  %s\n", "AGENT", "SCORE", "CONFIDENCE", "UPDATES", "CATEGORY")
		thresholds := cfg.Thresholds
		for _, id := range ids {
			ts := scores[id]
			category := "untrusted"
			switch {
			case ts.Score >= thresholds.CriticalTask:
				category = trust.CategoryCriticalTask
			case ts.Score >= thresholds.Delegation:
				category = trust.CategoryDelegation
			case ts.Score >= thresholds.BasicTask:
				category = trust.CategoryBasicTask
			}
			fmt.Fprintf(out, "%-24s %8.3f %10.3f %8d  %s\n", ts.AgentID, ts.Score, ts.Confidence, ts.UpdateCount, category)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
