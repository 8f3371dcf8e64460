package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/covenantd/covenant/internal/config"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history <agent-id>",
	Short: "Show the update history for an agent, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "history")
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

		agentID := args[0]
		events, err := st.History(ctx, agentID, historyLimit)
		if err != nil {
			return fmt.Errorf("reading history: %w", err)
		}

		out := cmd.OutOrStdout()
		if len(events) == 0 {
			fmt.Fprintf(out, "no updates recorded for %s\n", agentID)
			return nil
		}

		fmt.Fprintf(out, "%-20s %-8s %-18s %8s %8s\n", "TIMESTAMP", "OUTCOME", "REASON", "DELTA", "SCORE")
		for _, ev := range events {
			fmt.Fprintf(out, "%-20s %-8s %-18s %+8.4f %8.4f\n",
				ev.Timestamp.UTC().Format("2006-01-02 15:04:05"),
				ev.Outcome, ev.Reason, ev.Delta, ev.ResultingScore)
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum events to show (0 for all)")
	rootCmd.AddCommand(historyCmd)
}
