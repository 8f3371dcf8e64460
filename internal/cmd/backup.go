package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/covenantd/covenant/internal/backup"
	"github.com/covenantd/covenant/internal/config"
	"github.com/covenantd/covenant/internal/store"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Create, list and restore trust store snapshots",
}

var backupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Take a snapshot now",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "backup_create")
		defer span.End()

		coord, st, err := openCoordinator(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		path, err := coord.RunOnce(ctx)
		if err != nil {
			return fmt.Errorf("creating backup: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "snapshot written to %s\n", path)
		return nil
	},
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List snapshots, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, span := tracer.Start(cmd.Context(), "backup_list")
		defer span.End()

		coord, st, err := openCoordinator(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		records, err := coord.List()
		if err != nil {
			return fmt.Errorf("listing backups: %w", err)
		}
		out := cmd.OutOrStdout()
		if len(records) == 0 {
			fmt.Fprintln(out, "no snapshots")
			return nil
		}
		fmt.Fprintf(out, "%-20s  %-7s  %s\n", "CREATED", "SCHEMA", "PATH")
		for _, rec := range records {
			fmt.Fprintf(out, "%-20s  v%-6d  %s\n",
				rec.CreatedAt.UTC().Format("2006-01-02 15:04:05"), rec.SourceVersion, rec.Path)
		}
		return nil
	},
}

var restoreLatest bool

var backupRestoreCmd = &cobra.Command{
	Use:   "restore [path]",
	Short: "Replace the live store with a snapshot",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "backup_restore")
		defer span.End()

		coord, st, err := openCoordinator(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		var path string
		switch {
		case len(args) == 1:
			path = args[0]
		case restoreLatest:
			path, err = coord.Latest()
			if err != nil {
				return fmt.Errorf("finding latest snapshot: %w", err)
			}
		default:
			return fmt.Errorf("a snapshot path or --latest is required")
		}

		if err := coord.Restore(ctx, path); err != nil {
			return fmt.Errorf("restoring from %s: %w", path, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "restored from %s\n", path)
		return nil
	},
}

func openCoordinator(cmd *cobra.Command) (*backup.Coordinator, store.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	st, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return nil, nil, err
	}
	bcfg := backup.Config{
		Enabled:                    true,
		Dir:                        cfg.BackupDir(),
		Interval:                   cfg.BackupInterval,
		OnSignificantChange:        cfg.BackupOnSignificantChange,
		SignificantChangeThreshold: cfg.BackupChangeThreshold,
		RetainCount:                cfg.BackupRetainCount,
		RetainAge:                  cfg.BackupRetainAge,
		Ext:                        cfg.BackupExt(),
	}
	return backup.NewCoordinator(bcfg, st), st, nil
}

func init() {
	backupRestoreCmd.Flags().BoolVar(&restoreLatest, "latest", false, "restore the most recent snapshot")
	backupCmd.AddCommand(backupCreateCmd)
	backupCmd.AddCommand(backupListCmd)
	backupCmd.AddCommand(backupRestoreCmd)
	rootCmd.AddCommand(backupCmd)
}
