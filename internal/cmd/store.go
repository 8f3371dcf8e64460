package cmd

import (
	"context"
	"fmt"

	"github.com/covenantd/covenant/internal/config"
	"github.com/covenantd/covenant/internal/store"
)

// openStore resolves the configured backend, opens it and runs Initialize.
// Callers own the returned store and must Close it.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	var opts []store.SQLiteOption
	if cfg.StorageBackend == store.KindSQLite {
		opts = append(opts, store.WithTargetVersion(cfg.SchemaTarget))
	}
	st, err := store.Open(cfg.StorageBackend, cfg.StorePath(), opts...)
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", cfg.StorageBackend, err)
	}
	if err := st.Initialize(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return st, nil
}
