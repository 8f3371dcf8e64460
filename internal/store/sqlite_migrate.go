package store

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// MaxSchemaVersion is the newest schema this build understands.
const MaxSchemaVersion = 3

const schemaInfoSQL = `CREATE TABLE IF NOT EXISTS schema_info (
    version INTEGER PRIMARY KEY,
    applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    description TEXT NOT NULL
)`

// migration is one schema step. Each step runs in its own transaction and
// records itself in schema_info, so a failed step leaves the previous
// version fully intact.
type migration struct {
	version     int
	description string
	statements  []string
}

var migrations = []migration{
	{
		version:     1,
		description: "initial trust tables",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS trust_scores (
                agent_id TEXT PRIMARY KEY,
                score REAL NOT NULL,
                confidence REAL NOT NULL,
                update_count INTEGER NOT NULL DEFAULT 0,
                last_updated DATETIME NOT NULL
            )`,
			`CREATE TABLE IF NOT EXISTS trust_updates (
                id TEXT PRIMARY KEY,
                agent_id TEXT NOT NULL,
                timestamp DATETIME NOT NULL,
                outcome TEXT NOT NULL,
                reason TEXT NOT NULL DEFAULT '',
                delta REAL NOT NULL,
                resulting_score REAL NOT NULL
            )`,
		},
	},
	{
		version:     2,
		description: "history query indexes",
		statements: []string{
			`CREATE INDEX IF NOT EXISTS idx_trust_updates_agent_time
                ON trust_updates (agent_id, timestamp DESC)`,
			`CREATE INDEX IF NOT EXISTS idx_trust_updates_time
                ON trust_updates (timestamp)`,
		},
	},
	{
		version:     3,
		description: "agent metadata",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS agent_metadata (
                agent_id TEXT PRIMARY KEY,
                name TEXT NOT NULL DEFAULT '',
                notes TEXT NOT NULL DEFAULT '',
                last_seen DATETIME NOT NULL
            )`,
		},
	},
}

// SchemaVersion returns the highest applied schema version, 0 for a fresh
// database.
func (s *SQLiteStore) SchemaVersion(ctx context.Context) (int, error) {
	if _, err := s.db.ExecContext(ctx, schemaInfoSQL); err != nil {
		return 0, fmt.Errorf("%w: creating schema_info: %v", ErrStorage, err)
	}
	var version int
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_info`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("%w: reading schema version: %v", ErrStorage, err)
	}
	return version, nil
}

// MigrateSchema applies pending migrations up to target. Downgrades are
// not supported; asking for a version below the current one fails without
// touching the schema. Migrating to the current version is a no-op.
func (s *SQLiteStore) MigrateSchema(ctx context.Context, target int) error {
	ctx, span := tracer.Start(ctx, "store.migrate_schema")
	defer span.End()

	if target > MaxSchemaVersion {
		return fmt.Errorf("%w: target version %d exceeds supported version %d",
			ErrMigrationFailed, target, MaxSchemaVersion)
	}

	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	span.SetAttributes(
		attribute.Int("schema.current", current),
		attribute.Int("schema.target", target),
	)
	if target == current {
		return nil
	}
	if target < current {
		return fmt.Errorf("%w: downgrade from v%d to v%d is not supported",
			ErrMigrationFailed, current, target)
	}

	for _, m := range migrations {
		if m.version <= current || m.version > target {
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return err
		}
		log.Info().
			Int("version", m.version).
			Str("description", m.description).
			Msg("applied schema migration")
	}
	return nil
}

func (s *SQLiteStore) applyMigration(ctx context.Context, m migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin migration v%d: %v", ErrMigrationFailed, m.version, err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range m.statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w: migration v%d (%s): %v", ErrMigrationFailed, m.version, m.description, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_info (version, description) VALUES (?, ?)`,
		m.version, m.description); err != nil {
		return fmt.Errorf("%w: recording migration v%d: %v", ErrMigrationFailed, m.version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit migration v%d: %v", ErrMigrationFailed, m.version, err)
	}
	return nil
}
