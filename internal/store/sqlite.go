package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	covotel "github.com/covenantd/covenant/internal/otel"
)

var tracer = covotel.Tracer("github.com/covenantd/covenant/internal/store")

// SQLiteStore is the durable backend. Transactions are true ACID; WAL mode
// lets readers proceed while a writer holds a transaction. Write contention
// is bounded by the busy timeout plus a retry loop that surfaces
// ErrConcurrency instead of hanging.
type SQLiteStore struct {
	db            *sql.DB
	path          string
	targetVersion int

	mu         sync.Mutex // guards lastBackup
	lastBackup *time.Time
}

// lockRetries bounds the busy/locked retry loop. Combined with the quadratic
// backoff in sleepRetry this caps lock waits at roughly two seconds before
// ErrConcurrency is surfaced.
const lockRetries = 10

// SQLiteOption configures a SQLiteStore.
type SQLiteOption func(*SQLiteStore)

// WithTargetVersion sets the schema version Initialize migrates to.
func WithTargetVersion(v int) SQLiteOption {
	return func(s *SQLiteStore) { s.targetVersion = v }
}

// NewSQLiteStore opens or creates the trust database at path. Initialize
// must be called before the store serves requests.
func NewSQLiteStore(path string, opts ...SQLiteOption) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("%w: creating database directory: %v", ErrStorage, err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("%w: opening trust database: %v", ErrStorage, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: connecting to trust database: %v", ErrStorage, err)
	}

	s := &SQLiteStore{db: db, path: path, targetVersion: MaxSchemaVersion}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Initialize creates the version table and migrates the schema to the
// configured target. Idempotent; safe to call on every startup. The store
// must not serve requests if this fails.
func (s *SQLiteStore) Initialize(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "store.initialize")
	defer span.End()

	if _, err := s.db.ExecContext(ctx, schemaInfoSQL); err != nil {
		return fmt.Errorf("%w: creating schema_info: %v", ErrStorage, err)
	}
	if err := s.MigrateSchema(ctx, s.targetVersion); err != nil {
		return err
	}
	return nil
}

// Close releases the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) GetTrustScore(ctx context.Context, agentID string) (*TrustScore, error) {
	ctx, span := tracer.Start(ctx, "store.get_trust_score",
		trace.WithAttributes(attribute.String("agent_id", agentID)))
	defer span.End()

	row := s.db.QueryRowContext(ctx,
		`SELECT agent_id, score, confidence, update_count, last_updated
		 FROM trust_scores WHERE agent_id = ?`, agentID)

	var ts TrustScore
	var lastUpdated any
	err := row.Scan(&ts.AgentID, &ts.Score, &ts.Confidence, &ts.UpdateCount, &lastUpdated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: querying trust score: %v", ErrStorage, err)
	}
	if t, ok := scanTime(lastUpdated); ok {
		ts.LastUpdated = t
	}
	return &ts, nil
}

func (s *SQLiteStore) GetAllTrustScores(ctx context.Context) (map[string]TrustScore, error) {
	ctx, span := tracer.Start(ctx, "store.get_all_trust_scores")
	defer span.End()

	rows, err := s.db.QueryContext(ctx,
		`SELECT agent_id, score, confidence, update_count, last_updated FROM trust_scores`)
	if err != nil {
		return nil, fmt.Errorf("%w: querying trust scores: %v", ErrStorage, err)
	}
	defer rows.Close()

	scores := make(map[string]TrustScore)
	for rows.Next() {
		var ts TrustScore
		var lastUpdated any
		if err := rows.Scan(&ts.AgentID, &ts.Score, &ts.Confidence, &ts.UpdateCount, &lastUpdated); err != nil {
			return nil, fmt.Errorf("%w: scanning trust score: %v", ErrStorage, err)
		}
		if t, ok := scanTime(lastUpdated); ok {
			ts.LastUpdated = t
		}
		scores[ts.AgentID] = ts
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating trust scores: %v", ErrStorage, err)
	}
	span.SetAttributes(attribute.Int("store.agent_count", len(scores)))
	return scores, nil
}

func (s *SQLiteStore) StoreTrustScore(ctx context.Context, score TrustScore) error {
	ctx, span := tracer.Start(ctx, "store.store_trust_score",
		trace.WithAttributes(attribute.String("agent_id", score.AgentID)))
	defer span.End()

	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, upsertScoreSQL,
			score.AgentID, score.Score, score.Confidence, score.UpdateCount, score.LastUpdated.UTC())
		if err != nil {
			return fmt.Errorf("%w: storing trust score: %v", ErrStorage, err)
		}
		return nil
	})
}

func (s *SQLiteStore) StoreTrustUpdate(ctx context.Context, event UpdateEvent) error {
	ctx, span := tracer.Start(ctx, "store.store_trust_update",
		trace.WithAttributes(attribute.String("agent_id", event.AgentID)))
	defer span.End()

	ensureEventID(&event)
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, insertUpdateSQL,
			event.ID, event.AgentID, event.Timestamp.UTC(), string(event.Outcome),
			event.Reason, event.Delta, event.ResultingScore)
		if err != nil {
			return fmt.Errorf("%w: storing trust update: %v", ErrStorage, err)
		}
		return nil
	})
}

func (s *SQLiteStore) History(ctx context.Context, agentID string, limit int) ([]UpdateEvent, error) {
	ctx, span := tracer.Start(ctx, "store.history",
		trace.WithAttributes(attribute.String("agent_id", agentID)))
	defer span.End()

	query := `SELECT id, agent_id, timestamp, outcome, reason, delta, resulting_score
	          FROM trust_updates WHERE agent_id = ? ORDER BY timestamp DESC, rowid DESC`
	args := []any{agentID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryEvents(ctx, query, args...)
}

func (s *SQLiteStore) UpdatesSince(ctx context.Context, t time.Time) ([]UpdateEvent, error) {
	ctx, span := tracer.Start(ctx, "store.updates_since")
	defer span.End()

	return s.queryEvents(ctx,
		`SELECT id, agent_id, timestamp, outcome, reason, delta, resulting_score
		 FROM trust_updates WHERE timestamp >= ? ORDER BY timestamp ASC, rowid ASC`, t.UTC())
}

func (s *SQLiteStore) RemoveAgent(ctx context.Context, agentID string) error {
	ctx, span := tracer.Start(ctx, "store.remove_agent",
		trace.WithAttributes(attribute.String("agent_id", agentID)))
	defer span.End()

	return s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("%w: begin remove: %v", ErrStorage, err)
		}
		defer func() { _ = tx.Rollback() }()

		for _, q := range []string{
			`DELETE FROM trust_updates WHERE agent_id = ?`,
			`DELETE FROM trust_scores WHERE agent_id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, q, agentID); err != nil {
				return fmt.Errorf("%w: removing agent: %v", ErrStorage, err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("%w: commit remove: %v", ErrTransactionFailed, err)
		}
		return nil
	})
}

func (s *SQLiteStore) SetAgentMetadata(ctx context.Context, meta AgentMetadata) error {
	ctx, span := tracer.Start(ctx, "store.set_agent_metadata",
		trace.WithAttributes(attribute.String("agent_id", meta.AgentID)))
	defer span.End()

	if err := s.requireVersion(ctx, 3); err != nil {
		return err
	}
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO agent_metadata (agent_id, name, notes, last_seen)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT(agent_id) DO UPDATE SET name=excluded.name, notes=excluded.notes, last_seen=excluded.last_seen`,
			meta.AgentID, meta.Name, meta.Notes, meta.LastSeen.UTC())
		if err != nil {
			return fmt.Errorf("%w: storing agent metadata: %v", ErrStorage, err)
		}
		return nil
	})
}

func (s *SQLiteStore) GetAgentMetadata(ctx context.Context, agentID string) (*AgentMetadata, error) {
	ctx, span := tracer.Start(ctx, "store.get_agent_metadata",
		trace.WithAttributes(attribute.String("agent_id", agentID)))
	defer span.End()

	if err := s.requireVersion(ctx, 3); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT agent_id, name, notes, last_seen FROM agent_metadata WHERE agent_id = ?`, agentID)
	var meta AgentMetadata
	var lastSeen any
	err := row.Scan(&meta.AgentID, &meta.Name, &meta.Notes, &lastSeen)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: querying agent metadata: %v", ErrStorage, err)
	}
	if t, ok := scanTime(lastSeen); ok {
		meta.LastSeen = t
	}
	return &meta, nil
}

func (s *SQLiteStore) HealthCheck(ctx context.Context) (*HealthReport, error) {
	ctx, span := tracer.Start(ctx, "store.health_check")
	defer span.End()

	report := &HealthReport{IsHealthy: true}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM trust_scores`).Scan(&report.TotalAgents); err != nil {
		report.IsHealthy = false
		report.Error = err.Error()
		return report, nil
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM trust_updates`).Scan(&report.TotalUpdates); err != nil {
		report.IsHealthy = false
		report.Error = err.Error()
		return report, nil
	}
	if info, err := os.Stat(s.path); err == nil {
		report.SizeBytes = info.Size()
	}
	s.mu.Lock()
	report.LastBackup = s.lastBackup
	s.mu.Unlock()

	span.SetAttributes(
		attribute.Int("store.total_agents", report.TotalAgents),
		attribute.Int("store.total_updates", report.TotalUpdates),
	)
	return report, nil
}

func (s *SQLiteStore) CleanupOldData(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, span := tracer.Start(ctx, "store.cleanup_old_data")
	defer span.End()

	var removed int64
	err := s.withRetry(ctx, func() error {
		result, err := s.db.ExecContext(ctx,
			`DELETE FROM trust_updates WHERE timestamp < ?`, cutoff.UTC())
		if err != nil {
			return fmt.Errorf("%w: cleaning up trust updates: %v", ErrStorage, err)
		}
		removed, _ = result.RowsAffected()
		return nil
	})
	span.SetAttributes(attribute.Int64("store.removed", removed))
	return removed, err
}

// CreateBackup snapshots a committed state of the database to path using
// VACUUM INTO, which never observes a half-written transaction.
func (s *SQLiteStore) CreateBackup(ctx context.Context, path string) error {
	ctx, span := tracer.Start(ctx, "store.create_backup",
		trace.WithAttributes(attribute.String("backup.path", path)))
	defer span.End()

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("%w: creating backup directory: %v", ErrBackupFailed, err)
	}
	// VACUUM INTO refuses to overwrite an existing file.
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: backup target %s already exists", ErrBackupFailed, path)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, path); err != nil {
		return fmt.Errorf("%w: %v", ErrBackupFailed, err)
	}

	now := time.Now().UTC()
	s.mu.Lock()
	s.lastBackup = &now
	s.mu.Unlock()
	return nil
}

// RestoreBackup replaces the store's entire content from a snapshot file.
// The snapshot's schema version must not exceed what this store supports.
func (s *SQLiteStore) RestoreBackup(ctx context.Context, path string) error {
	ctx, span := tracer.Start(ctx, "store.restore_backup",
		trace.WithAttributes(attribute.String("backup.path", path)))
	defer span.End()

	backupVersion, err := readBackupVersion(ctx, path)
	if err != nil {
		return err
	}
	if backupVersion > MaxSchemaVersion {
		return fmt.Errorf("%w: backup schema version %d is newer than supported version %d",
			ErrMigrationFailed, backupVersion, MaxSchemaVersion)
	}

	liveVersion, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	// A snapshot newer than the live schema needs the target tables in
	// place before the copy.
	if backupVersion > liveVersion {
		if err := s.MigrateSchema(ctx, backupVersion); err != nil {
			return err
		}
		liveVersion = backupVersion
	}

	// ATTACH and the copy must run on the same connection, and ATTACH
	// cannot run inside a transaction, so take a dedicated conn and
	// manage the transaction explicitly.
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("%w: acquiring connection: %v", ErrStorage, err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `ATTACH DATABASE ? AS backup`, path); err != nil {
		return fmt.Errorf("%w: attaching backup: %v", ErrStorage, err)
	}
	defer func() { _, _ = conn.ExecContext(ctx, `DETACH DATABASE backup`) }()

	if _, err := conn.ExecContext(ctx, `BEGIN IMMEDIATE`); err != nil {
		return fmt.Errorf("%w: begin restore: %v", ErrStorage, err)
	}
	restore := []string{
		`DELETE FROM trust_updates`,
		`DELETE FROM trust_scores`,
		`DELETE FROM schema_info`,
		`INSERT INTO schema_info SELECT * FROM backup.schema_info`,
		`INSERT INTO trust_scores SELECT * FROM backup.trust_scores`,
		`INSERT INTO trust_updates SELECT * FROM backup.trust_updates`,
	}
	// Stale metadata from before the restore must not survive even when the
	// snapshot predates the agent_metadata table.
	if liveVersion >= 3 {
		restore = append(restore, `DELETE FROM agent_metadata`)
	}
	if backupVersion >= 3 {
		restore = append(restore, `INSERT INTO agent_metadata SELECT * FROM backup.agent_metadata`)
	}
	for _, q := range restore {
		if _, err := conn.ExecContext(ctx, q); err != nil {
			_, _ = conn.ExecContext(ctx, `ROLLBACK`)
			return fmt.Errorf("%w: restoring backup: %v", ErrStorage, err)
		}
	}
	if _, err := conn.ExecContext(ctx, `COMMIT`); err != nil {
		return fmt.Errorf("%w: commit restore: %v", ErrTransactionFailed, err)
	}

	// A restored pre-target snapshot is brought forward immediately so the
	// store never serves on an older schema than it was initialized with.
	if backupVersion < s.targetVersion {
		if err := s.MigrateSchema(ctx, s.targetVersion); err != nil {
			return err
		}
	}
	return nil
}

// readBackupVersion opens the snapshot read-only and reads its recorded
// schema version without touching the live database.
func readBackupVersion(ctx context.Context, path string) (int, error) {
	if _, err := os.Stat(path); err != nil {
		return 0, fmt.Errorf("%w: backup %s not readable: %v", ErrStorage, path, err)
	}
	db, err := sql.Open("sqlite3", path+"?mode=ro")
	if err != nil {
		return 0, fmt.Errorf("%w: opening backup: %v", ErrStorage, err)
	}
	defer db.Close()

	var version int
	err = db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_info`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("%w: reading backup schema version: %v", ErrStorage, err)
	}
	return version, nil
}

func (s *SQLiteStore) queryEvents(ctx context.Context, query string, args ...any) ([]UpdateEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: querying trust updates: %v", ErrStorage, err)
	}
	defer rows.Close()

	var events []UpdateEvent
	for rows.Next() {
		var ev UpdateEvent
		var ts any
		var outcome string
		if err := rows.Scan(&ev.ID, &ev.AgentID, &ts, &outcome, &ev.Reason, &ev.Delta, &ev.ResultingScore); err != nil {
			return nil, fmt.Errorf("%w: scanning trust update: %v", ErrStorage, err)
		}
		ev.Outcome = Outcome(outcome)
		if t, ok := scanTime(ts); ok {
			ev.Timestamp = t
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating trust updates: %v", ErrStorage, err)
	}
	return events, nil
}

func (s *SQLiteStore) requireVersion(ctx context.Context, v int) error {
	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	if current < v {
		return fmt.Errorf("%w: agent metadata requires schema v%d, store is at v%d", ErrUnsupported, v, current)
	}
	return nil
}

// withRetry retries fn on SQLite busy/locked with quadratic backoff. After
// lockRetries attempts the contention is surfaced as ErrConcurrency.
func (s *SQLiteStore) withRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < lockRetries; attempt++ {
		if attempt > 0 {
			if err := sleepRetry(ctx, attempt); err != nil {
				return err
			}
		}
		lastErr = fn()
		if lastErr == nil || !isSQLiteLocked(lastErr) {
			return lastErr
		}
	}
	return fmt.Errorf("%w: lock wait exhausted: %v", ErrConcurrency, lastErr)
}

func sleepRetry(ctx context.Context, attempt int) error {
	backoff := time.Duration(attempt*attempt) * 20 * time.Millisecond
	if backoff > 250*time.Millisecond {
		backoff = 250 * time.Millisecond
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrConcurrency, ctx.Err())
	case <-time.After(backoff):
		return nil
	}
}

// isSQLiteLocked reports whether the error is SQLite busy/locked (retryable).
func isSQLiteLocked(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "locked")
}

func ensureEventID(event *UpdateEvent) {
	if event.ID == "" {
		event.ID = "upd_" + uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
}

// scanTime handles columns that may come back as time.Time or as text
// (SQLite stores datetimes as strings).
func scanTime(v any) (time.Time, bool) {
	switch val := v.(type) {
	case nil:
		return time.Time{}, false
	case time.Time:
		return val, true
	case []byte:
		return parseSQLiteTime(string(val))
	case string:
		return parseSQLiteTime(val)
	}
	return time.Time{}, false
}

func parseSQLiteTime(s string) (time.Time, bool) {
	for _, layout := range []string{
		"2006-01-02 15:04:05.999999999-07:00",
		time.RFC3339Nano,
		time.RFC3339,
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

const upsertScoreSQL = `INSERT INTO trust_scores (agent_id, score, confidence, update_count, last_updated)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(agent_id) DO UPDATE SET
    score = excluded.score,
    confidence = excluded.confidence,
    update_count = excluded.update_count,
    last_updated = excluded.last_updated`

const insertUpdateSQL = `INSERT INTO trust_updates (id, agent_id, timestamp, outcome, reason, delta, resulting_score)
VALUES (?, ?, ?, ?, ?, ?, ?)`
