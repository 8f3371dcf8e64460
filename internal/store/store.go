// Package store provides durable persistence for agent trust scores and
// their update history.
//
// Three backends implement the same capability set: SQLite (ACID
// transactions, schema migrations, online backups), a YAML file store
// (atomic whole-document rewrites), and an in-memory store for tests.
// Callers depend only on the Store and Tx interfaces, never on a concrete
// backend.
package store

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy. Callers distinguish classes with errors.Is; every backend
// wraps its driver errors in one of these.
var (
	// ErrStorage marks backend unreachable/corrupted conditions. The
	// operation failed; retry after backoff may succeed.
	ErrStorage = errors.New("storage error")

	// ErrTransactionFailed marks commit/rollback failures and misuse of a
	// finished transaction. State is unchanged; the operation may be retried.
	ErrTransactionFailed = errors.New("transaction failed")

	// ErrConcurrency marks lock/timeout contention. Retryable.
	ErrConcurrency = errors.New("concurrency conflict")

	// ErrMigrationFailed halts initialization; the process must not serve
	// requests on an un-migrated or partially migrated store.
	ErrMigrationFailed = errors.New("schema migration failed")

	// ErrBackupFailed marks a failed backup attempt. Non-fatal to foreground
	// operations; scheduled backups retry on the next interval.
	ErrBackupFailed = errors.New("backup failed")

	// ErrUnsupported is returned by backends that lack a capability
	// (e.g. backups on the in-memory store).
	ErrUnsupported = errors.New("operation not supported by this backend")
)

// Outcome classifies a trust update.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Update reasons recorded alongside the outcome.
const (
	ReasonTaskSuccess      = "task_success"
	ReasonTaskFailure      = "task_failure"
	ReasonPromiseFulfilled = "promise_fulfilled"
	ReasonPromiseViolated  = "promise_violated"
	ReasonTimeDecay        = "time_decay"
	ReasonPeerFeedback     = "peer_feedback"
)

// TrustScore is the current reputation of one agent. The backend store is
// the durability authority; any cached copy is subordinate to it.
type TrustScore struct {
	AgentID     string    `json:"agent_id" yaml:"agent_id"`
	Score       float64   `json:"score" yaml:"score"`
	Confidence  float64   `json:"confidence" yaml:"confidence"`
	UpdateCount int64     `json:"update_count" yaml:"update_count"`
	LastUpdated time.Time `json:"last_updated" yaml:"last_updated"`
}

// Effective returns the confidence-weighted trust value.
func (s TrustScore) Effective() float64 {
	return s.Score * s.Confidence
}

// UpdateEvent is one append-only history record. Written once per trust
// update, never mutated; eligible for retention cleanup.
type UpdateEvent struct {
	ID             string    `json:"id" yaml:"id"`
	AgentID        string    `json:"agent_id" yaml:"agent_id"`
	Timestamp      time.Time `json:"timestamp" yaml:"timestamp"`
	Outcome        Outcome   `json:"outcome" yaml:"outcome"`
	Reason         string    `json:"reason" yaml:"reason"`
	Delta          float64   `json:"delta" yaml:"delta"`
	ResultingScore float64   `json:"resulting_score" yaml:"resulting_score"`
}

// AgentMetadata is the optional per-agent association added in schema v3.
type AgentMetadata struct {
	AgentID  string    `json:"agent_id" yaml:"agent_id"`
	Name     string    `json:"name" yaml:"name"`
	Notes    string    `json:"notes" yaml:"notes"`
	LastSeen time.Time `json:"last_seen" yaml:"last_seen"`
}

// HealthReport aggregates backend health for monitoring.
type HealthReport struct {
	IsHealthy    bool       `json:"is_healthy"`
	Error        string     `json:"error,omitempty"`
	TotalAgents  int        `json:"total_agents"`
	TotalUpdates int        `json:"total_updates"`
	LastBackup   *time.Time `json:"last_backup,omitempty"`
	SizeBytes    int64      `json:"size_bytes"`
}

// BackupRecord describes one completed backup.
type BackupRecord struct {
	Path          string    `json:"path"`
	CreatedAt     time.Time `json:"created_at"`
	SourceVersion int       `json:"source_version"`
}

// Store is the backend capability set shared by all variants.
type Store interface {
	// Initialize prepares storage: creates schema/files and, for the SQLite
	// backend, runs migrations up to its configured target version.
	// Idempotent.
	Initialize(ctx context.Context) error

	// Close releases backend resources.
	Close() error

	// GetTrustScore returns the score for an agent, or (nil, nil) if the
	// agent is unknown.
	GetTrustScore(ctx context.Context, agentID string) (*TrustScore, error)

	// GetAllTrustScores returns every current score keyed by agent ID.
	GetAllTrustScores(ctx context.Context) (map[string]TrustScore, error)

	// StoreTrustScore upserts an agent's current score.
	StoreTrustScore(ctx context.Context, score TrustScore) error

	// StoreTrustUpdate appends one history event.
	StoreTrustUpdate(ctx context.Context, event UpdateEvent) error

	// History returns an agent's update events, newest first. limit <= 0
	// means no limit.
	History(ctx context.Context, agentID string, limit int) ([]UpdateEvent, error)

	// UpdatesSince returns all events at or after t, oldest first.
	UpdatesSince(ctx context.Context, t time.Time) ([]UpdateEvent, error)

	// RemoveAgent deletes an agent's score and history.
	RemoveAgent(ctx context.Context, agentID string) error

	// Begin opens a transaction. Buffered operations become visible only
	// on Commit; Rollback (or abandonment) discards them.
	Begin(ctx context.Context) (Tx, error)

	// CreateBackup writes a self-contained snapshot of a committed state
	// to path. The in-memory backend returns ErrUnsupported.
	CreateBackup(ctx context.Context, path string) error

	// RestoreBackup replaces the store's entire content from a snapshot.
	// Fails with ErrMigrationFailed if the snapshot's schema version is
	// newer than this store supports.
	RestoreBackup(ctx context.Context, path string) error

	// SchemaVersion reports the current schema version.
	SchemaVersion(ctx context.Context) (int, error)

	// MigrateSchema applies migration steps up to target, each in its own
	// transaction. Idempotent: already-applied steps are never re-run.
	MigrateSchema(ctx context.Context, target int) error

	// SetAgentMetadata upserts the optional v3 metadata association.
	SetAgentMetadata(ctx context.Context, meta AgentMetadata) error

	// GetAgentMetadata returns metadata for an agent, or (nil, nil) if none.
	GetAgentMetadata(ctx context.Context, agentID string) (*AgentMetadata, error)

	// HealthCheck reports backend health and aggregate counts.
	HealthCheck(ctx context.Context) (*HealthReport, error)

	// CleanupOldData deletes update events older than cutoff and returns
	// the number removed. Current trust scores are never touched.
	CleanupOldData(ctx context.Context, cutoff time.Time) (int64, error)
}

// Tx is a scoped unit of work against one Store. It buffers mutations and
// applies them atomically on Commit. A Tx must not be used after Commit or
// Rollback; such use fails with ErrTransactionFailed. Transactions do not
// nest.
type Tx interface {
	StoreTrustScore(score TrustScore) error
	StoreTrustUpdate(event UpdateEvent) error
	Commit() error
	Rollback() error
}
