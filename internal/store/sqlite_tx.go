package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

// sqliteTx wraps a real database transaction. Writes are invisible to other
// readers until Commit; Rollback discards everything.
type sqliteTx struct {
	tx *sql.Tx

	mu   sync.Mutex
	done bool
}

// Begin starts a write transaction. SQLite allows one writer at a time, so a
// second Begin blocks until the first resolves or the busy timeout expires,
// in which case ErrConcurrency is returned.
func (s *SQLiteStore) Begin(ctx context.Context) (Tx, error) {
	ctx, span := tracer.Start(ctx, "store.begin")
	defer span.End()

	var tx *sql.Tx
	err := s.withRetry(ctx, func() error {
		var err error
		tx, err = s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("%w: begin transaction: %v", ErrTransactionFailed, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &sqliteTx{tx: tx}, nil
}

func (t *sqliteTx) StoreTrustScore(score TrustScore) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return fmt.Errorf("%w: transaction already finished", ErrTransactionFailed)
	}
	_, err := t.tx.Exec(upsertScoreSQL,
		score.AgentID, score.Score, score.Confidence, score.UpdateCount, score.LastUpdated.UTC())
	if err != nil {
		return txErr("storing trust score", err)
	}
	return nil
}

func (t *sqliteTx) StoreTrustUpdate(event UpdateEvent) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return fmt.Errorf("%w: transaction already finished", ErrTransactionFailed)
	}
	ensureEventID(&event)
	_, err := t.tx.Exec(insertUpdateSQL,
		event.ID, event.AgentID, event.Timestamp.UTC(), string(event.Outcome),
		event.Reason, event.Delta, event.ResultingScore)
	if err != nil {
		return txErr("storing trust update", err)
	}
	return nil
}

func (t *sqliteTx) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return fmt.Errorf("%w: transaction already finished", ErrTransactionFailed)
	}
	t.done = true
	if err := t.tx.Commit(); err != nil {
		return txErr("commit", err)
	}
	return nil
}

// txErr classifies a driver error inside an open transaction. Busy/locked
// means the deferred write-lock upgrade lost a bounded wait, which is
// contention, not a broken transaction.
func txErr(op string, err error) error {
	if isSQLiteLocked(err) {
		return fmt.Errorf("%w: %s: %v", ErrConcurrency, op, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrTransactionFailed, op, err)
}

func (t *sqliteTx) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Rollback(); err != nil {
		return fmt.Errorf("%w: rollback: %v", ErrTransactionFailed, err)
	}
	return nil
}
