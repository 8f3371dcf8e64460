package store

import (
	"context"
	"fmt"
)

// Begin opens a buffered transaction. Operations accumulate in memory and
// are applied and flushed to disk as one unit on Commit.
func (s *FileStore) Begin(ctx context.Context) (Tx, error) {
	return &bufferedTx{apply: s.applyOps}, nil
}

// applyOps applies a committed transaction's operations under the lock and
// persists the result. On a persist failure the in-memory state is rolled
// back so readers never observe a half-applied transaction.
func (s *FileStore) applyOps(ops []txOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prevScores := make(map[string]TrustScore, len(s.scores))
	for id, ts := range s.scores {
		prevScores[id] = ts
	}
	prevUpdates := len(s.updates)

	for _, op := range ops {
		switch {
		case op.score != nil:
			s.scores[op.score.AgentID] = *op.score
		case op.event != nil:
			s.updates = append(s.updates, *op.event)
		}
	}

	err := s.persistScores()
	if err == nil {
		err = s.persistUpdates()
	}
	if err == nil {
		return nil
	}

	s.scores = prevScores
	s.updates = s.updates[:prevUpdates]
	_ = s.persistScores()
	_ = s.persistUpdates()
	return fmt.Errorf("%w: %v", ErrTransactionFailed, err)
}
