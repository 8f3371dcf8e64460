package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps everything in process memory. Used for tests and for
// ephemeral deployments where trust state does not need to survive a
// restart. Backup and restore are not supported.
type MemoryStore struct {
	mu       sync.RWMutex
	scores   map[string]TrustScore
	updates  []UpdateEvent
	metadata map[string]AgentMetadata
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		scores:   make(map[string]TrustScore),
		metadata: make(map[string]AgentMetadata),
	}
}

func (s *MemoryStore) Initialize(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) GetTrustScore(ctx context.Context, agentID string) (*TrustScore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, ok := s.scores[agentID]
	if !ok {
		return nil, nil
	}
	return &ts, nil
}

func (s *MemoryStore) GetAllTrustScores(ctx context.Context) (map[string]TrustScore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]TrustScore, len(s.scores))
	for id, ts := range s.scores {
		out[id] = ts
	}
	return out, nil
}

func (s *MemoryStore) StoreTrustScore(ctx context.Context, score TrustScore) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scores[score.AgentID] = score
	return nil
}

func (s *MemoryStore) StoreTrustUpdate(ctx context.Context, event UpdateEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ensureEventID(&event)
	s.updates = append(s.updates, event)
	return nil
}

func (s *MemoryStore) History(ctx context.Context, agentID string, limit int) ([]UpdateEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var events []UpdateEvent
	for _, ev := range s.updates {
		if ev.AgentID == agentID {
			events = append(events, ev)
		}
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.After(events[j].Timestamp)
	})
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

func (s *MemoryStore) UpdatesSince(ctx context.Context, t time.Time) ([]UpdateEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var events []UpdateEvent
	for _, ev := range s.updates {
		if !ev.Timestamp.Before(t) {
			events = append(events, ev)
		}
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	return events, nil
}

func (s *MemoryStore) RemoveAgent(ctx context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.scores, agentID)
	kept := s.updates[:0]
	for _, ev := range s.updates {
		if ev.AgentID != agentID {
			kept = append(kept, ev)
		}
	}
	s.updates = kept
	return nil
}

// Begin opens a buffered transaction applied atomically to memory on Commit.
func (s *MemoryStore) Begin(ctx context.Context) (Tx, error) {
	return &bufferedTx{apply: s.applyOps}, nil
}

func (s *MemoryStore) applyOps(ops []txOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range ops {
		switch {
		case op.score != nil:
			s.scores[op.score.AgentID] = *op.score
		case op.event != nil:
			s.updates = append(s.updates, *op.event)
		}
	}
	return nil
}

func (s *MemoryStore) CreateBackup(ctx context.Context, path string) error {
	return fmt.Errorf("%w: in-memory store does not support backups", ErrUnsupported)
}

func (s *MemoryStore) RestoreBackup(ctx context.Context, path string) error {
	return fmt.Errorf("%w: in-memory store does not support restore", ErrUnsupported)
}

func (s *MemoryStore) SchemaVersion(ctx context.Context) (int, error) {
	return MaxSchemaVersion, nil
}

func (s *MemoryStore) MigrateSchema(ctx context.Context, target int) error {
	if target > MaxSchemaVersion {
		return fmt.Errorf("%w: target version %d exceeds supported version %d",
			ErrMigrationFailed, target, MaxSchemaVersion)
	}
	if target < MaxSchemaVersion {
		return fmt.Errorf("%w: downgrade from v%d to v%d is not supported",
			ErrMigrationFailed, MaxSchemaVersion, target)
	}
	return nil
}

func (s *MemoryStore) SetAgentMetadata(ctx context.Context, meta AgentMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata[meta.AgentID] = meta
	return nil
}

func (s *MemoryStore) GetAgentMetadata(ctx context.Context, agentID string) (*AgentMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	meta, ok := s.metadata[agentID]
	if !ok {
		return nil, nil
	}
	return &meta, nil
}

func (s *MemoryStore) HealthCheck(ctx context.Context) (*HealthReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &HealthReport{
		IsHealthy:    true,
		TotalAgents:  len(s.scores),
		TotalUpdates: len(s.updates),
	}, nil
}

func (s *MemoryStore) CleanupOldData(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	kept := s.updates[:0]
	for _, ev := range s.updates {
		if ev.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, ev)
	}
	s.updates = kept
	return removed, nil
}
