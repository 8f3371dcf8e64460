package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "trust.db"))
	require.NoError(t, err)
	require.NoError(t, s.Initialize(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestFile(t *testing.T) *FileStore {
	t.Helper()
	s := NewFileStore(t.TempDir())
	require.NoError(t, s.Initialize(context.Background()))
	return s
}

// backends returns one instance of every backend for conformance tests.
func backends(t *testing.T) map[string]Store {
	t.Helper()
	return map[string]Store{
		"sqlite": newTestSQLite(t),
		"file":   newTestFile(t),
		"memory": NewMemoryStore(),
	}
}

func testScore(agentID string, value float64) TrustScore {
	return TrustScore{
		AgentID:     agentID,
		Score:       value,
		Confidence:  0.5,
		UpdateCount: 3,
		LastUpdated: time.Now().UTC().Truncate(time.Second),
	}
}

func testEvent(agentID string, ts time.Time, delta float64) UpdateEvent {
	return UpdateEvent{
		AgentID:        agentID,
		Timestamp:      ts,
		Outcome:        OutcomeSuccess,
		Reason:         ReasonTaskSuccess,
		Delta:          delta,
		ResultingScore: 0.5 + delta,
	}
}

func TestStore_ScoreRoundTrip(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			got, err := s.GetTrustScore(ctx, "agent-1")
			require.NoError(t, err)
			assert.Nil(t, got, "unknown agent must return nil, nil")

			want := testScore("agent-1", 0.42)
			require.NoError(t, s.StoreTrustScore(ctx, want))

			got, err = s.GetTrustScore(ctx, "agent-1")
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, want.AgentID, got.AgentID)
			assert.InDelta(t, want.Score, got.Score, 1e-9)
			assert.InDelta(t, want.Confidence, got.Confidence, 1e-9)
			assert.Equal(t, want.UpdateCount, got.UpdateCount)
		})
	}
}

func TestStore_UpsertReplacesScore(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.StoreTrustScore(ctx, testScore("agent-1", 0.3)))
			require.NoError(t, s.StoreTrustScore(ctx, testScore("agent-1", 0.7)))

			got, err := s.GetTrustScore(ctx, "agent-1")
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.InDelta(t, 0.7, got.Score, 1e-9)

			all, err := s.GetAllTrustScores(ctx)
			require.NoError(t, err)
			assert.Len(t, all, 1)
		})
	}
}

func TestStore_HistoryNewestFirst(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
			for i := 0; i < 5; i++ {
				ev := testEvent("agent-1", base.Add(time.Duration(i)*time.Minute), 0.02)
				require.NoError(t, s.StoreTrustUpdate(ctx, ev))
			}
			require.NoError(t, s.StoreTrustUpdate(ctx, testEvent("other", base, 0.02)))

			events, err := s.History(ctx, "agent-1", 0)
			require.NoError(t, err)
			require.Len(t, events, 5)
			for i := 1; i < len(events); i++ {
				assert.False(t, events[i].Timestamp.After(events[i-1].Timestamp),
					"history must be newest first")
			}

			limited, err := s.History(ctx, "agent-1", 2)
			require.NoError(t, err)
			assert.Len(t, limited, 2)
			assert.Equal(t, events[0].Timestamp.Unix(), limited[0].Timestamp.Unix())
		})
	}
}

func TestStore_UpdatesSince(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Now().UTC().Add(-2 * time.Hour).Truncate(time.Second)
			for i := 0; i < 4; i++ {
				ev := testEvent("agent-1", base.Add(time.Duration(i)*30*time.Minute), 0.02)
				require.NoError(t, s.StoreTrustUpdate(ctx, ev))
			}

			events, err := s.UpdatesSince(ctx, base.Add(45*time.Minute))
			require.NoError(t, err)
			require.Len(t, events, 2)
			assert.True(t, events[0].Timestamp.Before(events[1].Timestamp),
				"updates since must be oldest first")
		})
	}
}

func TestStore_RemoveAgent(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.StoreTrustScore(ctx, testScore("agent-1", 0.5)))
			require.NoError(t, s.StoreTrustScore(ctx, testScore("agent-2", 0.6)))
			require.NoError(t, s.StoreTrustUpdate(ctx, testEvent("agent-1", time.Now().UTC(), 0.02)))

			require.NoError(t, s.RemoveAgent(ctx, "agent-1"))

			got, err := s.GetTrustScore(ctx, "agent-1")
			require.NoError(t, err)
			assert.Nil(t, got)

			events, err := s.History(ctx, "agent-1", 0)
			require.NoError(t, err)
			assert.Empty(t, events)

			other, err := s.GetTrustScore(ctx, "agent-2")
			require.NoError(t, err)
			assert.NotNil(t, other)
		})
	}
}

func TestStore_TransactionCommit(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			tx, err := s.Begin(ctx)
			require.NoError(t, err)

			require.NoError(t, tx.StoreTrustScore(testScore("agent-1", 0.5)))
			require.NoError(t, tx.StoreTrustUpdate(testEvent("agent-1", time.Now().UTC(), 0.02)))
			require.NoError(t, tx.Commit())

			got, err := s.GetTrustScore(ctx, "agent-1")
			require.NoError(t, err)
			require.NotNil(t, got)

			events, err := s.History(ctx, "agent-1", 0)
			require.NoError(t, err)
			assert.Len(t, events, 1)
		})
	}
}

func TestStore_TransactionRollback(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			tx, err := s.Begin(ctx)
			require.NoError(t, err)

			require.NoError(t, tx.StoreTrustScore(testScore("agent-1", 0.5)))
			require.NoError(t, tx.Rollback())

			got, err := s.GetTrustScore(ctx, "agent-1")
			require.NoError(t, err)
			assert.Nil(t, got, "rolled back write must not be visible")
		})
	}
}

func TestStore_TransactionReuseFails(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			tx, err := s.Begin(ctx)
			require.NoError(t, err)
			require.NoError(t, tx.Commit())

			err = tx.StoreTrustScore(testScore("agent-1", 0.5))
			assert.ErrorIs(t, err, ErrTransactionFailed)
			err = tx.Commit()
			assert.ErrorIs(t, err, ErrTransactionFailed)
			assert.NoError(t, tx.Rollback(), "rollback after finish is a no-op")
		})
	}
}

func TestStore_CleanupOldData(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC().Truncate(time.Second)
			require.NoError(t, s.StoreTrustScore(ctx, testScore("agent-1", 0.5)))
			require.NoError(t, s.StoreTrustUpdate(ctx, testEvent("agent-1", now.Add(-48*time.Hour), 0.02)))
			require.NoError(t, s.StoreTrustUpdate(ctx, testEvent("agent-1", now.Add(-49*time.Hour), 0.02)))
			require.NoError(t, s.StoreTrustUpdate(ctx, testEvent("agent-1", now, 0.02)))

			removed, err := s.CleanupOldData(ctx, now.Add(-24*time.Hour))
			require.NoError(t, err)
			assert.Equal(t, int64(2), removed)

			events, err := s.History(ctx, "agent-1", 0)
			require.NoError(t, err)
			assert.Len(t, events, 1)

			score, err := s.GetTrustScore(ctx, "agent-1")
			require.NoError(t, err)
			assert.NotNil(t, score, "cleanup must never touch current scores")
		})
	}
}

func TestStore_AgentMetadata(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			got, err := s.GetAgentMetadata(ctx, "agent-1")
			require.NoError(t, err)
			assert.Nil(t, got)

			meta := AgentMetadata{
				AgentID:  "agent-1",
				Name:     "builder",
				Notes:    "primary build agent",
				LastSeen: time.Now().UTC().Truncate(time.Second),
			}
			require.NoError(t, s.SetAgentMetadata(ctx, meta))

			got, err = s.GetAgentMetadata(ctx, "agent-1")
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, "builder", got.Name)
		})
	}
}

func TestStore_HealthCheck(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.StoreTrustScore(ctx, testScore("agent-1", 0.5)))
			require.NoError(t, s.StoreTrustUpdate(ctx, testEvent("agent-1", time.Now().UTC(), 0.02)))

			report, err := s.HealthCheck(ctx)
			require.NoError(t, err)
			assert.True(t, report.IsHealthy)
			assert.Equal(t, 1, report.TotalAgents)
			assert.Equal(t, 1, report.TotalUpdates)
		})
	}
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(KindSQLite, filepath.Join(dir, "trust.db"))
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, s)
	_ = s.Close()

	s, err = Open(KindFile, dir)
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	s, err = Open(KindMemory, "")
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	_, err = Open("redis", "")
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestTrustScore_Effective(t *testing.T) {
	ts := TrustScore{Score: 0.8, Confidence: 0.5}
	assert.InDelta(t, 0.4, ts.Effective(), 1e-9)
}
