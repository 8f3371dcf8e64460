package trust

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covenantd/covenant/internal/store"
)

func newTestManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	s := store.NewMemoryStore()
	require.NoError(t, s.Initialize(context.Background()))
	m := NewManager(s, opts...)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestManager_InitializeAgent(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	ts, err := m.InitializeAgent(ctx, "a1", 0.7)
	require.NoError(t, err)
	assert.InDelta(t, 0.7, ts.Score, 1e-9)
	assert.Equal(t, int64(0), ts.UpdateCount)

	_, err = m.InitializeAgent(ctx, "a1", 0.5)
	assert.ErrorIs(t, err, ErrAgentExists)
	assert.ErrorIs(t, err, ErrInvalidInput, "duplicate initialization is a rejected input")

	_, err = m.InitializeAgent(ctx, "a2", 1.5)
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = m.InitializeAgent(ctx, "a2", -0.1)
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = m.InitializeAgent(ctx, "", 0.5)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestManager_UpdateTrustSuccess(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	_, err := m.InitializeAgent(ctx, "a1", 0.7)
	require.NoError(t, err)

	score, err := m.UpdateTrust(ctx, "a1", true, true)
	require.NoError(t, err)
	assert.Greater(t, score, 0.7)
	assert.LessOrEqual(t, score, 1.0)

	events, err := m.History(ctx, "a1", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, store.OutcomeSuccess, events[0].Outcome)
	assert.InDelta(t, score, events[0].ResultingScore, 1e-9)

	// resulting_score matches an immediate re-read
	got, err := m.GetTrust(ctx, "a1")
	require.NoError(t, err)
	assert.InDelta(t, events[0].ResultingScore, got, 1e-9)
}

func TestManager_UpdateTrustUnknownAgent(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	_, err := m.UpdateTrust(ctx, "ghost", true, false)
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestManager_RepeatedFailuresFloorAtZero(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	_, err := m.InitializeAgent(ctx, "a1", 0.7)
	require.NoError(t, err)

	var score float64
	for i := 0; i < 50; i++ {
		score, err = m.UpdateTrust(ctx, "a1", false, false)
		require.NoError(t, err)
		require.GreaterOrEqual(t, score, 0.0)
	}
	assert.Less(t, score, 0.1)
}

func TestManager_MeetsThreshold(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	_, err := m.InitializeAgent(ctx, "a1", 0.5)
	require.NoError(t, err)

	ok, err := m.MeetsThreshold(ctx, "a1", CategoryCriticalTask)
	require.NoError(t, err)
	assert.False(t, ok, "0.5 does not clear critical_task at 0.7")

	ok, err = m.MeetsThreshold(ctx, "a1", CategoryBasicTask)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = m.MeetsThreshold(ctx, "a1", "bogus")
	assert.ErrorIs(t, err, ErrInvalidInput)

	m2 := newTestManager(t)
	_, err = m2.InitializeAgent(ctx, "a1", 0.71)
	require.NoError(t, err)
	ok, err = m2.MeetsThreshold(ctx, "a1", CategoryCriticalTask)
	require.NoError(t, err)
	assert.True(t, ok, "0.71 clears critical_task at 0.7")
}

func TestManager_CacheMissLoadsFromStore(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	require.NoError(t, s.StoreTrustScore(ctx, store.TrustScore{
		AgentID: "a1", Score: 0.66, Confidence: 0.5, LastUpdated: time.Now(),
	}))

	m := NewManager(s)
	defer m.Close()

	got, err := m.GetTrust(ctx, "a1")
	require.NoError(t, err)
	assert.InDelta(t, 0.66, got, 1e-9)
}

func TestManager_Prime(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	for _, id := range []string{"a1", "a2", "a3"} {
		require.NoError(t, s.StoreTrustScore(ctx, store.TrustScore{
			AgentID: id, Score: 0.4, LastUpdated: time.Now(),
		}))
	}
	m := NewManager(s)
	defer m.Close()

	require.NoError(t, m.Prime(ctx))
	got, err := m.GetTrust(ctx, "a2")
	require.NoError(t, err)
	assert.InDelta(t, 0.4, got, 1e-9)
}

// failingTxStore wraps a working store but fails every transaction commit.
type failingTxStore struct {
	store.Store
}

func (f *failingTxStore) Begin(ctx context.Context) (store.Tx, error) {
	return &failingTx{}, nil
}

type failingTx struct{}

func (t *failingTx) StoreTrustScore(store.TrustScore) error   { return nil }
func (t *failingTx) StoreTrustUpdate(store.UpdateEvent) error { return nil }
func (t *failingTx) Commit() error {
	return errors.New("commit: disk on fire")
}
func (t *failingTx) Rollback() error { return nil }

func TestManager_FailedCommitLeavesCacheUnchanged(t *testing.T) {
	ctx := context.Background()
	inner := store.NewMemoryStore()
	m := NewManager(&failingTxStore{Store: inner})
	defer m.Close()

	_, err := m.InitializeAgent(ctx, "a1", 0.7)
	require.NoError(t, err)

	_, err = m.UpdateTrust(ctx, "a1", true, true)
	require.Error(t, err)

	got, err := m.GetTrust(ctx, "a1")
	require.NoError(t, err)
	assert.InDelta(t, 0.7, got, 1e-9, "cache must not advance past a failed commit")

	events, err := m.History(ctx, "a1", 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestManager_RecordPeerFeedback(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	_, err := m.InitializeAgent(ctx, "a1", 0.5)
	require.NoError(t, err)
	_, err = m.InitializeAgent(ctx, "strong-peer", 1.0)
	require.NoError(t, err)
	_, err = m.InitializeAgent(ctx, "weak-peer", 0.1)
	require.NoError(t, err)

	up, err := m.RecordPeerFeedback(ctx, "a1", "strong-peer", true)
	require.NoError(t, err)
	assert.Greater(t, up, 0.5)

	down, err := m.RecordPeerFeedback(ctx, "a1", "strong-peer", false)
	require.NoError(t, err)
	assert.Less(t, down, up)

	// A weak peer's report moves the score less than a strong peer's.
	strongDelta := up - 0.5
	weakUp, err := m.RecordPeerFeedback(ctx, "a1", "weak-peer", true)
	require.NoError(t, err)
	assert.Less(t, weakUp-down, strongDelta)

	events, err := m.History(ctx, "a1", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, store.ReasonPeerFeedback, events[0].Reason)
}

func TestManager_RecordPeerFeedbackGuards(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	_, err := m.InitializeAgent(ctx, "a1", 0.5)
	require.NoError(t, err)

	_, err = m.RecordPeerFeedback(ctx, "a1", "a1", true)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = m.RecordPeerFeedback(ctx, "a1", "ghost", true)
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestManager_UpdatesSince(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	_, err := m.InitializeAgent(ctx, "a1", 0.5)
	require.NoError(t, err)

	cutoff := time.Now().UTC().Add(-time.Minute)
	_, err = m.UpdateTrust(ctx, "a1", true, false)
	require.NoError(t, err)
	_, err = m.UpdateTrust(ctx, "a1", false, false)
	require.NoError(t, err)

	events, err := m.UpdatesSince(ctx, cutoff)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, store.OutcomeSuccess, events[0].Outcome, "oldest first")

	events, err = m.UpdatesSince(ctx, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, events)
}

type countingStore struct {
	store.Store
	loads atomic.Int64
}

func (c *countingStore) GetTrustScore(ctx context.Context, agentID string) (*store.TrustScore, error) {
	c.loads.Add(1)
	return c.Store.GetTrustScore(ctx, agentID)
}

func TestManager_CacheBoundEvicts(t *testing.T) {
	ctx := context.Background()
	cs := &countingStore{Store: store.NewMemoryStore()}
	m := NewManager(cs, WithCacheBound(1))
	t.Cleanup(func() { _ = m.Close() })

	_, err := m.InitializeAgent(ctx, "a1", 0.4)
	require.NoError(t, err)
	_, err = m.InitializeAgent(ctx, "a2", 0.6)
	require.NoError(t, err)

	// With room for one cached score, alternating reads keep falling
	// through to the store, and every read still returns committed state.
	before := cs.loads.Load()
	for i := 0; i < 5; i++ {
		got, err := m.GetTrust(ctx, "a1")
		require.NoError(t, err)
		assert.InDelta(t, 0.4, got, 1e-9)

		got, err = m.GetTrust(ctx, "a2")
		require.NoError(t, err)
		assert.InDelta(t, 0.6, got, 1e-9)
	}
	assert.Greater(t, cs.loads.Load(), before, "eviction must force store reloads")
}

func TestManager_ApplyDecay(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	stale := time.Now().UTC().Add(-72 * time.Hour)
	require.NoError(t, s.StoreTrustScore(ctx, store.TrustScore{
		AgentID: "old-high", Score: 0.9, LastUpdated: stale,
	}))
	require.NoError(t, s.StoreTrustScore(ctx, store.TrustScore{
		AgentID: "old-low", Score: 0.1, LastUpdated: stale,
	}))
	require.NoError(t, s.StoreTrustScore(ctx, store.TrustScore{
		AgentID: "fresh", Score: 0.9, LastUpdated: time.Now().UTC(),
	}))

	m := NewManager(s)
	defer m.Close()

	n, err := m.ApplyDecay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	high, err := m.GetTrust(ctx, "old-high")
	require.NoError(t, err)
	assert.Less(t, high, 0.9)

	low, err := m.GetTrust(ctx, "old-low")
	require.NoError(t, err)
	assert.Greater(t, low, 0.1, "decay pulls low scores up toward baseline")

	fresh, err := m.GetTrust(ctx, "fresh")
	require.NoError(t, err)
	assert.InDelta(t, 0.9, fresh, 1e-9, "recently updated scores are untouched")

	events, err := m.History(ctx, "old-high", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, store.ReasonTimeDecay, events[0].Reason)
}

// gatedStore pauses ApplyDecay between its candidate snapshot and the
// per-agent writes so another update can land in the gap.
type gatedStore struct {
	store.Store
	entered chan struct{}
	resume  chan struct{}
	once    sync.Once
}

func (g *gatedStore) GetAllTrustScores(ctx context.Context) (map[string]store.TrustScore, error) {
	scores, err := g.Store.GetAllTrustScores(ctx)
	g.once.Do(func() {
		close(g.entered)
		<-g.resume
	})
	return scores, err
}

func TestManager_DecayDoesNotRollBackConcurrentUpdate(t *testing.T) {
	ctx := context.Background()
	gs := &gatedStore{
		Store:   store.NewMemoryStore(),
		entered: make(chan struct{}),
		resume:  make(chan struct{}),
	}
	stale := time.Now().UTC().Add(-10 * 24 * time.Hour)
	require.NoError(t, gs.StoreTrustScore(ctx, store.TrustScore{
		AgentID: "a1", Score: 0.9, Confidence: Confidence(7), UpdateCount: 7, LastUpdated: stale,
	}))

	m := NewManager(gs)
	defer m.Close()

	done := make(chan struct{})
	var sweepN int
	var sweepErr error
	go func() {
		defer close(done)
		sweepN, sweepErr = m.ApplyDecay(ctx)
	}()

	// the sweep has taken its snapshot and is paused; commit an update in
	// the gap
	<-gs.entered
	score, err := m.UpdateTrust(ctx, "a1", true, true)
	require.NoError(t, err)
	close(gs.resume)
	<-done

	require.NoError(t, sweepErr)
	assert.Zero(t, sweepN, "the update reset the decay clock")

	got, err := gs.GetTrustScore(ctx, "a1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.InDelta(t, score, got.Score, 1e-9, "a sweep must never roll back a committed update")
	assert.Equal(t, int64(8), got.UpdateCount, "a sweep must never roll back update_count")

	events, err := m.History(ctx, "a1", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, store.ReasonTaskSuccess, events[0].Reason)
}

func TestManager_ConcurrentUpdatesDifferentAgents(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	for _, id := range []string{"a1", "a2"} {
		_, err := m.InitializeAgent(ctx, id, 0.5)
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for i := 0; i < 20; i++ {
		for _, id := range []string{"a1", "a2"} {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				_, err := m.UpdateTrust(ctx, id, true, false)
				errs <- err
			}(id)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestManager_ConcurrentUpdatesSameAgentAreOrdered(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	_, err := m.InitializeAgent(ctx, "a1", 0.5)
	require.NoError(t, err)

	const n = 25
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.UpdateTrust(ctx, "a1", true, false)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	ts, err := m.GetScore(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, int64(n), ts.UpdateCount, "every update must observe its predecessor")

	events, err := m.History(ctx, "a1", 0)
	require.NoError(t, err)
	assert.Len(t, events, n)
}

func TestManager_LockTimeoutSurfacesConcurrencyError(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, WithLockTimeout(50*time.Millisecond))

	_, err := m.InitializeAgent(ctx, "a1", 0.5)
	require.NoError(t, err)

	entry := m.entry("a1")
	entry.sem <- struct{}{} // hold the slot
	defer func() { <-entry.sem }()

	_, err = m.UpdateTrust(ctx, "a1", true, false)
	assert.ErrorIs(t, err, store.ErrConcurrency)
}

func TestManager_ChangeListener(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	var deltas []float64
	m := newTestManager(t, WithChangeListener(func(agentID string, delta float64) {
		mu.Lock()
		deltas = append(deltas, delta)
		mu.Unlock()
	}))

	_, err := m.InitializeAgent(ctx, "a1", 0.5)
	require.NoError(t, err)
	_, err = m.UpdateTrust(ctx, "a1", true, true)
	require.NoError(t, err)
	_, err = m.UpdateTrust(ctx, "a1", false, false)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, deltas, 2)
	assert.Positive(t, deltas[0])
	assert.Negative(t, deltas[1])
}

func TestManager_RemoveAgent(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	_, err := m.InitializeAgent(ctx, "a1", 0.5)
	require.NoError(t, err)
	_, err = m.UpdateTrust(ctx, "a1", true, false)
	require.NoError(t, err)

	require.NoError(t, m.RemoveAgent(ctx, "a1"))

	_, err = m.GetTrust(ctx, "a1")
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestManager_ClosedRejectsOperations(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	require.NoError(t, m.Close())

	_, err := m.GetTrust(ctx, "a1")
	assert.Error(t, err)
	_, err = m.UpdateTrust(ctx, "a1", true, false)
	assert.Error(t, err)
}
