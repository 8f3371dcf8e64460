package trust

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	covotel "github.com/covenantd/covenant/internal/otel"
	"github.com/covenantd/covenant/internal/store"
)

var tracer = covotel.Tracer("github.com/covenantd/covenant/internal/trust")

// DefaultLockTimeout bounds how long an operation waits for another
// in-flight update on the same agent.
const DefaultLockTimeout = 5 * time.Second

// ChangeListener is notified after every committed score change with the
// applied delta. Used by the backup coordinator to react to significant
// changes. Must not block.
type ChangeListener func(agentID string, delta float64)

// Manager is the sole entry point other subsystems use. It caches current
// scores in memory and writes through to the backend store: the cache is
// updated only after the store transaction commits, so a failed commit
// never leaves the cache ahead of durable state.
//
// Mutation is serialized per agent. Operations on different agents proceed
// independently; a second operation on the same agent waits up to the lock
// timeout, then fails with store.ErrConcurrency.
type Manager struct {
	store       store.Store
	params      Params
	thresholds  Thresholds
	lockTimeout time.Duration
	cacheBound  int
	now         func() time.Time
	onChange    ChangeListener

	mu      sync.Mutex // guards agents map
	agents  map[string]*agentEntry
	closed  bool
	closeMu sync.RWMutex
}

// agentEntry is one agent's cache slot. The semaphore admits one mutator
// at a time; the cached score is read and written only while holding it.
type agentEntry struct {
	sem    chan struct{}
	cached *store.TrustScore
}

func newAgentEntry() *agentEntry {
	return &agentEntry{sem: make(chan struct{}, 1)}
}

// Option configures a Manager.
type Option func(*Manager)

// WithParams overrides the update arithmetic tuning.
func WithParams(p Params) Option {
	return func(m *Manager) { m.params = p }
}

// WithThresholds overrides the per-category thresholds.
func WithThresholds(t Thresholds) Option {
	return func(m *Manager) { m.thresholds = t }
}

// WithLockTimeout overrides the per-agent lock acquisition timeout.
func WithLockTimeout(d time.Duration) Option {
	return func(m *Manager) { m.lockTimeout = d }
}

// WithCacheBound caps how many scores stay cached at once; scores beyond
// the bound are evicted and reload from the store on next read. Zero means
// unbounded.
func WithCacheBound(n int) Option {
	return func(m *Manager) { m.cacheBound = n }
}

// WithChangeListener registers a callback for committed score changes.
func WithChangeListener(fn ChangeListener) Option {
	return func(m *Manager) { m.onChange = fn }
}

// WithClock overrides the time source. Tests only.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager over an initialized store. The cache starts
// empty; Prime loads it eagerly if desired.
func NewManager(s store.Store, opts ...Option) *Manager {
	m := &Manager{
		store:       s,
		params:      DefaultParams(),
		thresholds:  DefaultThresholds(),
		lockTimeout: DefaultLockTimeout,
		now:         time.Now,
		agents:      make(map[string]*agentEntry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Prime loads every persisted score into the cache. Optional; the cache
// also fills lazily on first read per agent.
func (m *Manager) Prime(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "trust.prime")
	defer span.End()

	scores, err := m.store.GetAllTrustScores(ctx)
	if err != nil {
		return fmt.Errorf("priming trust cache: %w", err)
	}
	for id, ts := range scores {
		ts := ts
		entry := m.entry(id)
		if err := m.acquire(ctx, entry); err != nil {
			continue
		}
		entry.cached = &ts
		m.release(entry)
	}
	m.enforceCacheBound(ctx, "")
	span.SetAttributes(attribute.Int("trust.primed", len(scores)))
	log.Debug().Int("agents", len(scores)).Msg("trust cache primed")
	return nil
}

// Close marks the manager stopped. The cache needs no flush: write-through
// means durable state is never behind it.
func (m *Manager) Close() error {
	m.closeMu.Lock()
	defer m.closeMu.Unlock()
	m.closed = true
	return nil
}

// InitializeAgent registers a new agent with an initial score. Fails with
// ErrInvalidInput for a score outside [0,1] and ErrAgentExists when the
// agent is already known.
func (m *Manager) InitializeAgent(ctx context.Context, agentID string, initial float64) (*store.TrustScore, error) {
	ctx, span := tracer.Start(ctx, "trust.initialize_agent",
		trace.WithAttributes(attribute.String("agent_id", agentID)))
	defer span.End()

	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	if agentID == "" {
		return nil, fmt.Errorf("%w: empty agent id", ErrInvalidInput)
	}
	if initial < 0 || initial > 1 {
		return nil, fmt.Errorf("%w: initial score %v outside [0,1]", ErrInvalidInput, initial)
	}

	entry := m.entry(agentID)
	if err := m.acquire(ctx, entry); err != nil {
		return nil, err
	}
	defer m.release(entry)

	existing, err := m.loadLocked(ctx, entry, agentID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: %s", ErrAgentExists, agentID)
	}

	ts := store.TrustScore{
		AgentID:     agentID,
		Score:       initial,
		Confidence:  Confidence(0),
		UpdateCount: 0,
		LastUpdated: m.now().UTC(),
	}
	if err := m.store.StoreTrustScore(ctx, ts); err != nil {
		return nil, fmt.Errorf("initializing agent %s: %w", agentID, err)
	}
	entry.cached = &ts
	m.enforceCacheBound(ctx, agentID)

	initializationsTotal.Add(ctx, 1)
	log.Info().Str("agent_id", agentID).Float64("score", initial).Msg("agent initialized")
	out := ts
	return &out, nil
}

// UpdateTrust applies one task outcome to an agent's score and returns the
// new score. weighted marks a verified success, which earns a larger gain.
// The score and its history event are committed in one transaction; the
// cache is updated only after commit.
func (m *Manager) UpdateTrust(ctx context.Context, agentID string, success, weighted bool) (float64, error) {
	reason := store.ReasonTaskSuccess
	if !success {
		reason = store.ReasonTaskFailure
	}
	return m.applyUpdate(ctx, agentID, success, weighted, reason, nil)
}

// RecordOutcome is UpdateTrust with an explicit reason, used by the promise
// lifecycle so history records name the promise semantics.
func (m *Manager) RecordOutcome(ctx context.Context, agentID string, success bool, reason string) (float64, error) {
	return m.applyUpdate(ctx, agentID, success, true, reason, nil)
}

// RecordPeerFeedback applies a small delta to agentID from peerID's report.
// The delta is weighted by the reporting peer's own trust so low-trust
// agents cannot swing the scores of others.
func (m *Manager) RecordPeerFeedback(ctx context.Context, agentID, peerID string, positive bool) (float64, error) {
	if agentID == peerID {
		return 0, fmt.Errorf("%w: agent %s cannot rate itself", ErrInvalidInput, agentID)
	}
	peerScore, err := m.GetTrust(ctx, peerID)
	if err != nil {
		return 0, err
	}
	weight := m.params.PeerWeight * peerScore
	if !positive {
		weight = -weight
	}
	return m.applyUpdate(ctx, agentID, positive, false, store.ReasonPeerFeedback, &weight)
}

// applyUpdate is the single mutation path. fixedDelta, when set, bypasses
// the outcome arithmetic (peer feedback).
func (m *Manager) applyUpdate(ctx context.Context, agentID string, success, weighted bool, reason string, fixedDelta *float64) (float64, error) {
	ctx, span := tracer.Start(ctx, "trust.update_trust",
		trace.WithAttributes(
			attribute.String("agent_id", agentID),
			attribute.Bool("success", success),
			attribute.String("reason", reason),
		))
	defer span.End()

	if err := m.checkOpen(); err != nil {
		return 0, err
	}

	entry := m.entry(agentID)
	if err := m.acquire(ctx, entry); err != nil {
		return 0, err
	}
	defer m.release(entry)

	current, err := m.loadLocked(ctx, entry, agentID)
	if err != nil {
		return 0, err
	}
	if current == nil {
		return 0, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}

	var next, delta float64
	if fixedDelta != nil {
		next = clamp01(current.Score + *fixedDelta)
		delta = next - current.Score
	} else {
		next, delta = m.params.Apply(current.Score, success, weighted)
	}

	now := m.now().UTC()
	updated := store.TrustScore{
		AgentID:     agentID,
		Score:       next,
		Confidence:  Confidence(current.UpdateCount + 1),
		UpdateCount: current.UpdateCount + 1,
		LastUpdated: now,
	}
	outcome := store.OutcomeSuccess
	if !success {
		outcome = store.OutcomeFailure
	}
	event := store.UpdateEvent{
		AgentID:        agentID,
		Timestamp:      now,
		Outcome:        outcome,
		Reason:         reason,
		Delta:          delta,
		ResultingScore: next,
	}

	if err := m.commitPair(ctx, updated, event); err != nil {
		span.RecordError(err)
		return 0, err
	}

	// cache only moves after the durable commit
	entry.cached = &updated
	m.enforceCacheBound(ctx, agentID)

	updatesTotal.Add(ctx, 1)
	if m.onChange != nil {
		m.onChange(agentID, delta)
	}
	log.Debug().
		Str("agent_id", agentID).
		Str("reason", reason).
		Float64("delta", delta).
		Float64("score", next).
		Func(covotel.LogTraceFields(ctx)).
		Msg("trust updated")
	return next, nil
}

// commitPair writes a score and its event through one transaction.
func (m *Manager) commitPair(ctx context.Context, ts store.TrustScore, ev store.UpdateEvent) error {
	tx, err := m.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("updating trust for %s: %w", ts.AgentID, err)
	}
	if err := tx.StoreTrustScore(ts); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("updating trust for %s: %w", ts.AgentID, err)
	}
	if err := tx.StoreTrustUpdate(ev); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("updating trust for %s: %w", ts.AgentID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("updating trust for %s: %w", ts.AgentID, err)
	}
	return nil
}

// GetTrust returns the agent's current score, serving from cache and
// falling back to the store on a miss.
func (m *Manager) GetTrust(ctx context.Context, agentID string) (float64, error) {
	ts, err := m.GetScore(ctx, agentID)
	if err != nil {
		return 0, err
	}
	return ts.Score, nil
}

// GetScore returns the agent's full trust record.
func (m *Manager) GetScore(ctx context.Context, agentID string) (*store.TrustScore, error) {
	ctx, span := tracer.Start(ctx, "trust.get_trust",
		trace.WithAttributes(attribute.String("agent_id", agentID)))
	defer span.End()

	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	entry := m.entry(agentID)
	if err := m.acquire(ctx, entry); err != nil {
		return nil, err
	}
	defer m.release(entry)

	ts, err := m.loadLocked(ctx, entry, agentID)
	if err != nil {
		return nil, err
	}
	if ts == nil {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	out := *ts
	return &out, nil
}

// GetAllScores returns every known agent's current record from the store.
func (m *Manager) GetAllScores(ctx context.Context) (map[string]store.TrustScore, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	scores, err := m.store.GetAllTrustScores(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing trust scores: %w", err)
	}
	return scores, nil
}

// MeetsThreshold reports whether the agent's score clears the named
// category's configured minimum.
func (m *Manager) MeetsThreshold(ctx context.Context, agentID, category string) (bool, error) {
	ctx, span := tracer.Start(ctx, "trust.meets_threshold",
		trace.WithAttributes(
			attribute.String("agent_id", agentID),
			attribute.String("category", category),
		))
	defer span.End()

	threshold, err := m.thresholds.For(category)
	if err != nil {
		return false, err
	}
	score, err := m.GetTrust(ctx, agentID)
	if err != nil {
		return false, err
	}
	thresholdChecks.Add(ctx, 1)
	return score >= threshold, nil
}

// ApplyDecay moves every stale score toward the neutral baseline. Each
// agent is decayed under its mutation slot: the score is re-read after the
// slot is held, so an update that committed after the sweep's initial
// snapshot is never overwritten from stale state. Agents whose slot stays
// contended beyond the lock timeout are skipped until the next sweep.
// Returns the number of agents decayed.
func (m *Manager) ApplyDecay(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "trust.apply_decay")
	defer span.End()

	if err := m.checkOpen(); err != nil {
		return 0, err
	}

	// The snapshot only picks candidates; each agent is re-read and
	// re-evaluated under its slot before anything is written.
	scores, err := m.store.GetAllTrustScores(ctx)
	if err != nil {
		return 0, fmt.Errorf("decay sweep: %w", err)
	}

	decayed := 0
	for agentID := range scores {
		changed, err := m.decayAgent(ctx, agentID)
		if err != nil {
			if errors.Is(err, store.ErrConcurrency) {
				log.Warn().Str("agent_id", agentID).Msg("decay: agent busy, skipping")
				continue
			}
			return decayed, fmt.Errorf("decay sweep: %w", err)
		}
		if changed {
			decayed++
		}
	}

	decaySweeps.Add(ctx, 1)
	log.Info().Int("agents", decayed).Msg("decay sweep applied")
	span.SetAttributes(attribute.Int("trust.decayed", decayed))
	return decayed, nil
}

// decayAgent applies decay to one agent while holding its slot, committing
// the new score and its event in one transaction. Reports whether the
// score changed.
func (m *Manager) decayAgent(ctx context.Context, agentID string) (bool, error) {
	entry := m.entry(agentID)
	if err := m.acquire(ctx, entry); err != nil {
		return false, err
	}
	defer m.release(entry)

	current, err := m.loadLocked(ctx, entry, agentID)
	if err != nil {
		return false, err
	}
	if current == nil {
		// removed since the snapshot
		return false, nil
	}

	now := m.now().UTC()
	next := m.params.Decayed(current.Score, current.LastUpdated, now)
	if next == current.Score {
		return false, nil
	}
	delta := next - current.Score

	updated := *current
	updated.Score = next
	// decay is not reinforcement: count and confidence stay put, and
	// LastUpdated moves so the next sweep measures from here
	updated.LastUpdated = now

	outcome := store.OutcomeFailure
	if delta > 0 {
		outcome = store.OutcomeSuccess
	}
	event := store.UpdateEvent{
		AgentID:        agentID,
		Timestamp:      now,
		Outcome:        outcome,
		Reason:         store.ReasonTimeDecay,
		Delta:          delta,
		ResultingScore: next,
	}
	if err := m.commitPair(ctx, updated, event); err != nil {
		return false, err
	}
	entry.cached = &updated
	m.enforceCacheBound(ctx, agentID)
	return true, nil
}

// RemoveAgent deletes an agent's score, history and cache entry.
func (m *Manager) RemoveAgent(ctx context.Context, agentID string) error {
	ctx, span := tracer.Start(ctx, "trust.remove_agent",
		trace.WithAttributes(attribute.String("agent_id", agentID)))
	defer span.End()

	if err := m.checkOpen(); err != nil {
		return err
	}

	entry := m.entry(agentID)
	if err := m.acquire(ctx, entry); err != nil {
		return err
	}
	defer m.release(entry)

	if err := m.store.RemoveAgent(ctx, agentID); err != nil {
		return fmt.Errorf("removing agent %s: %w", agentID, err)
	}
	entry.cached = nil

	m.mu.Lock()
	delete(m.agents, agentID)
	m.mu.Unlock()
	return nil
}

// History returns an agent's update events, newest first.
func (m *Manager) History(ctx context.Context, agentID string, limit int) ([]store.UpdateEvent, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	events, err := m.store.History(ctx, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("reading history for %s: %w", agentID, err)
	}
	return events, nil
}

// UpdatesSince returns all update events at or after t, oldest first.
// This is the feed the monitoring surface polls.
func (m *Manager) UpdatesSince(ctx context.Context, t time.Time) ([]store.UpdateEvent, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	events, err := m.store.UpdatesSince(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("reading updates since %s: %w", t.Format(time.RFC3339), err)
	}
	return events, nil
}

// HealthCheck delegates to the backend store.
func (m *Manager) HealthCheck(ctx context.Context) (*store.HealthReport, error) {
	return m.store.HealthCheck(ctx)
}

// entry returns the cache slot for an agent, creating it if needed.
func (m *Manager) entry(agentID string) *agentEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.agents[agentID]
	if !ok {
		e = newAgentEntry()
		m.agents[agentID] = e
	}
	return e
}

// enforceCacheBound evicts cached scores beyond the configured bound,
// never the entry named keep. Entries whose slot is currently held are
// skipped; the bound is a ceiling on idle cache, not a hard guarantee
// against in-flight operations.
func (m *Manager) enforceCacheBound(ctx context.Context, keep string) {
	if m.cacheBound <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cached := 0
	for _, e := range m.agents {
		if e.cached != nil {
			cached++
		}
	}
	for id, e := range m.agents {
		if cached <= m.cacheBound {
			return
		}
		if id == keep {
			continue
		}
		select {
		case e.sem <- struct{}{}:
			if e.cached != nil {
				e.cached = nil
				cached--
				cacheEvictions.Add(ctx, 1)
			}
			<-e.sem
		default:
			// slot busy, skip
		}
	}
}

// acquire takes the agent's mutation slot, bounded by the lock timeout and
// the caller's context.
func (m *Manager) acquire(ctx context.Context, e *agentEntry) error {
	timer := time.NewTimer(m.lockTimeout)
	defer timer.Stop()
	select {
	case e.sem <- struct{}{}:
		return nil
	case <-timer.C:
		lockTimeouts.Add(ctx, 1)
		return fmt.Errorf("%w: agent lock not acquired within %s", store.ErrConcurrency, m.lockTimeout)
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", store.ErrConcurrency, ctx.Err())
	}
}

func (m *Manager) release(e *agentEntry) {
	<-e.sem
}

// loadLocked returns the cached score, loading from the store on a miss.
// Caller must hold the agent's slot.
func (m *Manager) loadLocked(ctx context.Context, e *agentEntry, agentID string) (*store.TrustScore, error) {
	if e.cached != nil {
		cacheHits.Add(ctx, 1)
		return e.cached, nil
	}
	cacheMisses.Add(ctx, 1)
	ts, err := m.store.GetTrustScore(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("loading trust score for %s: %w", agentID, err)
	}
	if ts == nil {
		return nil, nil
	}
	e.cached = ts
	m.enforceCacheBound(ctx, agentID)
	return ts, nil
}

func (m *Manager) checkOpen() error {
	m.closeMu.RLock()
	defer m.closeMu.RUnlock()
	if m.closed {
		return fmt.Errorf("%w: manager is closed", store.ErrStorage)
	}
	return nil
}
