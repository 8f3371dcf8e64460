package promise

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	covotel "github.com/covenantd/covenant/internal/otel"
	"github.com/covenantd/covenant/internal/store"
)

var tracer = covotel.Tracer("github.com/covenantd/covenant/internal/promise")

// TrustRecorder receives the trust consequence of a terminal transition.
// Implemented by trust.Manager.
type TrustRecorder interface {
	RecordOutcome(ctx context.Context, agentID string, success bool, reason string) (float64, error)
}

// Ledger tracks live promises and drives their transitions. A terminal
// transition commits its trust update before the state flips, so a failed
// trust write leaves the promise Accepted and retryable, and a successful
// one is recorded exactly once.
type Ledger struct {
	trust TrustRecorder
	now   func() time.Time

	mu        sync.RWMutex
	promises  map[string]*Promise
	resolving map[string]bool
}

// LedgerOption configures a Ledger.
type LedgerOption func(*Ledger)

// WithLedgerClock overrides the time source. Tests only.
func WithLedgerClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) { l.now = now }
}

// NewLedger creates an empty ledger feeding terminal outcomes to trust.
func NewLedger(trust TrustRecorder, opts ...LedgerOption) *Ledger {
	l := &Ledger{
		trust:     trust,
		now:       time.Now,
		promises:  make(map[string]*Promise),
		resolving: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Propose creates a new promise in the Proposed state.
func (l *Ledger) Propose(ctx context.Context, promiser, promisee, body string) (*Promise, error) {
	_, span := tracer.Start(ctx, "promise.propose",
		trace.WithAttributes(
			attribute.String("promiser", promiser),
			attribute.String("promisee", promisee),
		))
	defer span.End()

	if promiser == "" || promisee == "" {
		return nil, fmt.Errorf("%w: promiser and promisee are required", ErrInvalidTransition)
	}

	now := l.now().UTC()
	p := &Promise{
		ID:        "prm_" + uuid.New().String(),
		Promiser:  promiser,
		Promisee:  promisee,
		Body:      body,
		State:     StateProposed,
		CreatedAt: now,
		UpdatedAt: now,
	}

	l.mu.Lock()
	l.promises[p.ID] = p
	l.mu.Unlock()

	log.Info().Str("promise_id", p.ID).Str("promiser", promiser).Str("promisee", promisee).Msg("promise proposed")
	out := *p
	return &out, nil
}

// Accept moves a Proposed promise to Accepted. Only the promisee may accept.
func (l *Ledger) Accept(ctx context.Context, id, actor string) (*Promise, error) {
	return l.apply(ctx, id, actionAccept, func(p *Promise) error {
		if actor != p.Promisee {
			return fmt.Errorf("%w: only promisee %s may accept", ErrInvalidActor, p.Promisee)
		}
		return nil
	})
}

// Reject moves a Proposed promise to Rejected. Only the promisee may
// reject. No trust update is emitted: no promise existed to break.
func (l *Ledger) Reject(ctx context.Context, id, actor string) (*Promise, error) {
	return l.apply(ctx, id, actionReject, func(p *Promise) error {
		if actor != p.Promisee {
			return fmt.Errorf("%w: only promisee %s may reject", ErrInvalidActor, p.Promisee)
		}
		return nil
	})
}

// Fulfill resolves an Accepted promise as kept, crediting the promiser.
// Called by the verification subsystem once the outcome is confirmed.
func (l *Ledger) Fulfill(ctx context.Context, id string) (*Promise, error) {
	return l.apply(ctx, id, actionFulfill, nil)
}

// Violate resolves an Accepted promise as broken, penalizing the promiser.
func (l *Ledger) Violate(ctx context.Context, id string) (*Promise, error) {
	return l.apply(ctx, id, actionViolate, nil)
}

// apply validates and executes one transition. Fulfilled and Violated
// emit their trust update before the state flips: a failed trust write
// leaves the promise Accepted so the caller can retry, and a success is
// never double-counted because the retry would then hit the
// terminal-state check.
func (l *Ledger) apply(ctx context.Context, id, action string, guard func(*Promise) error) (*Promise, error) {
	ctx, span := tracer.Start(ctx, "promise."+action,
		trace.WithAttributes(attribute.String("promise_id", id)))
	defer span.End()

	l.mu.Lock()
	p, ok := l.promises[id]
	if !ok {
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if guard != nil {
		if err := guard(p); err != nil {
			l.mu.Unlock()
			return nil, err
		}
	}
	next, err := p.State.transition(action)
	if err != nil {
		l.mu.Unlock()
		return nil, err
	}

	if next != StateFulfilled && next != StateViolated {
		out := l.finishLocked(p, next)
		l.mu.Unlock()
		return out, nil
	}

	// The trust write is a store round-trip; the map lock is released so
	// other promises stay usable while it runs. The resolving marker keeps
	// a second terminal transition off this promise in the meantime.
	if l.resolving[id] {
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: resolution of promise %s in progress", store.ErrConcurrency, id)
	}
	l.resolving[id] = true
	l.mu.Unlock()

	success := next == StateFulfilled
	reason := store.ReasonPromiseFulfilled
	if !success {
		reason = store.ReasonPromiseViolated
	}
	_, trustErr := l.trust.RecordOutcome(ctx, p.Promiser, success, reason)

	l.mu.Lock()
	delete(l.resolving, id)
	if trustErr != nil {
		l.mu.Unlock()
		return nil, fmt.Errorf("recording %s promise %s: %w", string(next), id, trustErr)
	}
	out := l.finishLocked(p, next)
	l.mu.Unlock()
	return out, nil
}

// finishLocked flips the state and stamps timestamps. Caller holds mu.
func (l *Ledger) finishLocked(p *Promise, next State) *Promise {
	now := l.now().UTC()
	p.State = next
	p.UpdatedAt = now
	if next.Terminal() {
		p.ResolvedAt = &now
	}

	log.Info().Str("promise_id", p.ID).Str("state", string(next)).Msg("promise transitioned")
	out := *p
	return &out
}

// Get returns a promise by ID.
func (l *Ledger) Get(ctx context.Context, id string) (*Promise, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.promises[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	out := *p
	return &out, nil
}

// ListByAgent returns every promise the agent participates in, either side.
func (l *Ledger) ListByAgent(ctx context.Context, agentID string) []Promise {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Promise
	for _, p := range l.promises {
		if p.Promiser == agentID || p.Promisee == agentID {
			out = append(out, *p)
		}
	}
	return out
}

// Pending returns all non-terminal promises.
func (l *Ledger) Pending(ctx context.Context) []Promise {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Promise
	for _, p := range l.promises {
		if !p.State.Terminal() {
			out = append(out, *p)
		}
	}
	return out
}
