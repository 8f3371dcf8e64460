// Package trust is the entry point other subsystems use for trust state.
// The Manager fronts a backend store with a write-through cache, applies
// the update arithmetic and time decay, and answers threshold queries.
package trust

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	// ErrInvalidInput marks scores or categories outside their domain.
	// Rejected before any store mutation.
	ErrInvalidInput = errors.New("invalid input")

	// ErrAgentExists is returned when initializing an agent twice. It
	// refines ErrInvalidInput: errors.Is matches both, so generic callers
	// treat it as a rejected argument while the HTTP surface reports a
	// conflict.
	ErrAgentExists = fmt.Errorf("%w: agent already initialized", ErrInvalidInput)

	// ErrAgentNotFound is returned for operations on unknown agents.
	ErrAgentNotFound = errors.New("agent not found")
)

// Threshold categories.
const (
	CategoryBasicTask    = "basic_task"
	CategoryCriticalTask = "critical_task"
	CategoryDelegation   = "delegation"
	CategoryVerification = "verification"
	CategoryConsensus    = "consensus"
)

// Thresholds holds the minimum score per task category. Each category is
// independently configurable.
type Thresholds struct {
	BasicTask    float64 `json:"basic_task" yaml:"basic_task"`
	CriticalTask float64 `json:"critical_task" yaml:"critical_task"`
	Delegation   float64 `json:"delegation" yaml:"delegation"`
	Verification float64 `json:"verification" yaml:"verification"`
	Consensus    float64 `json:"consensus" yaml:"consensus"`
}

// DefaultThresholds returns the standard category minimums.
func DefaultThresholds() Thresholds {
	return Thresholds{
		BasicTask:    0.3,
		CriticalTask: 0.7,
		Delegation:   0.5,
		Verification: 0.6,
		Consensus:    0.5,
	}
}

// For returns the threshold for a named category.
func (t Thresholds) For(category string) (float64, error) {
	switch category {
	case CategoryBasicTask:
		return t.BasicTask, nil
	case CategoryCriticalTask:
		return t.CriticalTask, nil
	case CategoryDelegation:
		return t.Delegation, nil
	case CategoryVerification:
		return t.Verification, nil
	case CategoryConsensus:
		return t.Consensus, nil
	default:
		return 0, fmt.Errorf("%w: unknown threshold category %q", ErrInvalidInput, category)
	}
}

// Params tunes the update arithmetic and decay curve. The exact curve is a
// policy choice; the functions below are monotonic and keep scores in [0,1].
type Params struct {
	// SuccessGain scales the positive delta for an unverified success.
	SuccessGain float64 `json:"success_gain" yaml:"success_gain"`
	// WeightedGain scales the positive delta for a verified success.
	WeightedGain float64 `json:"weighted_gain" yaml:"weighted_gain"`
	// FailurePenalty scales the negative delta for a failure.
	FailurePenalty float64 `json:"failure_penalty" yaml:"failure_penalty"`
	// PeerWeight scales deltas from peer feedback.
	PeerWeight float64 `json:"peer_weight" yaml:"peer_weight"`
	// Baseline is the neutral score decay converges toward.
	Baseline float64 `json:"baseline" yaml:"baseline"`
	// DecayPerDay is the fraction of the distance to Baseline removed per
	// day past the grace window.
	DecayPerDay float64 `json:"decay_per_day" yaml:"decay_per_day"`
	// DecayGrace is how long a score stays untouched after its last update.
	DecayGrace time.Duration `json:"decay_grace" yaml:"decay_grace"`
}

// DefaultParams returns the standard arithmetic tuning.
func DefaultParams() Params {
	return Params{
		SuccessGain:    0.02,
		WeightedGain:   0.05,
		FailurePenalty: 0.1,
		PeerWeight:     0.01,
		Baseline:       0.5,
		DecayPerDay:    0.05,
		DecayGrace:     24 * time.Hour,
	}
}

// successDelta returns the positive delta for a success at the given score.
// The delta shrinks as the score approaches 1.0 so repeated successes show
// diminishing returns.
func (p Params) successDelta(score float64, weighted bool) float64 {
	gain := p.SuccessGain
	if weighted {
		gain = p.WeightedGain
	}
	return gain * (1.0 - score)
}

// failureDelta returns the negative delta for a failure at the given score.
// The penalty is amplified for high-trust agents: a failure costs more the
// more trust was extended.
func (p Params) failureDelta(score float64) float64 {
	return -p.FailurePenalty * (0.5 + score/2.0)
}

// Apply computes the next score for one outcome, clamped to [0,1], and
// returns it with the delta that was actually applied.
func (p Params) Apply(score float64, success, weighted bool) (next, delta float64) {
	if success {
		delta = p.successDelta(score, weighted)
	} else {
		delta = p.failureDelta(score)
	}
	next = clamp01(score + delta)
	return next, next - score
}

// Decayed returns the score after time decay at now. Scores inside the
// grace window are untouched; past it, the score moves linearly toward
// Baseline at DecayPerDay of the remaining distance per elapsed day.
func (p Params) Decayed(score float64, lastUpdated, now time.Time) float64 {
	elapsed := now.Sub(lastUpdated)
	if elapsed <= p.DecayGrace {
		return score
	}
	days := (elapsed - p.DecayGrace).Hours() / 24.0
	fraction := math.Min(1.0, p.DecayPerDay*days)
	return score + (p.Baseline-score)*fraction
}

// Confidence maps an update count to how settled a score is, asymptotic
// to 0.95 so confidence never saturates completely.
func Confidence(updateCount int64) float64 {
	c := 1.0 - 1.0/(1.0+float64(updateCount)*0.1)
	return math.Min(c, 0.95)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
