// Package promise implements the promise lifecycle between agents. A
// promise moves Proposed -> Accepted -> Fulfilled or Violated, or is
// rejected outright; terminal states are immutable. Each terminal outcome
// feeds exactly one trust update for the promiser.
package promise

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidTransition marks lifecycle misuse: transitioning from a
	// terminal state, or a transition the current state does not allow.
	// No trust update is emitted.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrNotFound is returned for unknown promise IDs.
	ErrNotFound = errors.New("promise not found")

	// ErrInvalidActor is returned when an agent attempts a transition
	// reserved for the other party.
	ErrInvalidActor = errors.New("actor not permitted for this transition")
)

// State is a promise's lifecycle position.
type State string

const (
	StateProposed  State = "proposed"
	StateAccepted  State = "accepted"
	StateFulfilled State = "fulfilled"
	StateViolated  State = "violated"
	StateRejected  State = "rejected"
)

// Terminal reports whether no further transitions are allowed.
func (s State) Terminal() bool {
	switch s {
	case StateFulfilled, StateViolated, StateRejected:
		return true
	}
	return false
}

// transition returns the state after applying an action, or
// ErrInvalidTransition. The state machine is total: every (state, action)
// pair resolves here.
func (s State) transition(action string) (State, error) {
	switch s {
	case StateProposed:
		switch action {
		case actionAccept:
			return StateAccepted, nil
		case actionReject:
			return StateRejected, nil
		}
	case StateAccepted:
		switch action {
		case actionFulfill:
			return StateFulfilled, nil
		case actionViolate:
			return StateViolated, nil
		}
	}
	return s, fmt.Errorf("%w: cannot %s a %s promise", ErrInvalidTransition, action, s)
}

const (
	actionAccept  = "accept"
	actionReject  = "reject"
	actionFulfill = "fulfill"
	actionViolate = "violate"
)

// Promise is one commitment made by a promiser to a promisee.
type Promise struct {
	ID         string     `json:"id" yaml:"id"`
	Promiser   string     `json:"promiser" yaml:"promiser"`
	Promisee   string     `json:"promisee" yaml:"promisee"`
	Body       string     `json:"body" yaml:"body"`
	State      State      `json:"state" yaml:"state"`
	CreatedAt  time.Time  `json:"created_at" yaml:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at" yaml:"updated_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty" yaml:"resolved_at,omitempty"`
}
