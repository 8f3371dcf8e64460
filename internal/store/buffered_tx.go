package store

import (
	"fmt"
	"sync"
)

// txOp is one buffered mutation. Exactly one field is set.
type txOp struct {
	score *TrustScore
	event *UpdateEvent
}

// bufferedTx collects operations in memory and hands them to the owning
// store's apply function on Commit. Used by backends without a native
// transaction primitive.
type bufferedTx struct {
	apply func(ops []txOp) error

	mu   sync.Mutex
	ops  []txOp
	done bool
}

func (t *bufferedTx) StoreTrustScore(score TrustScore) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return fmt.Errorf("%w: transaction already finished", ErrTransactionFailed)
	}
	t.ops = append(t.ops, txOp{score: &score})
	return nil
}

func (t *bufferedTx) StoreTrustUpdate(event UpdateEvent) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return fmt.Errorf("%w: transaction already finished", ErrTransactionFailed)
	}
	ensureEventID(&event)
	t.ops = append(t.ops, txOp{event: &event})
	return nil
}

func (t *bufferedTx) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return fmt.Errorf("%w: transaction already finished", ErrTransactionFailed)
	}
	t.done = true
	if err := t.apply(t.ops); err != nil {
		return err
	}
	t.ops = nil
	return nil
}

func (t *bufferedTx) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil
	}
	t.done = true
	t.ops = nil
	return nil
}
