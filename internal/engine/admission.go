package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nexus-edge/modbus-engine/internal/domain"
)

// AdmissionScope says what one Acquire covers.
type AdmissionScope int

const (
	// ScopeOperation admits each operation individually; rejected
	// operations are skipped while the rest of the batch proceeds.
	ScopeOperation AdmissionScope = iota

	// ScopeBatch admits a whole input batch at once; a rejected batch is
	// dropped whole.
	ScopeBatch
)

// Admission bounds how much concurrent work may enter the execution stage.
// Release must be called exactly once per successful Acquire; the returned
// func is idempotent so deferred and explicit releases cannot double-free a
// slot.
type Admission interface {
	Acquire(ctx context.Context) (release func(), err error)
	Scope() AdmissionScope
}

// DefaultCapacity is the admission slot count both policies default to.
const DefaultCapacity = 5

// CountingDrop is the non-blocking policy: up to capacity concurrent
// holders, and an Acquire against a full gate fails immediately instead of
// waiting. Admission is per operation.
type CountingDrop struct {
	slots chan struct{}
}

// NewCountingDrop creates a counting-drop gate. capacity <= 0 selects the
// default.
func NewCountingDrop(capacity int) *CountingDrop {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &CountingDrop{slots: make(chan struct{}, capacity)}
}

func (c *CountingDrop) Acquire(ctx context.Context) (func(), error) {
	select {
	case c.slots <- struct{}{}:
		return c.releaseOnce(), nil
	default:
		return nil, fmt.Errorf("%w: %d operations already in flight", domain.ErrCapacityExceeded, cap(c.slots))
	}
}

func (c *CountingDrop) Scope() AdmissionScope { return ScopeOperation }

func (c *CountingDrop) releaseOnce() func() {
	var once sync.Once
	return func() { once.Do(func() { <-c.slots }) }
}

// InFlight returns how many slots are currently held.
func (c *CountingDrop) InFlight() int { return len(c.slots) }

// QueuingGate is the blocking policy: an Acquire against a full gate waits
// up to MaxWait for a slot, then gives up. Admission is per batch, so a
// timed-out batch is dropped whole.
type QueuingGate struct {
	slots   chan struct{}
	maxWait time.Duration
}

// NewQueuingGate creates a queuing gate. capacity <= 0 selects the default;
// maxWait <= 0 selects 5 seconds.
func NewQueuingGate(capacity int, maxWait time.Duration) *QueuingGate {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if maxWait <= 0 {
		maxWait = 5 * time.Second
	}
	return &QueuingGate{slots: make(chan struct{}, capacity), maxWait: maxWait}
}

func (q *QueuingGate) Acquire(ctx context.Context) (func(), error) {
	timer := time.NewTimer(q.maxWait)
	defer timer.Stop()

	select {
	case q.slots <- struct{}{}:
		return q.releaseOnce(), nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: no slot freed within %s", domain.ErrCapacityExceeded, q.maxWait)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *QueuingGate) Scope() AdmissionScope { return ScopeBatch }

func (q *QueuingGate) releaseOnce() func() {
	var once sync.Once
	return func() { once.Do(func() { <-q.slots }) }
}

// InFlight returns how many slots are currently held.
func (q *QueuingGate) InFlight() int { return len(q.slots) }
