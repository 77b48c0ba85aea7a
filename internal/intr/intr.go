// Package intr implements the PLIC-style interrupt controller: a claim/
// complete discipline over a fixed ISR registry, plus delivery to either a
// kernel-internal handler or a channel endpoint owned by a user task.
//
// Each interrupt ID has at most one registered handler; raising an
// unregistered ID is claimed-and-completed immediately so the pending bit
// never latches. A pool of soft IDs backs synthetic/MSI-style sources.
package intr

import (
	"errors"
	"sync"

	"rvkernel/internal/sched"
)

// MaxInterruptID is the number of interrupt IDs the registry holds; valid
// IDs are in [0, 128).
const MaxInterruptID = 128

var (
	ErrBadID          = errors.New("intr: interrupt id out of range")
	ErrAlreadyClaimed = errors.New("intr: interrupt already claimed, complete() required before next raise is observed")
	ErrNoVectors      = errors.New("intr: no soft interrupt vectors available")
)

// Handler is invoked by Raise for a kernel-internal ISR. Returning an error
// does not stop the interrupt from being considered delivered; it is
// logged by the caller and otherwise ignored.
type Handler func(id int) error

type entry struct {
	mu      sync.RWMutex
	handler Handler
	waiter  *sched.WaitQueue // set when registered to a channel's recv path instead of a kernel Handler
	claimed bool
}

// Controller is the interrupt registry and claim/complete state machine.
type Controller struct {
	entries [MaxInterruptID]entry

	softMu   sync.Mutex
	softFree map[int]bool
}

// New returns a Controller with a default pool of soft (synthetic/MSI-like)
// interrupt IDs available for allocation.
func New() *Controller {
	c := &Controller{softFree: map[int]bool{}}
	for id := 120; id < MaxInterruptID; id++ {
		c.softFree[id] = true
	}
	return c
}

// RegisterHandler installs a kernel-internal handler for id. There is
// exactly one handler per ID; a second registration supersedes the first.
func (c *Controller) RegisterHandler(id int, h Handler) error {
	if id < 0 || id >= MaxInterruptID {
		return ErrBadID
	}
	e := &c.entries[id]
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = h
	e.waiter = nil
	return nil
}

// RegisterWaiter arranges for interrupt id to wake tasks parked on w
// instead of invoking a kernel handler, the delivery path for user-task
// interrupt handling over a channel endpoint.
func (c *Controller) RegisterWaiter(id int, w *sched.WaitQueue) error {
	if id < 0 || id >= MaxInterruptID {
		return ErrBadID
	}
	e := &c.entries[id]
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = nil
	e.waiter = w
	return nil
}

// Raise delivers interrupt id: if it is already claimed and not yet
// completed, the raise is coalesced and not separately observed; the same
// source is never claimed twice concurrently.
// Otherwise it marks the ID claimed and either runs the
// registered kernel handler or wakes one task on the registered waiter.
// hart is the hart taking the interrupt.
func (c *Controller) Raise(s *sched.Scheduler, hart, id int) error {
	if id < 0 || id >= MaxInterruptID {
		return ErrBadID
	}
	e := &c.entries[id]
	e.mu.Lock()
	if e.claimed {
		e.mu.Unlock()
		return nil
	}
	e.claimed = true
	handler := e.handler
	waiter := e.waiter
	e.mu.Unlock()

	if handler != nil {
		return handler(id)
	}
	if waiter != nil {
		waiter.WakeOne(s, hart)
		return nil
	}
	// No handler registered at all: claim-and-complete immediately so the
	// pending bit does not latch forever.
	e.mu.Lock()
	e.claimed = false
	e.mu.Unlock()
	return nil
}

// Complete implements complete_interrupt(id): clears the claimed latch so
// a subsequent Raise is observed again.
func (c *Controller) Complete(id int) error {
	if id < 0 || id >= MaxInterruptID {
		return ErrBadID
	}
	e := &c.entries[id]
	e.mu.Lock()
	defer e.mu.Unlock()
	e.claimed = false
	return nil
}

// AllocSoftID hands out a synthetic interrupt ID from the reserved pool,
// for devices with no fixed wire (e.g. a virtio queue's used-ring
// notification multiplexed over a single PLIC line).
func (c *Controller) AllocSoftID() (int, error) {
	c.softMu.Lock()
	defer c.softMu.Unlock()
	for id := range c.softFree {
		delete(c.softFree, id)
		return id, nil
	}
	return 0, ErrNoVectors
}

// FreeSoftID returns id to the pool; double-free panics.
func (c *Controller) FreeSoftID(id int) {
	c.softMu.Lock()
	defer c.softMu.Unlock()
	if c.softFree[id] {
		panic("intr: double free of soft interrupt id")
	}
	c.softFree[id] = true
}
