// Package ipc implements the channel substrate: paired endpoints carrying
// FIFO messages of inline words, transferred capabilities, and optional
// shared-memory grants.
//
// Queue storage is an internal/ringbuf ring of messages; the bounded
// per-channel credit is enforced with golang.org/x/sync/semaphore; blocking
// send/recv suspend via internal/sched's WaitQueue.
package ipc

import (
	"errors"
	"sync"

	"golang.org/x/sync/semaphore"

	"rvkernel/internal/captab"
	"rvkernel/internal/ringbuf"
	"rvkernel/internal/sched"
	"rvkernel/internal/task"
)

// MaxInlineWords bounds a message's inline word count.
const MaxInlineWords = 7

// MaxCaps bounds how many capabilities a single message may carry.
const MaxCaps = 4

// DefaultCredit is the default per-channel queue depth.
const DefaultCredit = 32

var (
	// ErrClosed is returned by send/recv on a channel whose peer has torn
	// down.
	ErrClosed = errors.New("ipc: channel closed")
	// ErrWouldBlock is returned by a nonblocking op that cannot complete
	// immediately.
	ErrWouldBlock = errors.New("ipc: would block")
	// ErrParked is returned by a blocking Send/Recv that has enqueued the
	// calling task on a wait queue and transitioned it to Blocked. The
	// caller's trap-return path must context-switch away; the operation is
	// re-issued from the unchanged trap frame when the task is next woken.
	ErrParked = errors.New("ipc: caller parked awaiting channel activity")
	ErrTooManyWords = errors.New("ipc: message exceeds inline word limit")
	ErrTooManyCaps  = errors.New("ipc: message exceeds capability limit")
)

// CapGrant is one capability riding along with a Message: the sender's
// kernel-object reference and the rights it is handing over. A grant is not
// the sender's own captab.Index (meaningless outside the sender's table);
// the receiver installs Obj/Rights into its own table on Recv via
// captab.Transfer, getting back a fresh index of its own.
type CapGrant struct {
	Obj    captab.Object
	Rights captab.Rights
}

// Message is the unit exchanged over a channel: up to MaxInlineWords plain
// 64-bit words, plus up to MaxCaps transferred capabilities (including
// shared-memory grants, carried as a CapGrant of kind captab.KindMemory).
type Message struct {
	Words  []uint64
	Grants []CapGrant
}

func validate(m Message) error {
	if len(m.Words) > MaxInlineWords {
		return ErrTooManyWords
	}
	if len(m.Grants) > MaxCaps {
		return ErrTooManyCaps
	}
	return nil
}

// Flags controls the blocking behavior of Send/Recv.
type Flags uint8

const (
	// FlagNonblocking makes Send/Recv return ErrWouldBlock instead of
	// parking the caller.
	FlagNonblocking Flags = 1 << iota
)

// endpoint is one half of a channel, holding the queue of messages destined
// for whoever holds this half's capability. waiters parks receivers blocked
// on an empty queue; sendq parks senders blocked on exhausted credit.
type endpoint struct {
	mu      sync.Mutex
	queue   *ringbuf.Ring[Message]
	credit  *semaphore.Weighted
	waiters *sched.WaitQueue
	sendq   *sched.WaitQueue
	closed  bool
	peer    *endpoint // the other half, for propagating Close
	ch      *Channel  // parent, for Close's cross-endpoint serialization
}

// Channel is a pair of endpoints created atomically by Create.
type Channel struct {
	closeMu sync.Mutex // serializes Close against a concurrent Close of the peer
	a, b    *endpoint
}

func newEndpoint(credit int) *endpoint {
	return &endpoint{
		queue:   ringbuf.New[Message](credit),
		credit:  semaphore.NewWeighted(int64(credit)),
		waiters: sched.NewWaitQueue(),
		sendq:   sched.NewWaitQueue(),
	}
}

// Create allocates a new channel pair with the given per-endpoint queue
// depth (message credit), wiring each endpoint's peer pointer so a Close on
// one side is observable from the other.
func Create(credit int) *Channel {
	if credit <= 0 {
		credit = DefaultCredit
	}
	a := newEndpoint(credit)
	b := newEndpoint(credit)
	a.peer, b.peer = b, a
	ch := &Channel{a: a, b: b}
	a.ch, b.ch = ch, ch
	return ch
}

// Endpoint identifies which half of a Channel a capability refers to.
type Endpoint struct {
	ep *endpoint
}

// EndpointA returns the A-side handle.
func (c *Channel) EndpointA() Endpoint { return Endpoint{ep: c.a} }

// EndpointB returns the B-side handle.
func (c *Channel) EndpointB() Endpoint { return Endpoint{ep: c.b} }

// Send delivers m to whoever holds the peer endpoint's receive side,
// appending it to the peer's queue; messages sent on the same endpoint are
// delivered in order. If the queue is out of credit, a nonblocking Send
// returns ErrWouldBlock immediately; otherwise the caller is parked on the
// peer's sender queue and ErrParked is returned so the trap-return path
// suspends it until a Recv frees credit.
func (e Endpoint) Send(s *sched.Scheduler, hart int, self task.ID, m Message, flags Flags) error {
	if err := validate(m); err != nil {
		return err
	}
	dst := e.ep.peer
	dst.mu.Lock()
	if dst.closed {
		dst.mu.Unlock()
		return ErrClosed
	}
	if !dst.credit.TryAcquire(1) {
		if flags&FlagNonblocking != 0 {
			dst.mu.Unlock()
			return ErrWouldBlock
		}
		// Park while still holding dst.mu: a Recv frees credit only under
		// the same lock, so its wake cannot slip between this credit check
		// and the task landing on the queue.
		dst.sendq.Wait(s, hart, self)
		dst.mu.Unlock()
		return ErrParked
	}
	if !dst.queue.PushBack(m) {
		// Credit accounting guarantees this cannot happen; fail loudly
		// rather than silently drop a message.
		dst.mu.Unlock()
		panic("ipc: queue full despite acquired credit")
	}
	dst.mu.Unlock()
	dst.waiters.WakeOne(s, hart)
	return nil
}

// Recv dequeues the oldest message addressed to this endpoint. On an empty
// queue a nonblocking Recv returns ErrWouldBlock immediately; otherwise the
// caller is parked on the endpoint's wait-queue and ErrParked is returned
// so the trap-return path suspends it until a Send arrives. A closed
// endpoint with a drained queue returns ErrClosed; pending messages at
// closure time are still delivered first, so closure never silently drops
// queued work.
func (e Endpoint) Recv(s *sched.Scheduler, hart int, self task.ID, flags Flags) (Message, error) {
	ep := e.ep
	ep.mu.Lock()
	if m, ok := ep.queue.PopFront(); ok {
		ep.credit.Release(1)
		ep.mu.Unlock()
		ep.sendq.WakeOne(s, hart)
		return m, nil
	}
	if ep.closed {
		ep.mu.Unlock()
		return Message{}, ErrClosed
	}
	if flags&FlagNonblocking != 0 {
		ep.mu.Unlock()
		return Message{}, ErrWouldBlock
	}
	// Park while still holding ep.mu: a Send publishes to this queue only
	// under the same lock, so its wake cannot slip between the emptiness
	// check and the task landing on the wait queue.
	ep.waiters.Wait(s, hart, self)
	ep.mu.Unlock()
	return Message{}, ErrParked
}

// Close tears down this endpoint's channel, waking every task parked on
// either side so sends/receives in flight observe Closed rather than
// hanging forever. Both endpoints are marked closed under the channel's
// close lock; their peer and channel references are kept.
func (e Endpoint) Close(s *sched.Scheduler, hart int) {
	a, b := e.ep, e.ep.peer
	ch := e.ep.ch
	ch.closeMu.Lock()
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	ch.closeMu.Unlock()

	a.waiters.WakeAll(s, hart)
	a.sendq.WakeAll(s, hart)
	b.waiters.WakeAll(s, hart)
	b.sendq.WakeAll(s, hart)
}
