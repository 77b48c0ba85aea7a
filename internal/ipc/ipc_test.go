package ipc

import (
	"testing"

	"rvkernel/internal/captab"
	"rvkernel/internal/sched"
	"rvkernel/internal/task"
)

func newSchedWithTask(t *testing.T) (*sched.Scheduler, task.ID) {
	t.Helper()
	s := sched.New(1, func() sched.Policy { return sched.NewRoundRobin() }, nil, nil)
	tid := s.NewTID()
	s.AddTask(0, task.New(tid, nil, 0, 0))
	return s, tid
}

func TestChannelFIFOOrdering(t *testing.T) {
	ch := Create(4)
	a, b := ch.EndpointA(), ch.EndpointB()
	s, tid := newSchedWithTask(t)

	if err := a.Send(s, 0, tid, Message{Words: []uint64{1}}, 0); err != nil {
		t.Fatalf("send m1: %v", err)
	}
	if err := a.Send(s, 0, tid, Message{Words: []uint64{2}}, 0); err != nil {
		t.Fatalf("send m2: %v", err)
	}

	m1, err := b.Recv(s, 0, tid, FlagNonblocking)
	if err != nil {
		t.Fatalf("recv 1: %v", err)
	}
	m2, err := b.Recv(s, 0, tid, FlagNonblocking)
	if err != nil {
		t.Fatalf("recv 2: %v", err)
	}
	if m1.Words[0] != 1 || m2.Words[0] != 2 {
		t.Fatalf("FIFO violated: got %d then %d", m1.Words[0], m2.Words[0])
	}
}

func TestRecvOnEmptyNonblockingReturnsWouldBlock(t *testing.T) {
	ch := Create(4)
	_, b := ch.EndpointA(), ch.EndpointB()
	s, tid := newSchedWithTask(t)
	if _, err := b.Recv(s, 0, tid, FlagNonblocking); err != ErrWouldBlock {
		t.Fatalf("expected ErrWouldBlock, got %v", err)
	}
}

func TestSendOnClosedReturnsClosedWithoutModifyingQueue(t *testing.T) {
	ch := Create(4)
	a, b := ch.EndpointA(), ch.EndpointB()
	s, tid := newSchedWithTask(t)

	b.Close(s, 0)

	if err := a.Send(s, 0, tid, Message{Words: []uint64{1}}, FlagNonblocking); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestClosurePropagatesToPeerAfterDrainingPending(t *testing.T) {
	ch := Create(4)
	a, b := ch.EndpointA(), ch.EndpointB()
	s, tid := newSchedWithTask(t)

	if err := a.Send(s, 0, tid, Message{Words: []uint64{42}}, FlagNonblocking); err != nil {
		t.Fatalf("send: %v", err)
	}
	a.Close(s, 0)

	// Pending message enqueued before closure must still be delivered.
	m, err := b.Recv(s, 0, tid, FlagNonblocking)
	if err != nil {
		t.Fatalf("expected pending message to still be delivered, got err=%v", err)
	}
	if m.Words[0] != 42 {
		t.Fatalf("wrong message delivered: %v", m.Words)
	}

	// Once drained, further recv on the closed endpoint observes Closed.
	if _, err := b.Recv(s, 0, tid, FlagNonblocking); err != ErrClosed {
		t.Fatalf("expected ErrClosed after drain, got %v", err)
	}
}

func TestMessageExceedingInlineWordLimitRejected(t *testing.T) {
	ch := Create(4)
	a, _ := ch.EndpointA(), ch.EndpointB()
	s, tid := newSchedWithTask(t)
	words := make([]uint64, MaxInlineWords+1)
	if err := a.Send(s, 0, tid, Message{Words: words}, FlagNonblocking); err != ErrTooManyWords {
		t.Fatalf("expected ErrTooManyWords, got %v", err)
	}
}

func TestNonblockingSendWouldBlockOnFullQueue(t *testing.T) {
	ch := Create(1)
	a, _ := ch.EndpointA(), ch.EndpointB()
	s, tid := newSchedWithTask(t)
	if err := a.Send(s, 0, tid, Message{Words: []uint64{1}}, FlagNonblocking); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if err := a.Send(s, 0, tid, Message{Words: []uint64{2}}, FlagNonblocking); err != ErrWouldBlock {
		t.Fatalf("expected ErrWouldBlock on a full queue, got %v", err)
	}
}

func TestBlockingRecvOnEmptyQueueParksCaller(t *testing.T) {
	ch := Create(4)
	a, b := ch.EndpointA(), ch.EndpointB()
	s, tid := newSchedWithTask(t)

	// A blocking recv with nothing queued and no other Ready task must
	// park the caller, not hand back a spurious completion.
	if _, err := b.Recv(s, 0, tid, 0); err != ErrParked {
		t.Fatalf("expected ErrParked, got %v", err)
	}
	tsk, _ := s.Task(tid)
	if tsk.State != task.Blocked {
		t.Fatalf("expected the caller to be Blocked after parking, got %v", tsk.State)
	}
	if got := b.ep.waiters.Len(0); got != 1 {
		t.Fatalf("expected exactly one parked entry on the wait queue, got %d", got)
	}

	// A send from elsewhere wakes the parked receiver; the re-issued recv
	// then completes with the delivered message.
	if err := a.Send(s, 1, tid, Message{Words: []uint64{9}}, FlagNonblocking); err != nil {
		t.Fatalf("send: %v", err)
	}
	tsk, _ = s.Task(tid)
	if tsk.State != task.Ready {
		t.Fatalf("expected the send to wake the parked receiver, got %v", tsk.State)
	}
	if got := b.ep.waiters.Len(0); got != 0 {
		t.Fatalf("expected the wake to drain the wait queue, got %d entries", got)
	}
	m, err := b.Recv(s, 0, tid, FlagNonblocking)
	if err != nil || m.Words[0] != 9 {
		t.Fatalf("re-issued recv did not deliver the message: %v/%v", m, err)
	}
}

func TestBlockingSendOnFullQueueParksCallerUntilRecv(t *testing.T) {
	ch := Create(1)
	a, b := ch.EndpointA(), ch.EndpointB()
	s, tid := newSchedWithTask(t)
	other := s.NewTID()
	s.AddTask(0, task.New(other, nil, 0, 0))

	if err := a.Send(s, 0, tid, Message{Words: []uint64{1}}, FlagNonblocking); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if err := a.Send(s, 0, tid, Message{Words: []uint64{2}}, 0); err != ErrParked {
		t.Fatalf("expected ErrParked on a full queue, got %v", err)
	}
	tsk, _ := s.Task(tid)
	if tsk.State != task.Blocked {
		t.Fatalf("expected the sender to be Blocked after parking, got %v", tsk.State)
	}

	// Draining one message frees credit and wakes the parked sender; its
	// re-issued send then completes.
	if _, err := b.Recv(s, 1, other, FlagNonblocking); err != nil {
		t.Fatalf("recv: %v", err)
	}
	tsk, _ = s.Task(tid)
	if tsk.State != task.Ready {
		t.Fatalf("expected the recv to wake the parked sender, got %v", tsk.State)
	}
	if err := a.Send(s, 0, tid, Message{Words: []uint64{2}}, FlagNonblocking); err != nil {
		t.Fatalf("re-issued send failed: %v", err)
	}
}

func TestCapabilityTransferWithSharedMemoryGrant(t *testing.T) {
	ch := Create(4)
	a, b := ch.EndpointA(), ch.EndpointB()
	s, tid := newSchedWithTask(t)

	// grant stands in for a memory-region capability transferred alongside
	// the message. The sender's own table plays
	// no role at this layer; Grants simply carries the object/rights pair
	// for the receiver to install into its own table.
	region := captab.NewObject(captab.KindMemory, "shared region contents")
	grant := CapGrant{Obj: region, Rights: captab.RightRead | captab.RightWrite}
	if err := a.Send(s, 0, tid, Message{Grants: []CapGrant{grant}}, FlagNonblocking); err != nil {
		t.Fatalf("send: %v", err)
	}
	m, err := b.Recv(s, 0, tid, FlagNonblocking)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if len(m.Grants) != 1 || m.Grants[0].Obj.Ref != region.Ref {
		t.Fatalf("expected transferred grant referencing %v, got %v", region.Ref, m.Grants)
	}

	recvTable := captab.NewTable()
	newIdx := captab.Transfer(0, recvTable, m.Grants[0].Obj, m.Grants[0].Rights)
	got, err := recvTable.Lookup(0, newIdx, captab.KindMemory, captab.RightRead)
	if err != nil || got.Ref != region.Ref {
		t.Fatalf("receiver's installed capability does not resolve to the granted object: %v/%v", got, err)
	}
}
