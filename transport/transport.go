// Package transport is a thin reference adapter for the group
// communication collaborator described in §6: it delivers
// (global_seqno, local_seqno, bytes, kind) tuples and accepts outbound
// submissions. The real transport is a totally-ordered broadcast layer
// outside this core's scope; this package is the in-memory,
// single-process stand-in the replicator's tests and demo CLI run
// against — an ordered Go channel, not a reimplementation of group
// communication.
package transport

import (
	"context"
	"sync"

	"github.com/codership/galera-core/seqno"
	"github.com/codership/galera-core/wsrep"
)

// Kind distinguishes the three event kinds the transport may deliver.
type Kind int

const (
	Writeset Kind = iota
	ViewChange
	CommitCut
)

func (k Kind) String() string {
	switch k {
	case Writeset:
		return "WRITESET"
	case ViewChange:
		return "VIEW_CHANGE"
	case CommitCut:
		return "COMMIT_CUT"
	default:
		return "UNKNOWN"
	}
}

// Event is one delivery from the transport.
type Event struct {
	Kind         Kind
	GlobalSeqno  seqno.Seqno
	LocalSeqno   seqno.Seqno
	SourceID     wsrep.SourceID
	Flags        wsrep.Flags
	LastSeen     seqno.Seqno
	Keys         wsrep.KeySet
	Bytes        []byte
	ViewUUID     wsrep.SourceID
	ViewMembers  []wsrep.SourceID
	ProtoVersion int
}

// Transport is the interface the replicator consumes. Implementations
// must deliver Events to Recv in increasing GlobalSeqno order for
// Writeset and CommitCut kinds, per §4.4's ordering assumption.
type Transport interface {
	// Send submits a locally-originated write-set for total-order
	// broadcast, returning the local seqno assigned to it — the
	// correlation handle the caller matches against the Event
	// eventually delivered back through Recv.
	Send(ctx context.Context, sourceID wsrep.SourceID, flags wsrep.Flags, lastSeen seqno.Seqno, keys wsrep.KeySet, bytes []byte) (localSeqno seqno.Seqno, err error)

	// Recv blocks until the next Event is available or ctx is done.
	Recv(ctx context.Context) (Event, error)
}

// InMemory is a single-process Transport: a FIFO channel fed by Send,
// which itself assigns increasing global seqnos, standing in for group
// communication's total-order delivery.
type InMemory struct {
	events chan Event

	mu         sync.Mutex
	nextGlobal seqno.Seqno
	nextLocal  seqno.Seqno
}

// NewInMemory returns an InMemory transport with the given delivery
// buffer depth.
func NewInMemory(buffer int) *InMemory {
	return &InMemory{
		events:     make(chan Event, buffer),
		nextGlobal: 0,
		nextLocal:  0,
	}
}

// Send assigns the next global and local seqno to the submission and
// enqueues it for delivery, as a real group communication layer's
// total-order broadcast would once every node has agreed on the
// order — trivial here since there is only one node. The lock is held
// until the event is enqueued, so concurrent senders are delivered in
// the order their seqnos were assigned.
func (t *InMemory) Send(ctx context.Context, sourceID wsrep.SourceID, flags wsrep.Flags, lastSeen seqno.Seqno, keys wsrep.KeySet, bytes []byte) (seqno.Seqno, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var global, local = t.nextGlobal, t.nextLocal
	t.nextGlobal, t.nextLocal = t.nextGlobal.Next(), t.nextLocal.Next()

	var ev = Event{
		Kind:        Writeset,
		GlobalSeqno: global,
		LocalSeqno:  local,
		SourceID:    sourceID,
		Flags:       flags,
		LastSeen:    lastSeen,
		Keys:        keys,
		Bytes:       bytes,
	}

	select {
	case t.events <- ev:
	case <-ctx.Done():
		return seqno.Undefined, ctx.Err()
	}

	return local, nil
}

// DeliverViewChange injects a VIEW_CHANGE event, used by tests to
// simulate a membership change without a real group communication
// layer.
func (t *InMemory) DeliverViewChange(uuid wsrep.SourceID, members []wsrep.SourceID, version int) {
	t.mu.Lock()
	var global = t.nextGlobal
	t.mu.Unlock()

	t.events <- Event{
		Kind:         ViewChange,
		GlobalSeqno:  global,
		ViewUUID:     uuid,
		ViewMembers:  members,
		ProtoVersion: version,
	}
}

// Recv returns the next delivered event.
func (t *InMemory) Recv(ctx context.Context) (Event, error) {
	select {
	case ev := <-t.events:
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}
