// Package trx implements TrxHandle, the per-write-set record and
// finite-state machine that certification, the ordered monitors and
// the pipeline driver all operate on.
package trx

import (
	"sync"

	"github.com/codership/galera-core/seqno"
	"github.com/codership/galera-core/wsrep"
)

// CertKeyRef is a back-reference from a TrxHandle into the key index:
// the fingerprint of a key this trx was stored against, and the
// access-type slot it occupies. It deliberately does not hold a
// pointer to the KeyEntry itself — per the design note on breaking the
// TrxHandle/KeyEntry reference cycle, the KeyEntry side only ever
// stores a (Seqno, SourceID) pair, so there is nothing here for the
// keyindex package to own or for trx to import.
type CertKeyRef struct {
	Fingerprint uint64
	Access      wsrep.AccessType
}

// Handle is one write-set's record: its seqnos, flags, key-set and
// state machine. Field mutation that affects ordering decisions
// elsewhere (state, DependsSeqno, CertKeys) is guarded by mu. The
// seqno and flag fields are not: GlobalSeqno is assigned by the
// replicator after delivery, SetLocalSeqno sets LocalSeqno, and
// MarkDummy adds the Rollback flag, so readers rely on the pipeline's
// own ordering to see those writes.
type Handle struct {
	mu sync.Mutex

	GlobalSeqno   seqno.Seqno
	LocalSeqno    seqno.Seqno
	LastSeenSeqno seqno.Seqno
	DependsSeqno  seqno.Seqno

	Flags    wsrep.Flags
	SourceID wsrep.SourceID
	KeySet   wsrep.KeySet

	// Bytes is the write-set payload, opaque to this package; the
	// certifier and replicator never interpret it, only pass it
	// through to the apply callback and the gcache collaborator.
	Bytes []byte

	state State

	certKeys []CertKeyRef

	// local records whether this write-set originated on this node. It
	// drives the apply monitor's policy (§4.3): a local, non-TOI trx
	// applied speculatively ahead of replication needs no dependency
	// wait, since it already ran against local state before certifying.
	local bool

	committed  bool
	certified  bool
	certBypass bool
}

// New constructs a Handle in the EXECUTING state, the entry point for
// a locally originated write-set before it has been handed to the
// transport.
func New(sourceID wsrep.SourceID, lastSeen seqno.Seqno, flags wsrep.Flags, keys wsrep.KeySet, payload []byte) *Handle {
	return &Handle{
		GlobalSeqno:   seqno.Undefined,
		LocalSeqno:    seqno.Undefined,
		LastSeenSeqno: lastSeen,
		DependsSeqno:  seqno.Undefined,
		Flags:         flags,
		SourceID:      sourceID,
		KeySet:        keys,
		Bytes:         payload,
		state:         Executing,
		local:         true,
	}
}

// NewRemote constructs a Handle for a write-set delivered by the
// transport, already carrying both seqnos and starting in REPLICATING.
func NewRemote(globalSeqno, localSeqno seqno.Seqno, sourceID wsrep.SourceID, lastSeen seqno.Seqno, flags wsrep.Flags, keys wsrep.KeySet, payload []byte) *Handle {
	return &Handle{
		GlobalSeqno:   globalSeqno,
		LocalSeqno:    localSeqno,
		LastSeenSeqno: lastSeen,
		DependsSeqno:  seqno.Undefined,
		Flags:         flags,
		SourceID:      sourceID,
		KeySet:        keys,
		Bytes:         payload,
		state:         Replicating,
	}
}

// State returns the current FSM state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// TransitionTo attempts to move the handle to next. It returns a
// *TransitionError (never panics) when the edge is not legal, leaving
// the handle's state unchanged.
func (h *Handle) TransitionTo(next State) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !CanTransition(h.state, next) {
		return &TransitionError{From: h.state, To: next}
	}
	h.state = next
	return nil
}

// ForceState sets the state without checking the transition table. It
// is used for test setup and by the replicator to put a trx whose
// local-monitor entry was interrupted straight into ROLLED_BACK; the
// hook matches the original's "force" escape hatch in fsm.hpp.
func (h *Handle) ForceState(s State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = s
}

// IsDummy reports whether DependsSeqno is Undefined. That holds after
// MarkDummy and before certification, but also for a write-set that
// certified OK with nothing earlier to depend on; the replicator
// decides whether to apply from the certification result, not from
// IsDummy.
func (h *Handle) IsDummy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.DependsSeqno == seqno.Undefined
}

// SetDependsSeqno records the certifier's computed dependency.
func (h *Handle) SetDependsSeqno(s seqno.Seqno) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.DependsSeqno = s
}

// AddCertKey records that this trx was stored in the key index under
// fingerprint at the given access-type slot. Certifier calls this once
// per successfully referenced key; purge walks the resulting list.
func (h *Handle) AddCertKey(fingerprint uint64, access wsrep.AccessType) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.certKeys = append(h.certKeys, CertKeyRef{Fingerprint: fingerprint, Access: access})
}

// CertKeys returns the trx's key-index back-references. The slice is
// owned by the caller; it is cleared, not mutated, on purge.
func (h *Handle) CertKeys() []CertKeyRef {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]CertKeyRef, len(h.certKeys))
	copy(out, h.certKeys)
	return out
}

// ClearCertKeys empties the back-reference list once purge has cleared
// every corresponding KeyEntry slot. Idempotent.
func (h *Handle) ClearCertKeys() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.certKeys = nil
}

// MarkDummy turns this trx into a dummy/rollback write-set: it still
// occupies its global_seqno slot (for TrxMap bookkeeping and ordered
// monitor accounting) but must never apply.
func (h *Handle) MarkDummy() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Flags |= wsrep.Rollback
	h.DependsSeqno = seqno.Undefined
}

// SetCommitted marks the trx committed for the certifier's purge
// accounting. Idempotent.
func (h *Handle) SetCommitted() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.committed = true
}

// Committed reports whether SetCommitted has been called.
func (h *Handle) Committed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.committed
}

// SetCertified records that certification has run (OK or FAILED) for
// this handle, guarding against double certification.
func (h *Handle) SetCertified() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.certified = true
}

// Certified reports whether the trx has already been through
// certification.
func (h *Handle) Certified() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.certified
}

// SetCertBypass marks the trx as certified without running the
// key-index test, e.g. because the node is marked inconsistent and
// every incoming trx is dummified unconditionally.
func (h *Handle) SetCertBypass() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.certBypass = true
}

// CertBypass reports whether certification was bypassed for this trx.
func (h *Handle) CertBypass() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.certBypass
}

// IsIsolation reports whether the trx carries total-order isolation.
func (h *Handle) IsIsolation() bool {
	return h.Flags.Has(wsrep.Isolation)
}

// IsPAUnsafe reports whether parallel apply is disabled for this trx.
func (h *Handle) IsPAUnsafe() bool {
	return h.Flags.Has(wsrep.PAUnsafe)
}

// IsNBOStart reports whether this write-set opens a non-blocking
// operation: total-order isolation without an accompanying COMMIT.
func (h *Handle) IsNBOStart() bool {
	return h.Flags.Has(wsrep.Isolation) && h.Flags.Has(wsrep.Begin) && !h.Flags.Has(wsrep.Commit)
}

// IsNBOEnd reports whether this write-set closes a non-blocking
// operation.
func (h *Handle) IsNBOEnd() bool {
	return h.Flags.Has(wsrep.Isolation) && h.Flags.Has(wsrep.Commit) && !h.Flags.Has(wsrep.Begin)
}

// IsLocal reports whether this write-set originated on this node.
func (h *Handle) IsLocal() bool {
	return h.local
}

// SetLocalSeqno assigns the node-local delivery-order seqno, done by
// the pipeline driver as it admits a write-set (local or remote) to
// the local monitor.
func (h *Handle) SetLocalSeqno(s seqno.Seqno) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.LocalSeqno = s
}
