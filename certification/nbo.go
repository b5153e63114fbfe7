package certification

import (
	"github.com/codership/galera-core/keyindex"
	"github.com/codership/galera-core/seqno"
	"github.com/codership/galera-core/trx"
)

// NBOContext tracks one in-flight non-blocking operation: a long
// running total-order write-set that holds its keys for the duration
// between its NBO-start and NBO-end events, without blocking normal
// trx outside its key scope. Grounded on certification.hpp's
// NBOMap/NBOCtxMap/CertIndexNBO trio, collapsed into one tracker since
// this port has no separate gu::shared_ptr lifecycle to replicate.
type NBOContext struct {
	StartSeqno seqno.Seqno
	keys       map[uint64]struct{}
	ended      bool
}

// nboTracker holds every context created since the last erase, keyed
// both by its start seqno (client lifecycle: created on start, erased
// explicitly once the caller is done with it) and by the fingerprints
// it currently holds (so ordinary append() calls can cheaply test for
// a conflicting NBO without scanning every context).
type nboTracker struct {
	byStart map[seqno.Seqno]*NBOContext
	byKey   map[uint64]*NBOContext
}

func newNBOTracker() *nboTracker {
	return &nboTracker{
		byStart: make(map[seqno.Seqno]*NBOContext),
		byKey:   make(map[uint64]*NBOContext),
	}
}

// Start registers a new NBO context for an NBO-start write-set,
// holding every key it touches.
func (t *nboTracker) Start(h *trx.Handle) *NBOContext {
	var ctx = &NBOContext{StartSeqno: h.GlobalSeqno, keys: make(map[uint64]struct{})}
	for _, k := range h.KeySet {
		var fp = keyindex.Fingerprint(k)
		ctx.keys[fp] = struct{}{}
		t.byKey[fp] = ctx
	}
	t.byStart[h.GlobalSeqno] = ctx
	return ctx
}

// End releases the keys held by the context matching h's key-set, if
// any is found, and marks it ended. The context itself is not removed
// from byStart until the caller calls Erase — mirroring the original's
// two-phase "end releases keys, erase_nbo_ctx drops the lifecycle
// record" split.
func (t *nboTracker) End(h *trx.Handle) *NBOContext {
	for _, k := range h.KeySet {
		var fp = keyindex.Fingerprint(k)
		if ctx, ok := t.byKey[fp]; ok {
			for held := range ctx.keys {
				delete(t.byKey, held)
			}
			ctx.ended = true
			return ctx
		}
	}
	return nil
}

// ConflictsWith reports whether h touches any key currently held by an
// un-ended NBO context.
func (t *nboTracker) ConflictsWith(h *trx.Handle) bool {
	for _, k := range h.KeySet {
		var fp = keyindex.Fingerprint(k)
		if ctx, ok := t.byKey[fp]; ok && !ctx.ended {
			return true
		}
	}
	return false
}

// Ctx returns the context started at s, if still tracked.
func (t *nboTracker) Ctx(s seqno.Seqno) (*NBOContext, bool) {
	ctx, ok := t.byStart[s]
	return ctx, ok
}

// Erase drops the lifecycle record for the context started at s.
func (t *nboTracker) Erase(s seqno.Seqno) {
	delete(t.byStart, s)
}

func (t *nboTracker) Size() int {
	return len(t.byStart)
}
