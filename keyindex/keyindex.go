// Package keyindex implements the certification engine's key index:
// the mapping from a key's fingerprint to the most recent write-set
// that referenced it at each access type, and the conflict test run
// against that mapping for every incoming write-set.
//
// Per the design note on breaking the TrxHandle/KeyEntry reference
// cycle, a KeyEntry never stores a pointer to a trx.Handle. Each slot
// is a weak handle: just the referencing trx's global seqno and source
// id. That is everything the conflict test and the dependency
// computation need, and it makes the classic "stale pointer outlives
// its trx" bug a type we cannot express.
package keyindex

import (
	"sync"

	"github.com/codership/galera-core/seqno"
	"github.com/codership/galera-core/trx"
	"github.com/codership/galera-core/wsrep"
)

// TestResult is the outcome of testing one write-set against the
// index.
type TestResult int

const (
	TestOK TestResult = iota
	TestFailed
)

func (r TestResult) String() string {
	if r == TestOK {
		return "TEST_OK"
	}
	return "TEST_FAILED"
}

// slot is a weak reference: the seqno and source of the most recent
// trx that referenced a key at one access type. valid distinguishes
// "never referenced" from referencing seqno zero.
type slot struct {
	valid  bool
	seqno  seqno.Seqno
	source wsrep.SourceID
}

// Entry is the per-key record: one weak reference per access type,
// indexed by wsrep.AccessType.
type Entry struct {
	slots [wsrep.AccessTypeCount]slot
}

// empty reports whether every slot in the entry is unset, the
// condition under which the entry itself must be dropped from the
// index (invariant (b) in §3's KeyIndex description).
func (e *Entry) empty() bool {
	for _, s := range e.slots {
		if s.valid {
			return false
		}
	}
	return true
}

// Index is the certifier's key index. §4.1 has all operations run
// single-threaded under the Certifier's lock; every Index method also
// takes the embedded sync.Mutex, so direct use of an Index from several
// goroutines is serialized as well.
type Index struct {
	mu      sync.Mutex
	entries map[uint64]*Entry
}

// New returns an empty key index.
func New() *Index {
	return &Index{entries: make(map[uint64]*Entry)}
}

// Len returns the number of distinct keys currently indexed, used by
// the certifier's index-size statistic.
func (idx *Index) Len() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return len(idx.entries)
}

func asymmetric(a, b wsrep.AccessType) bool {
	return a != b
}

// TestAndRef runs §4.1's certification test for h against the current
// index contents, storing h as the new reference for every key it
// touches on success. On isolation (TOI) write-sets the per-key test
// is bypassed entirely: the trx references every key exclusively and
// the test always succeeds, per §4.1's "Total-order isolation"
// paragraph. depends is the maximum referenced seqno seen across all
// keys (for an isolation write-set, across the non-EXCLUSIVE slots
// only); the certifier is responsible for combining it with
// last_seen_seqno (IMPLICIT_DEPS) and the pa_range cap.
func (idx *Index) TestAndRef(h *trx.Handle) (result TestResult, depends seqno.Seqno) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	depends = seqno.Undefined

	if h.IsIsolation() {
		for _, k := range h.KeySet {
			var fp = Fingerprint(k)
			var e = idx.getOrCreate(fp)
			for t, s := range e.slots {
				if s.valid && wsrep.AccessType(t) != wsrep.Exclusive {
					depends = seqno.Max(depends, s.seqno)
				}
			}
			e.slots[wsrep.Exclusive] = slot{valid: true, seqno: h.GlobalSeqno, source: h.SourceID}
			h.AddCertKey(fp, wsrep.Exclusive)
		}
		return TestOK, depends
	}

	for _, k := range h.KeySet {
		var fp = Fingerprint(k)
		var e = idx.getOrCreate(fp)

		for t := 0; t < wsrep.AccessTypeCount; t++ {
			var s = e.slots[t]
			if !s.valid {
				continue
			}
			if Conflicts(k.Access, wsrep.AccessType(t)) {
				var visible = s.seqno <= h.LastSeenSeqno
				if !visible && (s.source != h.SourceID || asymmetric(k.Access, wsrep.AccessType(t))) {
					return TestFailed, depends
				}
			}
			depends = seqno.Max(depends, s.seqno)
		}

		e.slots[k.Access] = slot{valid: true, seqno: h.GlobalSeqno, source: h.SourceID}
		h.AddCertKey(fp, k.Access)
	}

	return TestOK, depends
}

func (idx *Index) getOrCreate(fp uint64) *Entry {
	var e, ok = idx.entries[fp]
	if !ok {
		e = &Entry{}
		idx.entries[fp] = e
	}
	return e
}

// Purge clears every slot h was stored in and drops now-empty entries.
// It is idempotent: calling it on a trx with no (or already-cleared)
// cert keys is a no-op.
func (idx *Index) Purge(h *trx.Handle) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for _, ref := range h.CertKeys() {
		var e, ok = idx.entries[ref.Fingerprint]
		if !ok {
			continue
		}
		if e.slots[ref.Access].valid && e.slots[ref.Access].seqno == h.GlobalSeqno {
			e.slots[ref.Access] = slot{}
		}
		if e.empty() {
			delete(idx.entries, ref.Fingerprint)
		}
	}
	h.ClearCertKeys()
}
