// Package certification implements the certifier: the component that
// consumes write-sets in global-seqno order, tests them against the
// key index for conflicts, assigns a depends_seqno and maintains the
// bookkeeping (TrxMap, DepsSet, NBO contexts) needed to purge
// write-sets once they are safely behind every node's apply horizon.
package certification

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/codership/galera-core/keyindex"
	"github.com/codership/galera-core/seqno"
	"github.com/codership/galera-core/trx"
	"github.com/codership/galera-core/wsrep"
)

// GcacheReleaser is the narrow slice of the gcache collaborator
// (§6) the certifier needs: returning a purged write-set's backing
// buffer. The reference gcache.Cache provides the fuller set
// (Malloc/Assign/Get/...); the certifier depends only on the one method
// it calls.
type GcacheReleaser interface {
	SeqnoRelease(s seqno.Seqno) error
}

// View identifies a primary-component membership as seen by the
// certifier: adjust_position resets bookkeeping only when the view's
// UUID differs from the one last seen, per §4.2.
type View struct {
	UUID  wsrep.SourceID
	Seqno seqno.Seqno
}

// Certifier is §4.2's component: KeyIndex, TrxMap, DepsSet, current
// position, safe-to-discard watermark and the per-view inconsistency
// flag, all guarded by a single mutex. Certification never blocks the
// caller beyond that mutex (§4.2's "Failure semantics").
type Certifier struct {
	mu sync.Mutex

	cfg    Config
	gcache GcacheReleaser
	log    *log.Entry

	index  *keyindex.Index
	trxMap *trxMap
	deps   *depsSet
	nbo    *nboTracker
	stats  *stats

	viewUUID      wsrep.SourceID
	version       int
	position      seqno.Seqno
	safeToDiscard seqno.Seqno
	inconsistent  bool

	keyCount  int
	byteCount int64
	trxCount  int
}

// New returns a Certifier at the initial position (nothing certified
// yet). gcache may be nil, in which case PurgeUpto simply drops the
// handles without releasing any backing buffer — useful for tests that
// don't care about the gcache collaborator.
func New(cfg Config, gcache GcacheReleaser) *Certifier {
	return &Certifier{
		cfg:           cfg,
		gcache:        gcache,
		log:           log.WithField("component", "certifier"),
		index:         keyindex.New(),
		trxMap:        newTrxMap(),
		deps:          newDepsSet(),
		nbo:           newNBOTracker(),
		stats:         newStats(),
		position:      seqno.Undefined,
		safeToDiscard: seqno.Undefined,
	}
}

// Position returns the highest global seqno appended so far.
func (c *Certifier) Position() seqno.Seqno {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.position
}

// IsInconsistent reports whether this node has detected an
// unrecoverable inconsistency (§4.2, §7).
func (c *Certifier) IsInconsistent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inconsistent
}

// MarkInconsistent sets the inconsistent flag. Once set, every
// subsequent Append dummifies its trx without running the key test;
// the caller (replicator) is expected to close after observing it.
func (c *Certifier) MarkInconsistent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.inconsistent {
		c.log.Warn("certifier marked inconsistent; all further write-sets will be dummified")
	}
	c.inconsistent = true
}

// Append runs §4.2's append() steps for h, whose GlobalSeqno must equal
// Position()+1 once a position is established; on a certifier whose
// position is still undefined (fresh, never adjusted to a view), the
// first append sets the position to h's GlobalSeqno. It never returns an error for a normal certification
// failure — that is TestFailed, a recoverable status, not an error.
// The returned error is reserved for a caller misuse (out-of-order
// seqno), which is itself a sign of a broken pipeline driver.
func (c *Certifier) Append(h *trx.Handle) (keyindex.TestResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.position.Defined() && h.GlobalSeqno != c.position.Next() {
		return keyindex.TestFailed, fmt.Errorf(
			"certification: out-of-order append: expected %d, got %d", c.position.Next(), h.GlobalSeqno)
	}
	c.position = h.GlobalSeqno

	var result keyindex.TestResult
	var depends = seqno.Undefined

	switch {
	case c.inconsistent:
		h.SetCertBypass()
		h.MarkDummy()
		result = keyindex.TestFailed

	case !h.IsIsolation() && !h.IsPAUnsafe() && c.nbo.ConflictsWith(h):
		result = keyindex.TestFailed

	default:
		var indexDepends seqno.Seqno
		result, indexDepends = c.index.TestAndRef(h)
		if result == keyindex.TestFailed {
			c.index.Purge(h)
		} else {
			depends = c.computeDepends(h, indexDepends)
			h.SetDependsSeqno(depends)
			if h.IsNBOStart() {
				c.nbo.Start(h)
			}
			if h.IsNBOEnd() {
				c.nbo.End(h)
			}
		}
	}

	if result == keyindex.TestFailed {
		h.MarkDummy()
		if c.cfg.LogConflicts {
			c.log.WithFields(log.Fields{
				"global_seqno": int64(h.GlobalSeqno),
				"source_id":    h.SourceID.String(),
				"last_seen":    int64(h.LastSeenSeqno),
			}).Warn("certification test failed")
		}
	}

	c.trxMap.insert(h)
	c.deps.Insert(depends)
	c.stats.record(h.GlobalSeqno, depends)
	h.SetCertified()

	c.keyCount += len(h.KeySet)
	c.byteCount += int64(len(h.Bytes))
	c.trxCount++

	return result, nil
}

// computeDepends folds together the per-key-conflict maximum with the
// pa_range baseline and floor, following trx_handle.hpp's
// certify()/set_depends_seqno() exactly: isolation and PA_UNSAFE
// write-sets always get global_seqno-1 (fully serial apply); everyone
// else starts from max(last_seen - pa_range, UNDEFINED), is raised to
// last_seen when IMPLICIT_DEPS (or the optimistic_pa config) applies,
// raised again by whatever the key index found, and finally floored at
// global_seqno - pa_range so no dependency reaches arbitrarily far
// back.
func (c *Certifier) computeDepends(h *trx.Handle, indexDepends seqno.Seqno) seqno.Seqno {
	if h.IsIsolation() || h.IsPAUnsafe() {
		return h.GlobalSeqno.Prev()
	}

	var base = seqno.Max(seqno.Seqno(int64(h.LastSeenSeqno)-c.cfg.PaRange), seqno.Undefined)
	if h.Flags.Has(wsrep.ImplicitDeps) || c.cfg.OptimisticPA {
		base = seqno.Max(base, h.LastSeenSeqno)
	}
	base = seqno.Max(base, indexDepends)

	var floor = seqno.Seqno(int64(h.GlobalSeqno) - c.cfg.PaRange)
	return seqno.Max(base, floor)
}

// SetCommitted marks h committed and recomputes safe_to_discard as the
// minimum of the lowest outstanding dependency and the lowest
// uncommitted trx's seqno minus one (§4.2). Per §9's open question,
// this value is allowed to decrease — setting a trx committed does not
// happen in global-seqno order — so PurgeUpto must clamp against it
// rather than assume monotonicity.
func (c *Certifier) SetCommitted(h *trx.Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()

	h.SetCommitted()
	c.deps.Remove(h.DependsSeqno)
	c.recomputeSafeToDiscard()
}

func (c *Certifier) recomputeSafeToDiscard() {
	var depsMin, haveDeps = c.deps.Min()
	var lowestUncommitted, haveUncommitted = c.lowestUncommittedLocked()

	switch {
	case haveDeps && haveUncommitted:
		c.safeToDiscard = seqno.Min(depsMin, lowestUncommitted.Prev())
	case haveDeps:
		c.safeToDiscard = depsMin
	case haveUncommitted:
		c.safeToDiscard = lowestUncommitted.Prev()
	default:
		c.safeToDiscard = c.position
	}
}

func (c *Certifier) lowestUncommittedLocked() (seqno.Seqno, bool) {
	for _, s := range c.trxMap.order {
		if h, ok := c.trxMap.handles[s]; ok && !h.Committed() {
			return s, true
		}
	}
	return seqno.Undefined, false
}

// SafeToDiscard returns the certifier's current purge watermark.
func (c *Certifier) SafeToDiscard() seqno.Seqno {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.safeToDiscard
}

// PurgeUpto removes every TrxMap entry at or below min(requested,
// safe_to_discard), purging their key-index back-references and
// releasing their gcache buffers. It returns the actual cutoff used.
// A gcache release failure is an inconsistency: it marks the node
// inconsistent and returns a wrapped error, per §7's "Inconsistency"
// error kind.
func (c *Certifier) PurgeUpto(requested seqno.Seqno) (seqno.Seqno, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var cutoff = seqno.Min(requested, c.safeToDiscard)
	var purged = c.trxMap.purgeUpto(cutoff)

	for _, h := range purged {
		if !h.Flags.Has(wsrep.Rollback) || h.IsIsolation() {
			c.index.Purge(h)
		}
		c.deps.Remove(h.DependsSeqno)

		if c.gcache != nil {
			if err := c.gcache.SeqnoRelease(h.GlobalSeqno); err != nil {
				c.inconsistent = true
				c.log.WithError(err).Error("gcache release failed during purge; marking inconsistent")
				return cutoff, errors.Wrap(err, "certification: gcache release failed during purge")
			}
		}
	}

	return cutoff, nil
}

// ShouldPurge reports whether the running key/byte/trx counters have
// crossed certification.hpp's index_purge_required thresholds, and
// resets them if so — the caller is expected to call PurgeUpto
// immediately after a true result.
func (c *Certifier) ShouldPurge() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.keyCount > c.cfg.PurgeKeysThreshold ||
		c.byteCount > c.cfg.PurgeBytesThreshold ||
		c.trxCount > c.cfg.PurgeTrxThreshold {
		c.keyCount, c.byteCount, c.trxCount = 0, 0, 0
		return true
	}
	return false
}

// AdjustPosition resets the certifier for a new view, per §4.2: the
// position is set to the view's GTID seqno, and the index
// (along with TrxMap and DepsSet) is cleared if the view's UUID
// differs from the last one observed — a primary-component change.
func (c *Certifier) AdjustPosition(v View, version int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.viewUUID != wsrep.SourceIDUndefined && c.viewUUID != v.UUID {
		c.index = keyindex.New()
		c.trxMap = newTrxMap()
		c.deps = newDepsSet()
		c.log.WithField("view_uuid", v.UUID.String()).Info("primary component changed; key index reset")
	}

	c.viewUUID = v.UUID
	c.version = version
	c.position = v.Seqno
	c.safeToDiscard = v.Seqno
}

// LowestTrxSeqno returns the smallest global seqno still held in
// TrxMap, or the current position if the map is empty (certification.hpp's
// lowest_trx_seqno()).
func (c *Certifier) LowestTrxSeqno() seqno.Seqno {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.trxMap.lowest(); ok {
		return s
	}
	return c.position
}

// NBOContext looks up the in-flight non-blocking-operation context
// started at s.
func (c *Certifier) NBOContext(s seqno.Seqno) (*NBOContext, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nbo.Ctx(s)
}

// EraseNBOContext drops the lifecycle record for the context started
// at s, once the caller is done with it.
func (c *Certifier) EraseNBOContext(s seqno.Seqno) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nbo.Erase(s)
}

// Stats returns a point-in-time statistics snapshot.
func (c *Certifier) Stats() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats.snapshot(c.index.Len(), c.nbo.Size())
}

// ResetStats zeroes the running certification-interval/deps-distance
// accumulators, keeping the index-size gauge as-is.
func (c *Certifier) ResetStats() {
	c.stats.reset()
}
