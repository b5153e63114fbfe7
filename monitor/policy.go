package monitor

import (
	"github.com/codership/galera-core/seqno"
	"github.com/codership/galera-core/trx"
)

// CommitOrder selects the commit monitor's may_enter policy, per
// §4.3's "policy selector {BYPASS, OOOC, LOCAL_OOOC, NO_OOOC}" and
// §6's repl.commit_order option.
type CommitOrder int

const (
	// CommitOrderBypass disables commit ordering entirely (BYPASS mode).
	CommitOrderBypass CommitOrder = iota
	// CommitOrderOOOC allows any trx to commit as soon as it is ready,
	// regardless of commit order relative to others.
	CommitOrderOOOC
	// CommitOrderLocalOOOC allows only locally-originated trx to commit
	// out of order; remote (replicated) trx still commit in seqno order.
	CommitOrderLocalOOOC
	// CommitOrderNoOOOC enforces strict FIFO commit order.
	CommitOrderNoOOOC
)

// NewLocalMonitor returns the local monitor: strict FIFO on
// local_seqno, per §4.3's table.
func NewLocalMonitor() *Monitor[*trx.Handle] {
	return New[*trx.Handle](
		"local",
		func(h *trx.Handle) seqno.Seqno { return h.LocalSeqno },
		func(h *trx.Handle, _, lastLeft seqno.Seqno) bool {
			return lastLeft.Next() == h.LocalSeqno
		},
	)
}

// NewApplyMonitor returns the apply monitor: gated on global_seqno,
// releasing a trx once its certified dependency has left, or
// immediately for a locally-originated non-TOI trx (which has no
// conflicting predecessor to wait on by construction).
func NewApplyMonitor() *Monitor[*trx.Handle] {
	return New[*trx.Handle](
		"apply",
		func(h *trx.Handle) seqno.Seqno { return h.GlobalSeqno },
		func(h *trx.Handle, _, lastLeft seqno.Seqno) bool {
			return (h.IsLocal() && !h.IsIsolation()) || lastLeft >= h.DependsSeqno
		},
	)
}

// NewCommitMonitor returns the commit monitor configured with policy.
// Unlike local/apply, its may_enter predicate is chosen at
// construction time from the CommitOrder option rather than fixed.
func NewCommitMonitor(policy CommitOrder) *Monitor[*trx.Handle] {
	var ready ReadyFunc[*trx.Handle]
	switch policy {
	case CommitOrderOOOC:
		ready = func(*trx.Handle, seqno.Seqno, seqno.Seqno) bool { return true }
	case CommitOrderLocalOOOC:
		ready = func(h *trx.Handle, _, lastLeft seqno.Seqno) bool {
			return h.IsLocal() || lastLeft.Next() == h.GlobalSeqno
		}
	default: // CommitOrderBypass, CommitOrderNoOOOC
		ready = func(h *trx.Handle, _, lastLeft seqno.Seqno) bool {
			return lastLeft.Next() == h.GlobalSeqno
		}
	}

	m := New[*trx.Handle]("commit", func(h *trx.Handle) seqno.Seqno { return h.GlobalSeqno }, ready)
	m.SetBypass(policy == CommitOrderBypass)
	return m
}
