// Package replicator implements the pipeline driver of §4.4: it binds
// the three ordered monitors, the certifier and the transport/gcache
// collaborators into the exposed API of §6 (replicate, certify,
// commit_order_enter/leave, abort_trx, last_committed, pause/resume).
package replicator

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/codership/galera-core/certification"
	"github.com/codership/galera-core/keyindex"
	"github.com/codership/galera-core/monitor"
	"github.com/codership/galera-core/seqno"
	"github.com/codership/galera-core/transport"
	"github.com/codership/galera-core/trx"
	"github.com/codership/galera-core/wsrep"
)

// ErrClosed is returned by Replicate once the replicator has observed
// an inconsistency and stopped accepting new work.
var ErrClosed = errors.New("replicator: closed")

// ErrTooLarge is returned by Replicate when a write-set exceeds
// repl.max_ws_size.
var ErrTooLarge = errors.New("replicator: write-set exceeds max_ws_size")

// Callbacks are the out-of-scope collaborator hooks of §6: the apply
// and commit callbacks invoked inside their respective monitors, and
// the view callback invoked on membership change.
type Callbacks struct {
	Apply  func(ctx context.Context, h *trx.Handle) error
	Commit func(ctx context.Context, h *trx.Handle) error
	View   func(v certification.View, members []wsrep.SourceID)
}

// Result is what a client-facing Replicate call resolves to: either a
// normal commit, a dummied/rolled-back trx (a recovered Conflict or
// Interrupted error per §7), or a propagated fatal error.
type Result struct {
	Committed  bool
	RolledBack bool
	Err        error
}

type pendingTrx struct {
	done chan struct{}
	res  Result
}

// Replicator is the pipeline driver.
type Replicator struct {
	sourceID        wsrep.SourceID
	maxWriteSetSize int64

	cert   *certification.Certifier
	local  *monitor.Monitor[*trx.Handle]
	apply  *monitor.Monitor[*trx.Handle]
	commit *monitor.Monitor[*trx.Handle]

	transport transport.Transport
	callbacks Callbacks
	svc       *serviceThread

	mu      sync.Mutex
	pending map[seqno.Seqno]*pendingTrx
	closed  bool

	pauseMu  sync.Mutex
	resumeCh chan struct{}
}

// New constructs a Replicator. commitOrder selects the commit
// monitor's policy (§4.3).
func New(sourceID wsrep.SourceID, maxWriteSetSize int64, cert *certification.Certifier, commitOrder monitor.CommitOrder, tr transport.Transport, cb Callbacks) *Replicator {
	return &Replicator{
		sourceID:        sourceID,
		maxWriteSetSize: maxWriteSetSize,
		cert:            cert,
		local:           monitor.NewLocalMonitor(),
		apply:           monitor.NewApplyMonitor(),
		commit:          monitor.NewCommitMonitor(commitOrder),
		transport:       tr,
		callbacks:       cb,
		svc:             newServiceThread(cert),
		pending:         make(map[seqno.Seqno]*pendingTrx),
	}
}

// Run consumes transport events until ctx is done or the transport
// returns an error, driving every delivered write-set through the
// pipeline. It is meant to run in its own goroutine; Replicate blocks
// until Run has processed the corresponding delivery.
func (r *Replicator) Run(ctx context.Context) error {
	for {
		ev, err := r.transport.Recv(ctx)
		if err != nil {
			return err
		}
		switch ev.Kind {
		case transport.Writeset:
			r.handleWriteset(ctx, ev)
		case transport.ViewChange:
			r.handleViewChange(ev)
		case transport.CommitCut:
			// Out of scope: a real commit-cut event advances the
			// externally-visible GTID watermark independent of local
			// apply progress. Nothing in this core needs it.
		}
	}
}

// Replicate is the local client entry point (§6's replicate(trx)): it
// submits the write-set for total-order delivery and blocks until the
// pipeline driver has carried it through certify/apply/commit (or
// dummied/aborted it).
func (r *Replicator) Replicate(ctx context.Context, flags wsrep.Flags, lastSeen seqno.Seqno, keys wsrep.KeySet, payload []byte) Result {
	if int64(len(payload)) > r.maxWriteSetSize {
		return Result{Err: ErrTooLarge}
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return Result{Err: ErrClosed}
	}
	r.mu.Unlock()

	local, err := r.transport.Send(ctx, r.sourceID, flags, lastSeen, keys, payload)
	if err != nil {
		return Result{Err: err}
	}

	var p = &pendingTrx{done: make(chan struct{})}
	r.mu.Lock()
	r.pending[local] = p
	r.mu.Unlock()

	select {
	case <-p.done:
		return p.res
	case <-ctx.Done():
		return Result{Err: ctx.Err()}
	}
}

func (r *Replicator) handleWriteset(ctx context.Context, ev transport.Event) {
	var h *trx.Handle
	if ev.SourceID == r.sourceID {
		h = trx.New(ev.SourceID, ev.LastSeen, ev.Flags, ev.Keys, ev.Bytes)
		_ = h.TransitionTo(trx.Replicating)
		h.SetLocalSeqno(ev.LocalSeqno)
		h.GlobalSeqno = ev.GlobalSeqno
	} else {
		h = trx.NewRemote(ev.GlobalSeqno, ev.LocalSeqno, ev.SourceID, ev.LastSeen, ev.Flags, ev.Keys, ev.Bytes)
	}

	var res = r.drive(ctx, h)
	r.resolve(ev.LocalSeqno, res)
}

// waitForResume blocks while the replicator is paused, until Resume
// closes the gate or ctx is done. It must be checked before a
// write-set reaches the local monitor: Drain only clears out entries
// already waiting, it does not by itself stop new ones from being
// admitted behind it.
func (r *Replicator) waitForResume(ctx context.Context) error {
	r.pauseMu.Lock()
	var gate = r.resumeCh
	r.pauseMu.Unlock()
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drive runs the full §4.4 pipeline for h, whether locally or
// remotely originated — both pass through the same three monitors and
// the same certifier.
func (r *Replicator) drive(ctx context.Context, h *trx.Handle) Result {
	if err := r.waitForResume(ctx); err != nil {
		return Result{Err: err}
	}

	if err := r.local.Enter(h); err != nil {
		h.ForceState(trx.RolledBack)
		return Result{RolledBack: true, Err: err}
	}

	_ = h.TransitionTo(trx.Certifying)
	result, err := r.cert.Append(h)
	if err != nil {
		log.WithError(err).Error("certifier.append failed")
		r.markInconsistentAndClose()
		r.local.Leave(h)
		return Result{Err: err}
	}

	if result == keyindex.TestFailed {
		_ = h.TransitionTo(trx.RollingBack)
		r.apply.SelfCancel(h)
		r.commit.SelfCancel(h)
		_ = h.TransitionTo(trx.RolledBack)
		r.local.Leave(h)
		r.svc.ReportCommitted(h.GlobalSeqno)
		r.svc.ReleaseBuffer(h.GlobalSeqno)
		return Result{RolledBack: true}
	}

	_ = h.TransitionTo(trx.Applying)
	if err := r.apply.Enter(h); err != nil {
		return r.unwindAborted(h, applyStage)
	}

	if r.callbacks.Apply != nil {
		if applyErr := r.callbacks.Apply(ctx, h); applyErr != nil {
			r.markInconsistentAndClose()
			r.apply.Leave(h)
			r.local.Leave(h)
			return Result{Err: applyErr}
		}
	}

	if err := r.commit.Enter(h); err != nil {
		return r.unwindAborted(h, commitStage)
	}

	_ = h.TransitionTo(trx.Committing)
	if r.callbacks.Commit != nil {
		if commitErr := r.callbacks.Commit(ctx, h); commitErr != nil {
			r.markInconsistentAndClose()
			r.commit.Leave(h)
			r.apply.Leave(h)
			r.local.Leave(h)
			return Result{Err: commitErr}
		}
	}

	_ = h.TransitionTo(trx.Committed)
	r.cert.SetCommitted(h)
	r.commit.Leave(h)
	r.apply.Leave(h)
	r.local.Leave(h)
	r.svc.ReportCommitted(h.GlobalSeqno)
	r.svc.ReleaseBuffer(h.GlobalSeqno)

	return Result{Committed: true}
}

type pipelineStage int

const (
	applyStage pipelineStage = iota
	commitStage
)

// unwindAborted runs §4.4 step 8's cancellation unwind: MUST_ABORT ->
// ABORTING -> ROLLED_BACK, releasing whichever monitors the trx had
// already entered.
func (r *Replicator) unwindAborted(h *trx.Handle, stage pipelineStage) Result {
	_ = h.TransitionTo(trx.MustAbort)
	_ = h.TransitionTo(trx.Aborting)

	if stage == commitStage {
		r.commit.SelfCancel(h)
	}
	r.apply.Leave(h)
	_ = h.TransitionTo(trx.RolledBack)
	r.local.Leave(h)
	r.svc.ReportCommitted(h.GlobalSeqno)
	r.svc.ReleaseBuffer(h.GlobalSeqno)

	return Result{RolledBack: true, Err: monitor.ErrInterrupted}
}

func (r *Replicator) resolve(local seqno.Seqno, res Result) {
	r.mu.Lock()
	p, ok := r.pending[local]
	if ok {
		delete(r.pending, local)
	}
	r.mu.Unlock()
	if !ok {
		return // remotely-originated trx: nobody is waiting on it
	}
	p.res = res
	close(p.done)
}

func (r *Replicator) markInconsistentAndClose() {
	r.cert.MarkInconsistent()
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

func (r *Replicator) handleViewChange(ev transport.Event) {
	var v = certification.View{UUID: ev.ViewUUID, Seqno: ev.GlobalSeqno}
	r.cert.AdjustPosition(v, ev.ProtoVersion)
	r.local.AssignInitialPosition(ev.GlobalSeqno)
	r.apply.AssignInitialPosition(ev.GlobalSeqno)
	r.commit.AssignInitialPosition(ev.GlobalSeqno)
	if r.callbacks.View != nil {
		r.callbacks.View(v, ev.ViewMembers)
	}
}

// Certify runs steps 2-3 of the pipeline (§6's certify(trx)) for a
// locally-applied trx that the DBMS wants certified without going
// through the full driver loop — the WSREP-style hook where the
// application has already speculatively applied h and now asks
// whether it may commit.
func (r *Replicator) Certify(h *trx.Handle) (keyindex.TestResult, error) {
	if err := r.waitForResume(context.Background()); err != nil {
		return keyindex.TestFailed, err
	}
	if err := r.local.Enter(h); err != nil {
		return keyindex.TestFailed, err
	}
	_ = h.TransitionTo(trx.Certifying)
	return r.cert.Append(h)
}

// CommitOrderEnter is the external hook (§6) a DBMS calls around its
// own commit, after Certify has succeeded.
func (r *Replicator) CommitOrderEnter(h *trx.Handle) error {
	_ = h.TransitionTo(trx.Applying)
	if err := r.apply.Enter(h); err != nil {
		return err
	}
	if err := r.commit.Enter(h); err != nil {
		return err
	}
	_ = h.TransitionTo(trx.Committing)
	return nil
}

// CommitOrderLeave completes the external commit hook: it marks h
// committed with the certifier and releases all three monitor slots.
func (r *Replicator) CommitOrderLeave(h *trx.Handle) {
	_ = h.TransitionTo(trx.Committed)
	r.cert.SetCommitted(h)
	r.commit.Leave(h)
	r.apply.Leave(h)
	r.local.Leave(h)
	r.svc.ReportCommitted(h.GlobalSeqno)
	r.svc.ReleaseBuffer(h.GlobalSeqno)
}

// AbortTrx is the BF-abort entry point (§6): it interrupts victim at
// the earliest monitor where it is still waiting.
func (r *Replicator) AbortTrx(victim *trx.Handle, bfSeqno seqno.Seqno) error {
	if err := victim.TransitionTo(trx.MustAbort); err != nil {
		return err
	}
	if r.local.Interrupt(victim) {
		return nil
	}
	if r.apply.Interrupt(victim) {
		return nil
	}
	r.commit.Interrupt(victim)
	return nil
}

// LastCommitted reads the apply monitor's last_left, per §6.
func (r *Replicator) LastCommitted() seqno.Seqno {
	return r.apply.LastLeft()
}

// Certifier exposes the underlying certifier for callers that need
// direct access to purge/position bookkeeping outside the normal
// pipeline flow — e.g. a demo driver forcing an immediate purge sweep
// instead of waiting for the service thread's threshold-triggered one.
func (r *Replicator) Certifier() *certification.Certifier {
	return r.cert
}

// Pause drains all three monitors to their current last_entered
// position and holds new write-sets there until Resume is called —
// used by the state-transfer coordinator around an SST/IST handoff.
// The hold gate is opened before draining starts, so nothing admitted
// after this call can race the drain to a monitor slot.
func (r *Replicator) Pause() seqno.Seqno {
	r.pauseMu.Lock()
	if r.resumeCh == nil {
		r.resumeCh = make(chan struct{})
	}
	r.pauseMu.Unlock()

	var target = r.local.LastEntered()
	r.local.Drain(target)
	r.apply.Drain(target)
	r.commit.Drain(target)
	return target
}

// Resume releases the hold Pause installed, letting write-sets blocked
// in waitForResume proceed into the local monitor again.
func (r *Replicator) Resume() {
	r.pauseMu.Lock()
	defer r.pauseMu.Unlock()
	if r.resumeCh != nil {
		close(r.resumeCh)
		r.resumeCh = nil
	}
}

// Stats returns the certifier's and all three monitors' statistics.
type Stats struct {
	Certification certification.Snapshot
	Local         monitor.Stats
	Apply         monitor.Stats
	Commit        monitor.Stats
}

func (r *Replicator) Stats() Stats {
	return Stats{
		Certification: r.cert.Stats(),
		Local:         r.local.GetStats(),
		Apply:         r.apply.GetStats(),
		Commit:        r.commit.GetStats(),
	}
}

// Close stops the replicator's service thread. Run's goroutine must
// be stopped separately by canceling its context.
func (r *Replicator) Close() {
	r.svc.Close()
}
