package replicator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codership/galera-core/certification"
	"github.com/codership/galera-core/gcache"
	"github.com/codership/galera-core/keyindex"
	"github.com/codership/galera-core/monitor"
	"github.com/codership/galera-core/seqno"
	"github.com/codership/galera-core/transport"
	"github.com/codership/galera-core/trx"
	"github.com/codership/galera-core/wsrep"
)

func key(fp byte) wsrep.KeySet {
	return wsrep.KeySet{{Parts: [][]byte{{fp}}, Access: wsrep.Exclusive}}
}

func newHarness(t *testing.T, cb Callbacks) (*Replicator, wsrep.SourceID, *transport.InMemory) {
	t.Helper()
	var source = wsrep.NewSourceID()
	var gc = gcache.New(64)
	var cert = certification.New(certification.DefaultConfig(), gc)
	var tr = transport.NewInMemory(16)
	var r = New(source, 1<<20, cert, monitor.CommitOrderNoOOOC, tr, cb)
	return r, source, tr
}

func TestReplicateCommitsASingleWriteset(t *testing.T) {
	var applied, committed int
	var r, _, _ = newHarness(t, Callbacks{
		Apply:  func(context.Context, *trx.Handle) error { applied++; return nil },
		Commit: func(context.Context, *trx.Handle) error { committed++; return nil },
	})

	var ctx, cancel = context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go r.Run(ctx)

	var res = r.Replicate(ctx, wsrep.Begin|wsrep.Commit, seqno.Undefined, key(1), []byte("payload"))
	require.NoError(t, res.Err)
	require.True(t, res.Committed)
	require.Equal(t, 1, applied)
	require.Equal(t, 1, committed)
	require.Equal(t, seqno.Seqno(0), r.LastCommitted())
}

func TestReplicateConflictDummiesSecondWriteset(t *testing.T) {
	var applied int
	var r, _, _ = newHarness(t, Callbacks{
		Apply: func(context.Context, *trx.Handle) error { applied++; return nil },
	})

	var ctx, cancel = context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go r.Run(ctx)

	var first = r.Replicate(ctx, wsrep.Begin|wsrep.Commit, seqno.Undefined, key(9), []byte("a"))
	require.True(t, first.Committed)

	// A second write-set whose last_seen predates the first's commit and
	// reads (shared) the key the first wrote exclusively must fail
	// certification and come back dummied rather than committed — the
	// monitors still have to advance past it via self-cancel.
	var second = r.Replicate(ctx, wsrep.Begin|wsrep.Commit, seqno.Undefined, wsrep.KeySet{{Parts: [][]byte{{9}}, Access: wsrep.Shared}}, []byte("b"))
	require.True(t, second.RolledBack)
	require.Equal(t, 1, applied)

	// The local monitor must have advanced past both trx regardless of
	// the second one being dummied.
	require.Eventually(t, func() bool {
		return r.local.LastLeft() == seqno.Seqno(1)
	}, time.Second, time.Millisecond)
}

func TestCertifyAndCommitOrderHooksDriveALocalTrx(t *testing.T) {
	var r, source, tr = newHarness(t, Callbacks{})
	_ = tr

	var ctx, cancel = context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var h = trx.New(source, seqno.Undefined, wsrep.Begin|wsrep.Commit, key(3), []byte("x"))
	local, err := r.transport.Send(ctx, source, h.Flags, h.LastSeenSeqno, h.KeySet, h.Bytes)
	require.NoError(t, err)
	h.SetLocalSeqno(local)
	h.GlobalSeqno = local
	_ = h.TransitionTo(trx.Replicating)

	result, err := r.Certify(h)
	require.NoError(t, err)
	require.Equal(t, keyindex.TestOK, result)

	require.NoError(t, r.CommitOrderEnter(h))
	r.CommitOrderLeave(h)

	require.Equal(t, trx.Committed, h.State())
}

func TestAbortTrxInterruptsAWaitingLocalSlot(t *testing.T) {
	var r, source, _ = newHarness(t, Callbacks{})

	var h = trx.New(source, seqno.Undefined, wsrep.Begin|wsrep.Commit, key(5), []byte("y"))
	h.SetLocalSeqno(5)
	h.GlobalSeqno = 5
	_ = h.TransitionTo(trx.Replicating)

	var errCh = make(chan error, 1)
	go func() {
		errCh <- r.local.Enter(h)
	}()

	require.Eventually(t, func() bool {
		return r.local.LastEntered() == seqno.Seqno(5)
	}, time.Second, time.Millisecond)

	require.NoError(t, r.AbortTrx(h, seqno.Undefined))

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, monitor.ErrInterrupted)
	case <-time.After(time.Second):
		t.Fatal("local.Enter never returned after AbortTrx")
	}
}

func TestPauseDrainsAllThreeMonitors(t *testing.T) {
	var applied, committed int
	var r, _, _ = newHarness(t, Callbacks{
		Apply:  func(context.Context, *trx.Handle) error { applied++; return nil },
		Commit: func(context.Context, *trx.Handle) error { committed++; return nil },
	})

	var ctx, cancel = context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go r.Run(ctx)

	res := r.Replicate(ctx, wsrep.Begin|wsrep.Commit, seqno.Undefined, key(7), []byte("z"))
	require.True(t, res.Committed)

	var target = r.Pause()
	require.Equal(t, seqno.Seqno(0), target)

	// A write-set submitted while paused must stay blocked: it should
	// neither commit nor roll back until Resume is called.
	var resCh = make(chan Result, 1)
	go func() {
		resCh <- r.Replicate(ctx, wsrep.Begin|wsrep.Commit, seqno.Undefined, key(8), []byte("held"))
	}()

	select {
	case got := <-resCh:
		t.Fatalf("Replicate returned %+v while still paused", got)
	case <-time.After(100 * time.Millisecond):
	}

	r.Resume()

	select {
	case got := <-resCh:
		require.True(t, got.Committed)
	case <-time.After(time.Second):
		t.Fatal("Replicate never unblocked after Resume")
	}
}
