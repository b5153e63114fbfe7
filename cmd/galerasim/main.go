// Command galerasim replays the end-to-end scenarios from the
// certification core's testable-properties table against an
// in-process replicator: an in-memory transport standing in for
// group communication, a bounded gcache, and trivial apply/commit
// callbacks. It exists to demonstrate the pipeline driving real
// traffic through certify/apply/commit, not to benchmark it.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	flags "github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/codership/galera-core/certification"
	"github.com/codership/galera-core/config"
	"github.com/codership/galera-core/gcache"
	"github.com/codership/galera-core/monitor"
	"github.com/codership/galera-core/replicator"
	"github.com/codership/galera-core/seqno"
	"github.com/codership/galera-core/transport"
	"github.com/codership/galera-core/trx"
	"github.com/codership/galera-core/wsrep"
)

type cliOptions struct {
	Verbose bool `long:"verbose" description:"Log at debug level."`
}

func main() {
	var opts cliOptions
	if _, err := flags.NewParser(&opts, flags.Default).Parse(); err != nil {
		os.Exit(1)
	}
	if opts.Verbose {
		log.SetLevel(log.DebugLevel)
	}

	var pass = color.New(color.FgGreen, color.Bold)
	var fail = color.New(color.FgRed, color.Bold)

	var scenarios = []struct {
		name string
		run  func() error
	}{
		{"two non-conflicting trx commit in parallel", scenarioNonConflicting},
		{"a stale-seen conflict dummies the second trx", scenarioConflict},
		{"shared access promotes to an exclusive dependency", scenarioSharedExclusivePromotion},
		{"a TOI write-set certifies as a hard barrier", scenarioIsolation},
		{"a BF-abort rolls back the interrupted local trx", scenarioBFAbort},
		{"100 committed trx purge in one sweep", scenarioBulkPurge},
	}

	var failures int
	for _, s := range scenarios {
		if err := s.run(); err != nil {
			fail.Printf("FAIL  %s: %v\n", s.name, err)
			failures++
		} else {
			pass.Printf("PASS  %s\n", s.name)
		}
	}

	if failures > 0 {
		os.Exit(1)
	}
}

func newRig(commitOrder monitor.CommitOrder) (*replicator.Replicator, context.Context, context.CancelFunc) {
	var opts, _ = config.Parse(nil)
	var cfg = opts.CertificationConfig()
	var gc = gcache.New(4096)
	var cert = certification.New(cfg, gc)
	var tr = transport.NewInMemory(64)
	var source = wsrep.NewSourceID()

	var r = replicator.New(source, opts.Repl.MaxWriteSetSize, cert, commitOrder, tr, replicator.Callbacks{
		Apply:  func(context.Context, *trx.Handle) error { return nil },
		Commit: func(context.Context, *trx.Handle) error { return nil },
	})

	var ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	go r.Run(ctx)
	return r, ctx, cancel
}

func key(fp byte, access wsrep.AccessType) wsrep.KeySet {
	return wsrep.KeySet{{Parts: [][]byte{{fp}}, Access: access}}
}

func scenarioNonConflicting() error {
	r, ctx, cancel := newRig(monitor.CommitOrderNoOOOC)
	defer cancel()

	var g, gctx = errgroup.WithContext(ctx)
	var results = make([]replicator.Result, 2)

	g.Go(func() error {
		results[0] = r.Replicate(gctx, wsrep.Begin|wsrep.Commit, seqno.Undefined, key(1, wsrep.Exclusive), []byte("a"))
		return nil
	})
	g.Go(func() error {
		results[1] = r.Replicate(gctx, wsrep.Begin|wsrep.Commit, seqno.Undefined, key(2, wsrep.Exclusive), []byte("b"))
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	for i, res := range results {
		if !res.Committed {
			return fmt.Errorf("trx %d did not commit: %v", i, res.Err)
		}
	}
	if r.LastCommitted() != 1 {
		return fmt.Errorf("expected last_committed=1, got %d", r.LastCommitted())
	}
	return nil
}

func scenarioConflict() error {
	r, ctx, cancel := newRig(monitor.CommitOrderNoOOOC)
	defer cancel()

	var a = r.Replicate(ctx, wsrep.Begin|wsrep.Commit, seqno.Undefined, key(1, wsrep.Exclusive), []byte("a"))
	if !a.Committed {
		return fmt.Errorf("trx A did not commit: %v", a.Err)
	}

	// B claims to have last seen the position before A committed, yet
	// reads (shared) the key A wrote exclusively: it must be dummied.
	var b = r.Replicate(ctx, wsrep.Begin|wsrep.Commit, seqno.Undefined, key(1, wsrep.Shared), []byte("b"))
	if !b.RolledBack {
		return fmt.Errorf("trx B expected to be dummied, got %+v", b)
	}
	if r.LastCommitted() != 1 {
		return fmt.Errorf("apply monitor should still have advanced past the dummy: last_committed=%d", r.LastCommitted())
	}
	return nil
}

func scenarioSharedExclusivePromotion() error {
	r, ctx, cancel := newRig(monitor.CommitOrderNoOOOC)
	defer cancel()

	var a = r.Replicate(ctx, wsrep.Begin|wsrep.Commit, seqno.Undefined, key(1, wsrep.Shared), []byte("a"))
	var b = r.Replicate(ctx, wsrep.Begin|wsrep.Commit, seqno.Undefined, key(1, wsrep.Shared), []byte("b"))
	if !a.Committed || !b.Committed {
		return fmt.Errorf("shared readers A/B expected to both commit: %+v %+v", a, b)
	}

	var c = r.Replicate(ctx, wsrep.Begin|wsrep.Commit, 1, key(1, wsrep.Exclusive), []byte("c"))
	if !c.Committed {
		return fmt.Errorf("exclusive writer C expected to commit depending on B: %v", c.Err)
	}

	var d = r.Replicate(ctx, wsrep.Begin|wsrep.Commit, seqno.Undefined, key(1, wsrep.Shared), []byte("d"))
	if !d.RolledBack {
		return fmt.Errorf("shared reader D expected to fail against C's exclusive hold, got %+v", d)
	}
	return nil
}

func scenarioIsolation() error {
	r, ctx, cancel := newRig(monitor.CommitOrderNoOOOC)
	defer cancel()

	var a = r.Replicate(ctx, wsrep.Begin|wsrep.Commit|wsrep.Isolation, seqno.Undefined, key(1, wsrep.Exclusive), []byte("ddl"))
	if !a.Committed {
		return fmt.Errorf("isolated trx A expected to commit: %v", a.Err)
	}

	var b = r.Replicate(ctx, wsrep.Begin|wsrep.Commit, seqno.Undefined, key(1, wsrep.Exclusive), []byte("b"))
	if !b.Committed {
		return fmt.Errorf("trx B following the isolated barrier expected to commit: %v", b.Err)
	}
	return nil
}

func scenarioBFAbort() error {
	var entered = make(chan *trx.Handle, 1)
	var release = make(chan struct{})

	var opts, _ = config.Parse(nil)
	var gc = gcache.New(64)
	var cert = certification.New(opts.CertificationConfig(), gc)
	var tr = transport.NewInMemory(8)
	var source = wsrep.NewSourceID()

	var r = replicator.New(source, opts.Repl.MaxWriteSetSize, cert, monitor.CommitOrderNoOOOC, tr, replicator.Callbacks{
		Apply: func(_ context.Context, h *trx.Handle) error {
			entered <- h
			<-release
			return nil
		},
	})

	var ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go r.Run(ctx)

	var victimDone = make(chan replicator.Result, 1)
	go func() {
		victimDone <- r.Replicate(ctx, wsrep.Begin|wsrep.Commit, seqno.Undefined, key(9, wsrep.Exclusive), []byte("victim"))
	}()

	var victim = <-entered
	if err := r.AbortTrx(victim, seqno.Undefined); err != nil {
		close(release)
		return fmt.Errorf("abort_trx failed: %w", err)
	}
	close(release)

	select {
	case res := <-victimDone:
		if !res.RolledBack {
			return fmt.Errorf("aborted victim expected to roll back, got %+v", res)
		}
	case <-time.After(2 * time.Second):
		return fmt.Errorf("victim never resolved after abort")
	}
	return nil
}

func scenarioBulkPurge() error {
	r, ctx, cancel := newRig(monitor.CommitOrderNoOOOC)
	defer cancel()

	for i := 0; i < 100; i++ {
		var res = r.Replicate(ctx, wsrep.Begin|wsrep.Commit, seqno.Undefined, key(byte(i), wsrep.Exclusive), []byte{byte(i)})
		if !res.Committed {
			return fmt.Errorf("trx %d did not commit: %v", i, res.Err)
		}
	}

	var cert = r.Certifier()
	var safe = cert.SafeToDiscard()
	purged, err := cert.PurgeUpto(safe)
	if err != nil {
		return fmt.Errorf("purge_upto(%d) failed: %w", int64(safe), err)
	}
	if purged != safe {
		return fmt.Errorf("purge_upto clamped to %d, expected %d", int64(purged), int64(safe))
	}

	var stats = r.Stats()
	log.WithField("certification", stats.Certification).Debug("bulk purge scenario stats")
	return nil
}
