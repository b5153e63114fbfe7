package monitor

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codership/galera-core/seqno"
)

type item struct {
	s seqno.Seqno
}

func fifoMonitor() *Monitor[*item] {
	return New[*item]("test",
		func(it *item) seqno.Seqno { return it.s },
		func(_ *item, _, lastLeft seqno.Seqno) bool { return true },
	)
}

func TestEnterLeaveAdvancesLastLeft(t *testing.T) {
	var m = fifoMonitor()
	var a = &item{0}

	require.NoError(t, m.Enter(a))
	require.Equal(t, seqno.Seqno(0), m.LastEntered())
	m.Leave(a)
	require.Equal(t, seqno.Seqno(0), m.LastLeft())
}

func TestOutOfOrderLeaveWaitsForContiguousWindow(t *testing.T) {
	var m = fifoMonitor()
	var a, b = &item{0}, &item{1}

	require.NoError(t, m.Enter(a))
	require.NoError(t, m.Enter(b))

	m.Leave(b) // out of order: a hasn't left yet
	require.Equal(t, seqno.Undefined, m.LastLeft())

	m.Leave(a)
	require.Equal(t, seqno.Seqno(1), m.LastLeft()) // both a and b drain through
}

func TestInterruptCancelsWaitingSlot(t *testing.T) {
	var depsReady = false
	var mu sync.Mutex

	var m = New[*item]("test",
		func(it *item) seqno.Seqno { return it.s },
		func(_ *item, _, _ seqno.Seqno) bool {
			mu.Lock()
			defer mu.Unlock()
			return depsReady
		},
	)

	var victim = &item{1}
	var done = make(chan error, 1)
	go func() { done <- m.Enter(victim) }()

	require.Eventually(t, func() bool { return m.Interrupt(victim) }, time.Second, time.Millisecond)

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrInterrupted)
	case <-time.After(time.Second):
		t.Fatal("Enter did not return after Interrupt")
	}
}

func TestDrainBlocksUntilLastLeftReachesTarget(t *testing.T) {
	var m = fifoMonitor()
	var a, b = &item{0}, &item{1}
	require.NoError(t, m.Enter(a))
	require.NoError(t, m.Enter(b))

	var drained = make(chan struct{})
	go func() {
		m.Drain(1)
		close(drained)
	}()

	select {
	case <-drained:
		t.Fatal("drain returned before last_left reached target")
	case <-time.After(20 * time.Millisecond):
	}

	m.Leave(a)
	m.Leave(b)

	select {
	case <-drained:
	case <-time.After(time.Second):
		t.Fatal("drain did not unblock once last_left caught up")
	}
}

func TestBypassModeIsANoOp(t *testing.T) {
	var m = fifoMonitor()
	m.SetBypass(true)

	var a = &item{100}
	require.NoError(t, m.Enter(a))
	m.Leave(a)
	require.Equal(t, seqno.Undefined, m.LastLeft())
}

func TestSelfCancelAdvancesWindowWithoutApplying(t *testing.T) {
	var m = fifoMonitor()
	var a = &item{0}
	m.SelfCancel(a)
	require.Equal(t, seqno.Seqno(0), m.LastLeft())
}

func TestAssignInitialPositionFastForwards(t *testing.T) {
	var m = fifoMonitor()
	m.AssignInitialPosition(41)
	require.Equal(t, seqno.Seqno(41), m.LastLeft())
	require.Equal(t, seqno.Seqno(41), m.LastEntered())

	var a = &item{42}
	require.NoError(t, m.Enter(a))
	m.Leave(a)
	require.Equal(t, seqno.Seqno(42), m.LastLeft())
}
