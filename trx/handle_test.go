package trx

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codership/galera-core/seqno"
	"github.com/codership/galera-core/wsrep"
)

func TestNewRemoteStartsReplicating(t *testing.T) {
	var h = NewRemote(5, 3, wsrep.NewSourceID(), 4, wsrep.Begin|wsrep.Commit, nil, []byte("ws"))
	require.Equal(t, Replicating, h.State())
	require.Equal(t, seqno.Seqno(5), h.GlobalSeqno)
	require.Equal(t, seqno.Undefined, h.DependsSeqno)
}

func TestTransitionToRejectsIllegalEdge(t *testing.T) {
	var h = New(wsrep.NewSourceID(), seqno.Undefined, wsrep.Begin, nil, nil)
	require.NoError(t, h.TransitionTo(Replicating))
	var err = h.TransitionTo(Committed)
	require.Error(t, err)
	var terr *TransitionError
	require.ErrorAs(t, err, &terr)
	require.Equal(t, Replicating, terr.From)
	require.Equal(t, Committed, terr.To)
	// state unchanged after a rejected transition
	require.Equal(t, Replicating, h.State())
}

func TestIsDummyTracksDependsSeqno(t *testing.T) {
	var h = NewRemote(2, 1, wsrep.NewSourceID(), 0, wsrep.Begin|wsrep.Commit, nil, nil)
	require.True(t, h.IsDummy())
	h.SetDependsSeqno(1)
	require.False(t, h.IsDummy())
	h.MarkDummy()
	require.True(t, h.IsDummy())
	require.True(t, h.Flags.Has(wsrep.Rollback))
}

func TestCertKeysAccumulateAndClear(t *testing.T) {
	var h = NewRemote(1, 1, wsrep.NewSourceID(), 0, 0, nil, nil)
	h.AddCertKey(42, wsrep.Exclusive)
	h.AddCertKey(43, wsrep.Shared)
	require.Len(t, h.CertKeys(), 2)
	h.ClearCertKeys()
	require.Empty(t, h.CertKeys())
}

func TestNBOStartAndEndFlags(t *testing.T) {
	var start = NewRemote(1, 1, wsrep.NewSourceID(), 0, wsrep.Isolation|wsrep.Begin, nil, nil)
	require.True(t, start.IsNBOStart())
	require.False(t, start.IsNBOEnd())

	var end = NewRemote(2, 2, wsrep.NewSourceID(), 0, wsrep.Isolation|wsrep.Commit, nil, nil)
	require.True(t, end.IsNBOEnd())
	require.False(t, end.IsNBOStart())
}
