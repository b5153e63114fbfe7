package keyindex

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codership/galera-core/seqno"
	"github.com/codership/galera-core/trx"
	"github.com/codership/galera-core/wsrep"
)

func key(id string, access wsrep.AccessType) wsrep.Key {
	return wsrep.Key{Parts: [][]byte{[]byte(id)}, Access: access}
}

func TestNonConflictingTrxFromDifferentNodes(t *testing.T) {
	var idx = New()
	var nodeA, nodeB = wsrep.NewSourceID(), wsrep.NewSourceID()

	var a = trx.NewRemote(1, 1, nodeA, 0, wsrep.Begin|wsrep.Commit, wsrep.KeySet{key("K1", wsrep.Exclusive)}, nil)
	var r, dep = idx.TestAndRef(a)
	require.Equal(t, TestOK, r)
	require.Equal(t, seqno.Undefined, dep)

	var b = trx.NewRemote(2, 2, nodeB, 0, wsrep.Begin|wsrep.Commit, wsrep.KeySet{key("K2", wsrep.Exclusive)}, nil)
	r, dep = idx.TestAndRef(b)
	require.Equal(t, TestOK, r)
	require.Equal(t, seqno.Undefined, dep)
}

func TestConflictWhenWriterDidNotSeePriorWriter(t *testing.T) {
	var idx = New()
	var nodeA, nodeB = wsrep.NewSourceID(), wsrep.NewSourceID()

	var a = trx.NewRemote(1, 1, nodeA, 0, wsrep.Begin|wsrep.Commit, wsrep.KeySet{key("K1", wsrep.Exclusive)}, nil)
	r, _ := idx.TestAndRef(a)
	require.Equal(t, TestOK, r)

	var b = trx.NewRemote(2, 2, nodeB, 0, wsrep.Begin|wsrep.Commit, wsrep.KeySet{key("K1", wsrep.Exclusive)}, nil)
	r, _ = idx.TestAndRef(b)
	require.Equal(t, TestFailed, r)
}

func TestSharedExclusivePromotion(t *testing.T) {
	var idx = New()
	var n1, n2, n3, n4 = wsrep.NewSourceID(), wsrep.NewSourceID(), wsrep.NewSourceID(), wsrep.NewSourceID()

	var a = trx.NewRemote(1, 1, n1, 0, wsrep.Begin|wsrep.Commit, wsrep.KeySet{key("K1", wsrep.Shared)}, nil)
	r, _ := idx.TestAndRef(a)
	require.Equal(t, TestOK, r)

	var b = trx.NewRemote(2, 2, n2, 0, wsrep.Begin|wsrep.Commit, wsrep.KeySet{key("K1", wsrep.Shared)}, nil)
	r, _ = idx.TestAndRef(b)
	require.Equal(t, TestOK, r)

	var c = trx.NewRemote(3, 3, n3, 2, wsrep.Begin|wsrep.Commit, wsrep.KeySet{key("K1", wsrep.Exclusive)}, nil)
	r, dep := idx.TestAndRef(c)
	require.Equal(t, TestOK, r)
	require.Equal(t, seqno.Seqno(2), dep)

	var d = trx.NewRemote(4, 4, n4, 2, wsrep.Begin|wsrep.Commit, wsrep.KeySet{key("K1", wsrep.Shared)}, nil)
	r, _ = idx.TestAndRef(d)
	require.Equal(t, TestFailed, r)
}

func TestIsolationBypassesPerKeyTest(t *testing.T) {
	var idx = New()
	var n1, n2 = wsrep.NewSourceID(), wsrep.NewSourceID()

	var a = trx.NewRemote(1, 1, n1, 0, wsrep.Isolation|wsrep.Begin|wsrep.Commit, wsrep.KeySet{key("K1", wsrep.Exclusive)}, nil)
	r, dep := idx.TestAndRef(a)
	require.Equal(t, TestOK, r)
	require.Equal(t, seqno.Undefined, dep)

	// Different source, not visible: a regular trx still fails against
	// the isolation trx's reference.
	var b = trx.NewRemote(2, 2, n2, 0, wsrep.Begin|wsrep.Commit, wsrep.KeySet{key("K1", wsrep.Exclusive)}, nil)
	r, _ = idx.TestAndRef(b)
	require.Equal(t, TestFailed, r, "regular trx still conflicts with an isolation ref it hasn't seen")

	var c = trx.NewRemote(3, 3, n1, 1, wsrep.Begin|wsrep.Commit, wsrep.KeySet{key("K1", wsrep.Exclusive)}, nil)
	r, dep = idx.TestAndRef(c)
	require.Equal(t, TestOK, r, "same source as isolation trx, with last_seen covering it")
	require.Equal(t, seqno.Seqno(1), dep)
}

func TestPurgeIsIdempotentAndClearsEntries(t *testing.T) {
	var idx = New()
	var n1 = wsrep.NewSourceID()
	var a = trx.NewRemote(1, 1, n1, 0, wsrep.Begin|wsrep.Commit, wsrep.KeySet{key("K1", wsrep.Exclusive), key("K2", wsrep.Shared)}, nil)
	var r, _ = idx.TestAndRef(a)
	require.Equal(t, TestOK, r)
	require.Equal(t, 2, idx.Len())

	idx.Purge(a)
	require.Equal(t, 0, idx.Len())
	require.Empty(t, a.CertKeys())

	// Idempotent: purging again is a no-op.
	idx.Purge(a)
	require.Equal(t, 0, idx.Len())
}

func TestFailedTestDoesNotStoreTheFailingKey(t *testing.T) {
	var idx = New()
	var n1, n2 = wsrep.NewSourceID(), wsrep.NewSourceID()

	var a = trx.NewRemote(1, 1, n1, 0, wsrep.Begin|wsrep.Commit, wsrep.KeySet{key("K1", wsrep.Exclusive)}, nil)
	idx.TestAndRef(a)

	// b touches K2 (succeeds) then K1 (fails): K2 must not remain referenced
	// once the caller purges b's partial inserts.
	var b = trx.NewRemote(2, 2, n2, 0, wsrep.Begin|wsrep.Commit, wsrep.KeySet{key("K2", wsrep.Exclusive), key("K1", wsrep.Exclusive)}, nil)
	var r, _ = idx.TestAndRef(b)
	require.Equal(t, TestFailed, r)
	require.Len(t, b.CertKeys(), 1, "K2 was referenced before the failing K1 lookup")

	idx.Purge(b)
	require.Equal(t, 1, idx.Len(), "only K1 (owned by a) should remain")
}
