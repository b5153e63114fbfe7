// Package gcache is a thin reference adapter for the write-set cache
// collaborator described in §6: malloc/free/seqno_assign/seqno_release.
// The real gcache is a ring-buffer-backed, possibly disk-spilling store
// outside this core's scope; this package is the in-memory stand-in the
// replicator and its tests run against, built the way the teacher
// builds its own small bounded caches — an LRU over a capacity, not a
// hand-rolled map-plus-eviction-list.
package gcache

import (
	"sync"

	"github.com/pkg/errors"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/codership/galera-core/seqno"
)

// ErrUnknownSeqno is returned by SeqnoRelease for a seqno that was
// never assigned, or was already released and evicted.
var ErrUnknownSeqno = errors.New("gcache: unknown seqno")

type buffer struct {
	bytes        []byte
	dependsSeqno seqno.Seqno
	assigned     bool
}

// Cache is the reference Gcache collaborator: a bounded LRU of
// buffers, keyed by global_seqno once assigned. Capacity is in number
// of buffers, not bytes — good enough for a reference adapter that
// exists to exercise the certifier's purge path in tests and the demo
// CLI, not to model gcache's real ring-buffer/recovery file behavior.
type Cache struct {
	mu  sync.Mutex
	lru *lru.Cache[seqno.Seqno, *buffer]
}

// New returns a Cache holding at most capacity buffers, evicting the
// least recently touched one once full.
func New(capacity int) *Cache {
	l, err := lru.New[seqno.Seqno, *buffer](capacity)
	if err != nil {
		// Only returns an error for capacity <= 0, which is a caller
		// bug, not a runtime condition this package should paper over.
		panic(errors.Wrap(err, "gcache: invalid capacity"))
	}
	return &Cache{lru: l}
}

// Malloc allocates a buffer of size bytes, not yet assigned to any
// seqno. The returned slice is the caller's to fill with the write-set
// payload before calling Assign.
func (c *Cache) Malloc(size int) []byte {
	return make([]byte, size)
}

// Free discards a buffer that was malloc'd but never assigned. Nothing
// in this module calls it.
func (c *Cache) Free(buf []byte) {
	// The reference cache has nothing to release for an unassigned
	// buffer: it never entered the LRU. Kept as a named method so
	// callers mirror the real collaborator's lifecycle regardless.
	_ = buf
}

// Assign records buf against global_seqno/dependsSeqno, making it
// retrievable by seqno and eligible for LRU eviction.
func (c *Cache) Assign(buf []byte, global, depends seqno.Seqno) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(global, &buffer{bytes: buf, dependsSeqno: depends, assigned: true})
}

// Get returns the buffer assigned to s, if still cached.
func (c *Cache) Get(s seqno.Seqno) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.lru.Get(s)
	if !ok {
		return nil, false
	}
	return b.bytes, true
}

// SeqnoRelease implements certification.GcacheReleaser: it drops the
// buffer assigned to s. Releasing an already-evicted or never-assigned
// seqno returns ErrUnknownSeqno in both cases; the two are not told
// apart. The certifier treats any error here as a fatal inconsistency
// per §7.
func (c *Cache) SeqnoRelease(s seqno.Seqno) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.lru.Remove(s) {
		return errors.Wrapf(ErrUnknownSeqno, "seqno %d", int64(s))
	}
	return nil
}

// Len reports how many buffers are currently cached, used by tests.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
