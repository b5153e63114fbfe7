package certification

import (
	"container/heap"

	"github.com/codership/galera-core/seqno"
)

// depsHeap is a lazily-deleted min-heap of depends_seqno values.
type depsHeap []seqno.Seqno

func (h depsHeap) Len() int            { return len(h) }
func (h depsHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h depsHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *depsHeap) Push(x interface{}) { *h = append(*h, x.(seqno.Seqno)) }
func (h *depsHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

// depsSet is §3's DepsSet: a multiset of depends_seqno values of
// currently un-purged trx handles, used to compute safe-to-discard.
// Removal is lazy (count-tracked) since the heap itself doesn't
// support arbitrary deletes; Min() skips over counts that have been
// exhausted.
type depsSet struct {
	h      depsHeap
	counts map[seqno.Seqno]int
}

func newDepsSet() *depsSet {
	return &depsSet{counts: make(map[seqno.Seqno]int)}
}

// Insert adds s to the multiset. Undefined values are never inserted:
// a dummy trx contributes no dependency.
func (d *depsSet) Insert(s seqno.Seqno) {
	if s == seqno.Undefined {
		return
	}
	d.counts[s]++
	heap.Push(&d.h, s)
}

// Remove removes one occurrence of s.
func (d *depsSet) Remove(s seqno.Seqno) {
	if s == seqno.Undefined {
		return
	}
	if d.counts[s] > 0 {
		d.counts[s]--
		if d.counts[s] == 0 {
			delete(d.counts, s)
		}
	}
}

// Min returns the smallest value currently in the multiset, and false
// if it is empty.
func (d *depsSet) Min() (seqno.Seqno, bool) {
	for d.h.Len() > 0 {
		var top = d.h[0]
		if d.counts[top] > 0 {
			return top, true
		}
		heap.Pop(&d.h)
	}
	return seqno.Undefined, false
}

func (d *depsSet) Len() int {
	var n int
	for _, c := range d.counts {
		n += c
	}
	return n
}
