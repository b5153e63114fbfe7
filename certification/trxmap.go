package certification

import (
	"github.com/codership/galera-core/seqno"
	"github.com/codership/galera-core/trx"
)

// trxMap is the insertion-ordered global_seqno -> *trx.Handle mapping
// §3 calls TrxMap. Insertion is always in increasing seqno order (the
// certifier only ever appends at position+1), so a plain slice doubles
// as the ordered index needed for bulk purge and "lowest trx" lookups.
type trxMap struct {
	order   []seqno.Seqno
	handles map[seqno.Seqno]*trx.Handle
}

func newTrxMap() *trxMap {
	return &trxMap{handles: make(map[seqno.Seqno]*trx.Handle)}
}

func (m *trxMap) insert(h *trx.Handle) {
	m.order = append(m.order, h.GlobalSeqno)
	m.handles[h.GlobalSeqno] = h
}

func (m *trxMap) get(s seqno.Seqno) (*trx.Handle, bool) {
	h, ok := m.handles[s]
	return h, ok
}

func (m *trxMap) len() int {
	return len(m.handles)
}

// lowest returns the smallest seqno currently present, and false if
// the map is empty.
func (m *trxMap) lowest() (seqno.Seqno, bool) {
	for _, s := range m.order {
		if _, ok := m.handles[s]; ok {
			return s, true
		}
	}
	return seqno.Undefined, false
}

// purgeUpto removes every entry with seqno <= cutoff and returns the
// removed handles in increasing seqno order.
func (m *trxMap) purgeUpto(cutoff seqno.Seqno) []*trx.Handle {
	var purged []*trx.Handle
	var remaining = m.order[:0]
	for _, s := range m.order {
		if h, ok := m.handles[s]; ok {
			if s <= cutoff {
				purged = append(purged, h)
				delete(m.handles, s)
				continue
			}
		}
		remaining = append(remaining, s)
	}
	m.order = remaining
	return purged
}
