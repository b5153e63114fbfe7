// Package seqno defines the ordinal identifiers that drive the
// certification and monitor packages: the cluster-wide global seqno,
// the node-local seqno and the simple arithmetic used to compare them.
package seqno

// Seqno is a signed, monotonically increasing ordinal. It never wraps
// in practice, so comparisons are plain arithmetic.
type Seqno int64

// Undefined marks the absence of a seqno: a dummy write-set's
// depends-seqno, an unset position, or a not-yet-assigned local seqno.
const Undefined Seqno = -1

// Defined reports whether s carries a real position.
func (s Seqno) Defined() bool {
	return s != Undefined
}

// Next returns the seqno immediately following s.
func (s Seqno) Next() Seqno {
	return s + 1
}

// Prev returns the seqno immediately preceding s.
func (s Seqno) Prev() Seqno {
	return s - 1
}

// Max returns the greater of a and b, treating Undefined as the
// smallest possible value.
func Max(a, b Seqno) Seqno {
	if a > b {
		return a
	}
	return b
}

// Min returns the lesser of a and b. Undefined (-1) sorts below any
// defined seqno, which matches its use as "no dependency yet".
func Min(a, b Seqno) Seqno {
	if a < b {
		return a
	}
	return b
}
