// Package wsrep holds the small vocabulary types shared between the
// certification, key-index and trx packages: node identity, key access
// types and the write-set flag bit-set. The name follows the ABI the
// replication core is written against (the write-set replication API).
package wsrep

import (
	"fmt"

	"github.com/google/uuid"
)

// SourceID identifies the node that originated a write-set. It is an
// opaque 16-byte identifier, backed by a UUID as the teacher's own
// node/source identifiers are (see go/flow/raw_json.go's use of
// github.com/google/uuid for UUID-shaped wire fields).
type SourceID uuid.UUID

// SourceIDUndefined is the zero-value source, used by tests and
// bootstrapping code that has not yet learned the real node identity.
var SourceIDUndefined = SourceID{}

// NewSourceID mints a fresh random source identifier.
func NewSourceID() SourceID {
	return SourceID(uuid.New())
}

func (s SourceID) String() string {
	return uuid.UUID(s).String()
}

// AccessType orders key accesses from weakest to strongest. The
// numeric order matters: it is used to index the fixed-size reference
// array in a KeyEntry and to evaluate the conflict matrix.
type AccessType uint8

const (
	Shared AccessType = iota
	Reference
	Update
	Exclusive

	// AccessTypeCount is the number of access-type slots a KeyEntry holds.
	AccessTypeCount = int(Exclusive) + 1
)

func (a AccessType) String() string {
	switch a {
	case Shared:
		return "SHARED"
	case Reference:
		return "REFERENCE"
	case Update:
		return "UPDATE"
	case Exclusive:
		return "EXCLUSIVE"
	default:
		return fmt.Sprintf("AccessType(%d)", uint8(a))
	}
}

// Key is a single key reference within a write-set's key-set: the raw
// byte content of the key (including any version flags that make the
// fingerprint stable across schema changes) plus the access type the
// write-set requires on it.
type Key struct {
	Parts  [][]byte
	Access AccessType
}

// KeySet is the ordered sequence of keys a write-set touches.
type KeySet []Key

// Flags is a bit-set of write-set properties.
type Flags uint32

const (
	Begin Flags = 1 << iota
	Commit
	Rollback
	Isolation // total-order isolation (TOI)
	PAUnsafe  // disables parallel apply
	Commutative
	Preordered
	Prepare
	Snapshot
	ImplicitDeps
)

// Has reports whether all bits in mask are set in f.
func (f Flags) Has(mask Flags) bool {
	return f&mask == mask
}

// Any reports whether at least one bit in mask is set in f.
func (f Flags) Any(mask Flags) bool {
	return f&mask != 0
}
