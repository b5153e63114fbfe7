package keyindex

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/minio/highwayhash"

	"github.com/codership/galera-core/wsrep"
)

// fingerprintKey is the fixed 32-byte HighwayHash key, read once at
// init the way the teacher reads its own (go/flow/mapping.go's
// highwayHashKey, sourced from /dev/random at authoring time). A fixed
// key is fine here: this hash keys an in-process map, it is never
// compared across nodes or persisted, so there is no need for it to be
// either secret or reproducible from an external source.
var fingerprintKey, _ = hex.DecodeString("ba737e89155238d47d8067c35aad4d25ecdd1c3488227e011ffa480c022bd3ba")

// Fingerprint computes the stable hash a KeyIndex bucket is keyed by.
// Two write-sets asking for different access on otherwise identical
// bytes must land in the same bucket (the conflict matrix is evaluated
// per key, across access types), so the access type is excluded from
// the hash. Only the key part bytes are folded in, matching KeyEntryNG's key().hash() in the
// original, which hashes the key content alone.
func Fingerprint(k wsrep.Key) uint64 {
	d, err := highwayhash.New64(fingerprintKey)
	if err != nil {
		panic(err) // fingerprintKey is a fixed, known-valid 32 bytes
	}
	for _, part := range k.Parts {
		var lenBuf [8]byte
		binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(part)))
		d.Write(lenBuf[:])
		d.Write(part)
	}
	return d.Sum64()
}
