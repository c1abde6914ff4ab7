// Package oid implements the engine's content identifiers.
//
// An oid is the SHA-1 hash of a kind-tagged, size-prefixed payload:
//
//	SHA1(kind-name || " " || decimal-size || NUL || payload)
//
// The hash is fixed at 160 bits for compatibility with existing
// repositories; it is not configurable.
package oid

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strconv"
)

// Size is the raw length of an oid in bytes.
const Size = 20

// OID is a 20-byte object identifier.
type OID [Size]byte

// Zero is the all-zero oid, used as the "none" sentinel for ref CAS checks.
var Zero OID

// Kind names the four object kinds recognized by the engine. A
// symlink target and a metadata record are both stored as a kind-Blob
// object; the distinction is semantic, carried by the tree entry mode
// that points at them, not by the object kind byte.
type Kind string

const (
	KindBlob   Kind = "blob"
	KindTree   Kind = "tree"
	KindCommit Kind = "commit"
)

// Of computes the oid of a payload tagged with kind.
func Of(kind Kind, payload []byte) OID {
	h := sha1.New()
	fmt.Fprintf(h, "%s %d\x00", kind, len(payload))
	h.Write(payload)
	var out OID
	copy(out[:], h.Sum(nil))
	return out
}

// String renders the oid as 40 lowercase hex characters.
func (o OID) String() string {
	return hex.EncodeToString(o[:])
}

// IsZero reports whether o is the all-zero sentinel.
func (o OID) IsZero() bool {
	return o == Zero
}

// Parse decodes a 40-character hex string into an oid.
func Parse(s string) (OID, error) {
	var out OID
	if len(s) != Size*2 {
		return out, fmt.Errorf("oid: wrong length %d, want %d", len(s), Size*2)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, fmt.Errorf("oid: %w", err)
	}
	copy(out[:], b)
	return out, nil
}

// MustParse is Parse but panics on error; useful for table-driven tests
// and constants derived from known-good hex strings.
func MustParse(s string) OID {
	o, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return o
}

// Less reports whether o sorts before other in the byte-lexicographic
// order used by idx and midx fanout tables.
func (o OID) Less(other OID) bool {
	for i := range o {
		if o[i] != other[i] {
			return o[i] < other[i]
		}
	}
	return false
}

// FirstByte returns the leading byte used to index the 256-entry
// fanout table in idx v2 and midx files.
func (o OID) FirstByte() byte {
	return o[0]
}

// ParseDecimalSize is a small helper shared by the object encoders,
// which embed ASCII decimal sizes in a few header lines.
func ParseDecimalSize(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("oid: invalid size %q: %w", s, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("oid: negative size %q", s)
	}
	return n, nil
}
