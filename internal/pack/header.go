package pack

import (
	"bufio"
	"fmt"

	"github.com/coldvault/bupstore/internal/oid"
)

// objType is the 3-bit type tag embedded in a pack object header. It
// is a physical encoding detail distinct from oid.Kind (commit is
// reused as-is; blob covers both plain blobs and the
// symlink/metadata records, which share kind "blob" per the object
// model).
type objType byte

const (
	typeCommit objType = 1
	typeTree   objType = 2
	typeBlob   objType = 3
)

func kindToType(k oid.Kind) (objType, error) {
	switch k {
	case oid.KindCommit:
		return typeCommit, nil
	case oid.KindTree:
		return typeTree, nil
	case oid.KindBlob:
		return typeBlob, nil
	default:
		return 0, fmt.Errorf("pack: unknown object kind %q", k)
	}
}

func (t objType) kind() (oid.Kind, error) {
	switch t {
	case typeCommit:
		return oid.KindCommit, nil
	case typeTree:
		return oid.KindTree, nil
	case typeBlob:
		return oid.KindBlob, nil
	default:
		return "", fmt.Errorf("pack: unknown object type %d", t)
	}
}

// encodeObjectHeader encodes (type, uncompressed size) the way the
// reference packfile format does: the first byte carries 3 type bits
// and the low 4 size bits, with a continuation bit; every following
// byte carries 7 more size bits, continuation-bit terminated. It
// returns the raw bytes rather than writing them directly so callers
// can fold them into a running checksum before handing them to the
// underlying writer.
func encodeObjectHeader(t objType, size int) []byte {
	out := make([]byte, 0, 5)
	first := byte(t) << 4
	first |= byte(size) & 0x0f
	size >>= 4
	if size > 0 {
		first |= 0x80
	}
	out = append(out, first)
	for size > 0 {
		b := byte(size) & 0x7f
		size >>= 7
		if size > 0 {
			b |= 0x80
		}
		out = append(out, b)
	}
	return out
}

// readObjectHeader is the inverse of encodeObjectHeader.
func readObjectHeader(r *bufio.Reader) (objType, int, int, error) {
	first, err := r.ReadByte()
	if err != nil {
		return 0, 0, 0, err
	}
	n := 1
	t := objType((first >> 4) & 0x7)
	size := int(first & 0x0f)
	shift := 4
	for first&0x80 != 0 {
		b, err := r.ReadByte()
		if err != nil {
			return 0, 0, 0, err
		}
		n++
		size |= int(b&0x7f) << shift
		shift += 7
		first = b
	}
	return t, size, n, nil
}
