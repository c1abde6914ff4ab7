package pack

import (
	"encoding/binary"
	"io"
	"math"
	"os"

	"github.com/zeebo/blake3"

	"github.com/coldvault/bupstore/internal/bkerrors"
	"github.com/coldvault/bupstore/internal/oid"
)

// bloomMagic tags the on-disk bloom filter format.
var bloomMagic = [4]byte{'B', 'L', 'O', 'M'}

const bloomVersion uint32 = 1

// Bloom is a lossy pre-filter over the oids described by a
// PackIdxList: MayContain never false-negatives (any oid actually
// present always tests positive), but may false-positive, in which
// case the caller falls through to the real idx/midx lookup. Bits are
// only ever set, never cleared, so merging filters by OR-ing their
// bit arrays — or adding more objects to the same filter — can only
// grow the set of oids it claims to contain, never shrink it.
type Bloom struct {
	bits []byte
	k    int
	nbits uint64 // total bit count
}

// bitsLen returns the filter's bit count.
func (b *Bloom) bitsLen() uint64 { return b.nbits }

// NewBloom sizes a filter for expectedEntries objects at the given
// target false-positive rate (e.g. 0.01 for 1%).
func NewBloom(expectedEntries int, falsePositiveRate float64) *Bloom {
	if expectedEntries < 1 {
		expectedEntries = 1
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}
	m := optimalBits(expectedEntries, falsePositiveRate)
	k := optimalK(m, expectedEntries)
	nbytes := (m + 7) / 8
	return &Bloom{bits: make([]byte, nbytes), k: k, nbits: uint64(nbytes) * 8}
}

func optimalBits(n int, p float64) uint64 {
	m := -float64(n) * math.Log(p) / (math.Ln2 * math.Ln2)
	bits := uint64(math.Ceil(m))
	if bits < 8 {
		bits = 8
	}
	return bits
}

func optimalK(m uint64, n int) int {
	k := int(math.Round(float64(m) / float64(n) * math.Ln2))
	if k < 1 {
		k = 1
	}
	if k > 16 {
		k = 16
	}
	return k
}

// hashes derives b.k independent bit positions for o from a single
// blake3 digest: h0 and h1 are taken from the digest halves and
// combined as h0 + i*h1, the standard double-hashing construction,
// which is safe here because blake3's output is uniform and the two
// halves are independent for this purpose.
func (b *Bloom) hashes(o oid.OID) []uint64 {
	sum := blake3.Sum256(o[:])
	h0 := binary.LittleEndian.Uint64(sum[0:8])
	h1 := binary.LittleEndian.Uint64(sum[8:16])
	out := make([]uint64, b.k)
	for i := 0; i < b.k; i++ {
		out[i] = (h0 + uint64(i)*h1) % b.bitsLen()
	}
	return out
}

// Add sets o's bits. It never clears a bit, preserving monotonicity.
func (b *Bloom) Add(o oid.OID) {
	for _, pos := range b.hashes(o) {
		b.bits[pos/8] |= 1 << (pos % 8)
	}
}

// MayContain reports whether o might be present. False means
// definitely absent; true means present-or-false-positive.
func (b *Bloom) MayContain(o oid.OID) bool {
	for _, pos := range b.hashes(o) {
		if b.bits[pos/8]&(1<<(pos%8)) == 0 {
			return false
		}
	}
	return true
}

// K returns the number of hash functions in use.
func (b *Bloom) K() int { return b.k }

// WriteTo serializes the filter: magic, version, k, bit count, bits.
func (b *Bloom) WriteTo(w io.Writer) (int64, error) {
	var hdr [4 + 4 + 4 + 8]byte
	copy(hdr[0:4], bloomMagic[:])
	binary.BigEndian.PutUint32(hdr[4:8], bloomVersion)
	binary.BigEndian.PutUint32(hdr[8:12], uint32(b.k))
	binary.BigEndian.PutUint64(hdr[12:20], b.nbits)
	n, err := w.Write(hdr[:])
	if err != nil {
		return int64(n), err
	}
	m, err := w.Write(b.bits)
	return int64(n + m), err
}

// SaveBloom writes the filter to path.
func SaveBloom(path string, b *Bloom) error {
	f, err := os.Create(path)
	if err != nil {
		return bkerrors.Wrap(bkerrors.IoError, err, "create bloom %s", path)
	}
	defer f.Close()
	if _, err := b.WriteTo(f); err != nil {
		return bkerrors.Wrap(bkerrors.IoError, err, "write bloom %s", path)
	}
	return nil
}

// LoadBloom reads a filter previously written by SaveBloom.
func LoadBloom(path string) (*Bloom, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, bkerrors.Wrap(bkerrors.IoError, err, "open bloom %s", path)
	}
	defer f.Close()

	var hdr [4 + 4 + 4 + 8]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		return nil, bkerrors.Wrap(bkerrors.Corruption, err, "bloom %s: truncated header", path)
	}
	if string(hdr[0:4]) != string(bloomMagic[:]) {
		return nil, bkerrors.New(bkerrors.Corruption, "bloom %s: bad magic", path)
	}
	if v := binary.BigEndian.Uint32(hdr[4:8]); v != bloomVersion {
		return nil, bkerrors.New(bkerrors.Corruption, "bloom %s: unsupported version %d", path, v)
	}
	k := int(binary.BigEndian.Uint32(hdr[8:12]))
	nbits := binary.BigEndian.Uint64(hdr[12:20])

	bits := make([]byte, (nbits+7)/8)
	if _, err := io.ReadFull(f, bits); err != nil {
		return nil, bkerrors.Wrap(bkerrors.Corruption, err, "bloom %s: truncated bit array", path)
	}
	return &Bloom{bits: bits, k: k, nbits: nbits}, nil
}

// Merge ORs other's bits into b in place. Both filters must share the
// same size and k (true whenever both were built by the same
// PackIdxList generation). Merging preserves the never-false-negative
// guarantee: a bit set in either input stays set in the result.
func (b *Bloom) Merge(other *Bloom) error {
	if len(b.bits) != len(other.bits) || b.k != other.k {
		return bkerrors.New(bkerrors.ConfigError, "bloom: cannot merge filters of different shape")
	}
	for i := range b.bits {
		b.bits[i] |= other.bits[i]
	}
	return nil
}
