package pack

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"sort"

	"github.com/coldvault/bupstore/internal/bkerrors"
	"github.com/coldvault/bupstore/internal/oid"
)

// Idx is a parsed idx v2 file, kept fully in memory as a flat byte
// slice with pre-computed offsets to each section — looking an oid up
// is a fanout-narrowed binary search, no allocation per lookup.
type Idx struct {
	Path    string
	PackSHA oid.OID

	data       []byte
	count      int
	fanout     [256]uint32
	oidsAt     int
	crcAt      int
	offsetsAt  int
	largeAt    int
}

// ReadIdx parses the idx v2 file at path into memory.
func ReadIdx(path string) (*Idx, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, bkerrors.Wrap(bkerrors.IoError, err, "read idx %s", path)
	}
	return ParseIdx(path, data)
}

// ParseIdx validates and indexes an in-memory idx v2 image.
func ParseIdx(path string, data []byte) (*Idx, error) {
	const headerLen = 4 + 4 + 256*4
	if len(data) < headerLen+20+20 {
		return nil, bkerrors.New(bkerrors.Corruption, "idx %s: truncated", path)
	}
	if !bytes.Equal(data[0:4], idxMagic[:]) {
		return nil, bkerrors.New(bkerrors.Corruption, "idx %s: bad magic", path)
	}
	if v := binary.BigEndian.Uint32(data[4:8]); v != idxVersion {
		return nil, bkerrors.New(bkerrors.Corruption, "idx %s: unsupported version %d", path, v)
	}

	idx := &Idx{Path: path, data: data}
	for i := 0; i < 256; i++ {
		idx.fanout[i] = binary.BigEndian.Uint32(data[8+i*4 : 12+i*4])
	}
	idx.count = int(idx.fanout[255])

	idx.oidsAt = headerLen
	idx.crcAt = idx.oidsAt + idx.count*oid.Size
	idx.offsetsAt = idx.crcAt + idx.count*4
	idx.largeAt = idx.offsetsAt + idx.count*4

	// Large-offset table size is only known after scanning the
	// offsets for the flag bit, so locate the trailer from the end
	// instead of walking forward through it.
	trailerAt := len(data) - 40
	if trailerAt < idx.largeAt {
		return nil, bkerrors.New(bkerrors.Corruption, "idx %s: truncated large-offset table", path)
	}
	copy(idx.PackSHA[:], data[trailerAt:trailerAt+20])

	gotSelfHash := data[trailerAt+20 : trailerAt+40]
	h := newSHA1()
	h.Write(data[:trailerAt+20])
	if !bytes.Equal(h.Sum(nil), gotSelfHash) {
		return nil, bkerrors.New(bkerrors.Corruption, "idx %s: self-hash mismatch", path)
	}

	for i := 0; i < idx.count-1; i++ {
		if !idx.oidAt(i).Less(idx.oidAt(i + 1)) {
			return nil, bkerrors.New(bkerrors.Corruption, "idx %s: oids not strictly sorted at %d", path, i)
		}
	}

	return idx, nil
}

func (idx *Idx) oidAt(i int) oid.OID {
	var o oid.OID
	copy(o[:], idx.data[idx.oidsAt+i*oid.Size:idx.oidsAt+(i+1)*oid.Size])
	return o
}

func (idx *Idx) crcAtIndex(i int) uint32 {
	return binary.BigEndian.Uint32(idx.data[idx.crcAt+i*4 : idx.crcAt+i*4+4])
}

func (idx *Idx) offsetAtIndex(i int) (uint64, error) {
	raw := binary.BigEndian.Uint32(idx.data[idx.offsetsAt+i*4 : idx.offsetsAt+i*4+4])
	if raw&largeOffsetFlag == 0 {
		return uint64(raw), nil
	}
	li := int(raw &^ largeOffsetFlag)
	at := idx.largeAt + li*8
	if at+8 > len(idx.data)-40 {
		return 0, fmt.Errorf("pack: large offset index %d out of range", li)
	}
	return binary.BigEndian.Uint64(idx.data[at : at+8]), nil
}

// Count is the number of objects this idx describes.
func (idx *Idx) Count() int { return idx.count }

// search returns (index, true) if o is present, scoping the binary
// search to the fanout bucket for o's first byte.
func (idx *Idx) search(o oid.OID) (int, bool) {
	b := o.FirstByte()
	lo := 0
	if b > 0 {
		lo = int(idx.fanout[b-1])
	}
	hi := int(idx.fanout[b])
	i := lo + sort.Search(hi-lo, func(i int) bool {
		return !idx.oidAt(lo + i).Less(o)
	})
	if i < hi && idx.oidAt(i) == o {
		return i, true
	}
	return 0, false
}

// Exists reports whether o is present in this idx.
func (idx *Idx) Exists(o oid.OID) bool {
	_, ok := idx.search(o)
	return ok
}

// Lookup returns the packfile offset and CRC32 for o.
func (idx *Idx) Lookup(o oid.OID) (offset uint64, crc uint32, ok bool, err error) {
	i, found := idx.search(o)
	if !found {
		return 0, 0, false, nil
	}
	off, err := idx.offsetAtIndex(i)
	if err != nil {
		return 0, 0, false, err
	}
	return off, idx.crcAtIndex(i), true, nil
}

// Each calls fn for every oid in ascending order; it stops early if
// fn returns false.
func (idx *Idx) Each(fn func(o oid.OID, offset uint64, crc uint32) bool) error {
	for i := 0; i < idx.count; i++ {
		off, err := idx.offsetAtIndex(i)
		if err != nil {
			return err
		}
		if !fn(idx.oidAt(i), off, idx.crcAtIndex(i)) {
			return nil
		}
	}
	return nil
}
