package pack

import (
	"crypto/sha1"
	"encoding/binary"
	"hash"
	"io"
	"sort"

	"github.com/coldvault/bupstore/internal/bkerrors"
	"github.com/coldvault/bupstore/internal/oid"
)

// idxMagic is the 4-byte signature at the start of every idx v2 file.
var idxMagic = [4]byte{0xff, 'T', 'O', 'c'}

const idxVersion uint32 = 2

// largeOffsetFlag marks a 4-byte offset-table entry whose real value
// lives in the large-offset table instead of fitting in 31 bits.
const largeOffsetFlag = uint32(1) << 31

func newSHA1() hash.Hash { return sha1.New() }

// WriteIdxV2 serializes entries (sorted here by oid if they aren't
// already) into the reference idx v2 layout:
//
//	8B  magic + version (4B magic, 4B version BE)
//	1024B 256-entry u32 fanout table (cumulative counts by first oid byte)
//	20B*N sorted oids
//	4B*N  CRC32 checksums, same order as the oids
//	4B*N  packfile offsets; top bit set means "look up the real
//	      63-bit offset in the large-offset table that follows"
//	8B*K  large-offset table, one entry per offset that didn't fit
//	20B   SHA-1 of the pack this idx describes
//	20B   SHA-1 of every byte written above (the idx's own self-hash)
func WriteIdxV2(w io.Writer, entries []idxEntry, packSHA oid.OID) error {
	sorted := make([]idxEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].oid.Less(sorted[j].oid) })

	for i := 1; i < len(sorted); i++ {
		if sorted[i].oid == sorted[i-1].oid {
			return bkerrors.New(bkerrors.Corruption, "duplicate oid %s while writing idx", sorted[i].oid)
		}
	}

	h := newSHA1()
	mw := io.MultiWriter(w, h)

	if _, err := mw.Write(idxMagic[:]); err != nil {
		return wrapIdxErr(err)
	}
	if err := writeU32(mw, idxVersion); err != nil {
		return err
	}

	var fanout [256]uint32
	for _, e := range sorted {
		fanout[e.oid.FirstByte()]++
	}
	for i := 1; i < 256; i++ {
		fanout[i] += fanout[i-1]
	}
	for _, v := range fanout {
		if err := writeU32(mw, v); err != nil {
			return err
		}
	}

	for _, e := range sorted {
		if _, err := mw.Write(e.oid[:]); err != nil {
			return wrapIdxErr(err)
		}
	}

	for _, e := range sorted {
		if err := writeU32(mw, e.crc); err != nil {
			return err
		}
	}

	var large []uint64
	for _, e := range sorted {
		if e.offset > 0x7fffffff {
			if err := writeU32(mw, largeOffsetFlag|uint32(len(large))); err != nil {
				return err
			}
			large = append(large, e.offset)
			continue
		}
		if err := writeU32(mw, uint32(e.offset)); err != nil {
			return err
		}
	}
	for _, off := range large {
		if err := writeU64(mw, off); err != nil {
			return err
		}
	}

	if _, err := mw.Write(packSHA[:]); err != nil {
		return wrapIdxErr(err)
	}

	if _, err := w.Write(h.Sum(nil)); err != nil {
		return wrapIdxErr(err)
	}
	return nil
}

func writeU32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return wrapIdxErr(err)
}

func writeU64(w io.Writer, v uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	_, err := w.Write(b[:])
	return wrapIdxErr(err)
}

func wrapIdxErr(err error) error {
	if err == nil {
		return nil
	}
	return bkerrors.Wrap(bkerrors.IoError, err, "write idx")
}
