package pack

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"sort"

	"github.com/coldvault/bupstore/internal/bkerrors"
	"github.com/coldvault/bupstore/internal/oid"
)

var midxMagic = [4]byte{'M', 'I', 'D', 'X'}

const midxVersion uint32 = 1

// MultiIdx merges the oid tables of several packs' idx files into a
// single sorted lookup, so resolving an oid against a repository with
// many packs costs one binary search instead of one per pack.
type MultiIdx struct {
	Path      string
	PackNames []string

	data      []byte
	count     int
	fanout    [256]uint32
	oidsAt    int
	packIdxAt int
	offsetAt  int
}

type midxRecord struct {
	oid     oid.OID
	packIdx uint32
	offset  uint64
}

// BuildMultiIdx merges packNames[i] and idxs[i] pairs (already loaded)
// into one MultiIdx image and writes it to path.
func BuildMultiIdx(path string, packNames []string, idxs []*Idx) error {
	if len(packNames) != len(idxs) {
		return bkerrors.New(bkerrors.ConfigError, "midx: packNames/idxs length mismatch")
	}

	var records []midxRecord
	for pi, idx := range idxs {
		pi, idx := pi, idx
		err := idx.Each(func(o oid.OID, offset uint64, _ uint32) bool {
			records = append(records, midxRecord{oid: o, packIdx: uint32(pi), offset: offset})
			return true
		})
		if err != nil {
			return err
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].oid.Less(records[j].oid) })

	// A repository's packs can legitimately contain the same oid more
	// than once (e.g. a pack rewritten during repack while the old
	// one is still present); keep the first occurrence only, which is
	// whichever pack sorted first among duplicates — any copy is
	// equally valid since the oid determines the content.
	deduped := records[:0]
	for i, r := range records {
		if i > 0 && r.oid == records[i-1].oid {
			continue
		}
		deduped = append(deduped, r)
	}
	records = deduped

	f, err := os.Create(path)
	if err != nil {
		return bkerrors.Wrap(bkerrors.IoError, err, "create midx %s", path)
	}
	defer f.Close()

	h := newSHA1()
	mw := io.MultiWriter(f, h)

	if _, err := mw.Write(midxMagic[:]); err != nil {
		return wrapIdxErr(err)
	}
	if err := writeU32(mw, midxVersion); err != nil {
		return err
	}
	if err := writeU32(mw, uint32(len(packNames))); err != nil {
		return err
	}
	for _, name := range packNames {
		if err := writeU32(mw, uint32(len(name))); err != nil {
			return err
		}
		if _, err := mw.Write([]byte(name)); err != nil {
			return wrapIdxErr(err)
		}
	}

	var fanout [256]uint32
	for _, r := range records {
		fanout[r.oid.FirstByte()]++
	}
	for i := 1; i < 256; i++ {
		fanout[i] += fanout[i-1]
	}
	for _, v := range fanout {
		if err := writeU32(mw, v); err != nil {
			return err
		}
	}

	for _, r := range records {
		if _, err := mw.Write(r.oid[:]); err != nil {
			return wrapIdxErr(err)
		}
	}
	for _, r := range records {
		if err := writeU32(mw, r.packIdx); err != nil {
			return err
		}
	}
	for _, r := range records {
		if err := writeU64(mw, r.offset); err != nil {
			return err
		}
	}

	if _, err := f.Write(h.Sum(nil)); err != nil {
		return wrapIdxErr(err)
	}
	return nil
}

// ReadMultiIdx loads and validates a midx file written by
// BuildMultiIdx.
func ReadMultiIdx(path string) (*MultiIdx, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, bkerrors.Wrap(bkerrors.IoError, err, "read midx %s", path)
	}
	if len(data) < 12 || !bytes.Equal(data[0:4], midxMagic[:]) {
		return nil, bkerrors.New(bkerrors.Corruption, "midx %s: bad magic", path)
	}
	if v := binary.BigEndian.Uint32(data[4:8]); v != midxVersion {
		return nil, bkerrors.New(bkerrors.Corruption, "midx %s: unsupported version %d", path, v)
	}
	numPacks := int(binary.BigEndian.Uint32(data[8:12]))

	off := 12
	names := make([]string, numPacks)
	for i := 0; i < numPacks; i++ {
		if off+4 > len(data) {
			return nil, bkerrors.New(bkerrors.Corruption, "midx %s: truncated pack name table", path)
		}
		l := int(binary.BigEndian.Uint32(data[off : off+4]))
		off += 4
		if off+l > len(data) {
			return nil, bkerrors.New(bkerrors.Corruption, "midx %s: truncated pack name", path)
		}
		names[i] = string(data[off : off+l])
		off += l
	}

	if off+256*4 > len(data) {
		return nil, bkerrors.New(bkerrors.Corruption, "midx %s: truncated fanout", path)
	}
	m := &MultiIdx{Path: path, PackNames: names, data: data}
	for i := 0; i < 256; i++ {
		m.fanout[i] = binary.BigEndian.Uint32(data[off+i*4 : off+4+i*4])
	}
	off += 256 * 4
	m.count = int(m.fanout[255])

	m.oidsAt = off
	m.packIdxAt = m.oidsAt + m.count*oid.Size
	m.offsetAt = m.packIdxAt + m.count*4
	trailerAt := m.offsetAt + m.count*8

	if trailerAt+20 != len(data) {
		return nil, bkerrors.New(bkerrors.Corruption, "midx %s: trailing garbage or truncation", path)
	}
	h := newSHA1()
	h.Write(data[:trailerAt])
	if !bytes.Equal(h.Sum(nil), data[trailerAt:trailerAt+20]) {
		return nil, bkerrors.New(bkerrors.Corruption, "midx %s: self-hash mismatch", path)
	}

	return m, nil
}

func (m *MultiIdx) oidAt(i int) oid.OID {
	var o oid.OID
	copy(o[:], m.data[m.oidsAt+i*oid.Size:m.oidsAt+(i+1)*oid.Size])
	return o
}

// Lookup returns which pack (by index into PackNames) holds o and at
// what offset.
func (m *MultiIdx) Lookup(o oid.OID) (packIdx int, offset uint64, ok bool) {
	b := o.FirstByte()
	lo := 0
	if b > 0 {
		lo = int(m.fanout[b-1])
	}
	hi := int(m.fanout[b])
	i := lo + sort.Search(hi-lo, func(i int) bool {
		return !m.oidAt(lo + i).Less(o)
	})
	if i >= hi || m.oidAt(i) != o {
		return 0, 0, false
	}
	pi := binary.BigEndian.Uint32(m.data[m.packIdxAt+i*4 : m.packIdxAt+i*4+4])
	off := binary.BigEndian.Uint64(m.data[m.offsetAt+i*8 : m.offsetAt+i*8+8])
	return int(pi), off, true
}

// Exists reports whether o is described by this midx.
func (m *MultiIdx) Exists(o oid.OID) bool {
	_, _, ok := m.Lookup(o)
	return ok
}

// Count is the number of objects this midx describes.
func (m *MultiIdx) Count() int { return m.count }
