package pack

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/coldvault/bupstore/internal/bkerrors"
	"github.com/coldvault/bupstore/internal/oid"
)

// PackIdxList is a repository's complete view of "which oids exist
// and where", composed from (in lookup-cost order) a bloom filter, a
// multi-pack index, and the individual per-pack idx files that
// haven't been folded into a midx yet. It never produces a false
// negative: the bloom filter is consulted only to short-circuit a
// definite "no", and any "maybe" always falls through to the
// authoritative midx/idx tables.
type PackIdxList struct {
	dir string

	mu    sync.RWMutex
	idxs  []*Idx // newest-added first
	midx  *MultiIdx
	bloom *Bloom
}

// NewPackIdxList scans dir (a repository's objects/pack directory)
// and loads every idx/midx/bloom file present.
func NewPackIdxList(dir string) (*PackIdxList, error) {
	l := &PackIdxList{dir: dir}
	if err := l.Refresh(); err != nil {
		return nil, err
	}
	return l, nil
}

// Refresh re-scans dir, reloading the midx and bloom files and the
// set of standalone .idx files (any .idx already folded into the
// current midx is skipped, since the midx already serves it faster).
func (l *PackIdxList) Refresh() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			l.mu.Lock()
			l.idxs, l.midx, l.bloom = nil, nil, nil
			l.mu.Unlock()
			return nil
		}
		return bkerrors.Wrap(bkerrors.IoError, err, "scan %s", l.dir)
	}

	var midx *MultiIdx
	var bloom *Bloom
	var idxNames []string
	for _, e := range entries {
		name := e.Name()
		switch {
		case name == "midx.midx":
			m, err := ReadMultiIdx(filepath.Join(l.dir, name))
			if err != nil {
				return err
			}
			midx = m
		case name == "midx.bloom":
			b, err := LoadBloom(filepath.Join(l.dir, name))
			if err != nil {
				return err
			}
			bloom = b
		case strings.HasSuffix(name, ".idx"):
			idxNames = append(idxNames, name)
		}
	}

	folded := make(map[string]bool)
	if midx != nil {
		for _, p := range midx.PackNames {
			folded[strings.TrimSuffix(p, ".pack")+".idx"] = true
		}
	}

	// Newest packs first: pack fingerprints carry no temporal
	// ordering, so sort by mtime and keep most-recently-written idx
	// files at the front of the fallback chain, since a lookup for a
	// recently-written object is more likely to hit early.
	type named struct {
		name    string
		modTime int64
	}
	var pending []named
	for _, name := range idxNames {
		if folded[name] {
			continue
		}
		info, err := os.Stat(filepath.Join(l.dir, name))
		if err != nil {
			return bkerrors.Wrap(bkerrors.IoError, err, "stat %s", name)
		}
		pending = append(pending, named{name, info.ModTime().UnixNano()})
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].modTime > pending[j].modTime })

	// midx.bloom covers only the packs folded into the midx, so it
	// cannot vouch for a standalone idx; drop it while any is loaded
	// rather than let it reject that idx's oids.
	if len(pending) > 0 {
		bloom = nil
	}

	idxs := make([]*Idx, 0, len(pending))
	for _, p := range pending {
		idx, err := ReadIdx(filepath.Join(l.dir, p.name))
		if err != nil {
			return err
		}
		idxs = append(idxs, idx)
	}

	l.mu.Lock()
	l.idxs, l.midx, l.bloom = idxs, midx, bloom
	l.mu.Unlock()
	return nil
}

// Dir returns the pack directory this list was built over.
func (l *PackIdxList) Dir() string { return l.dir }

// IdxNames lists the standalone .idx files this list currently serves
// lookups from directly (i.e. not yet folded into midx.midx) — the
// set a peer fetching "list-indexes" would want to pre-filter sends
// against.
func (l *PackIdxList) IdxNames() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, len(l.idxs))
	for i, idx := range l.idxs {
		names[i] = filepath.Base(idx.Path)
	}
	return names
}

// Exists reports whether o is known to any pack this list covers.
func (l *PackIdxList) Exists(o oid.OID) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.bloom != nil && !l.bloom.MayContain(o) {
		return false
	}
	if l.midx != nil && l.midx.Exists(o) {
		return true
	}
	for _, idx := range l.idxs {
		if idx.Exists(o) {
			return true
		}
	}
	return false
}

// Location is where an object lives: which pack file and at what
// byte offset within it.
type Location struct {
	PackPath string
	Offset   uint64
	CRC32    uint32
}

// Find resolves o to its pack and offset, or ok=false if absent.
func (l *PackIdxList) Find(o oid.OID) (Location, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.bloom != nil && !l.bloom.MayContain(o) {
		return Location{}, false, nil
	}

	if l.midx != nil {
		if pi, off, ok := l.midx.Lookup(o); ok {
			return Location{PackPath: l.packPathForName(l.midx.PackNames[pi]), Offset: off}, true, nil
		}
	}

	for _, idx := range l.idxs {
		if off, crc, ok, err := idx.Lookup(o); err != nil {
			return Location{}, false, err
		} else if ok {
			return Location{PackPath: l.packPathFromIdx(idx.Path), Offset: off, CRC32: crc}, true, nil
		}
	}
	return Location{}, false, nil
}

func (l *PackIdxList) packPathForName(packName string) string {
	return filepath.Join(l.dir, packName)
}

func (l *PackIdxList) packPathFromIdx(idxPath string) string {
	return strings.TrimSuffix(idxPath, ".idx") + ".pack"
}

// RebuildMidx folds every standalone idx file currently known into a
// fresh midx.midx, and rebuilds midx.bloom to cover the merged set.
// internal/localrepo and internal/encrepo call it from Flush, after
// the Writer's Finish has returned.
func (l *PackIdxList) RebuildMidx(falsePositiveRate float64) error {
	l.mu.Lock()
	idxs := append([]*Idx(nil), l.idxs...)
	midx := l.midx
	l.mu.Unlock()

	var packNames []string
	var allIdxs []*Idx
	if midx != nil {
		for _, name := range midx.PackNames {
			idxPath := filepath.Join(l.dir, strings.TrimSuffix(name, ".pack")+".idx")
			idx, err := ReadIdx(idxPath)
			if err != nil {
				return err
			}
			packNames = append(packNames, name)
			allIdxs = append(allIdxs, idx)
		}
	}
	for _, idx := range idxs {
		packNames = append(packNames, filepath.Base(l.packPathFromIdx(idx.Path)))
		allIdxs = append(allIdxs, idx)
	}
	if len(allIdxs) == 0 {
		return nil
	}

	midxPath := filepath.Join(l.dir, "midx.midx")
	if err := BuildMultiIdx(midxPath, packNames, allIdxs); err != nil {
		return err
	}

	total := 0
	for _, idx := range allIdxs {
		total += idx.Count()
	}
	bloom := NewBloom(total, falsePositiveRate)
	for _, idx := range allIdxs {
		err := idx.Each(func(o oid.OID, _ uint64, _ uint32) bool {
			bloom.Add(o)
			return true
		})
		if err != nil {
			return err
		}
	}
	if err := SaveBloom(filepath.Join(l.dir, "midx.bloom"), bloom); err != nil {
		return err
	}

	return l.Refresh()
}
