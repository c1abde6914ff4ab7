package pack

import (
	"path/filepath"
	"testing"

	"github.com/coldvault/bupstore/internal/oid"
)

func TestMultiIdxMergesPacks(t *testing.T) {
	dir := t.TempDir()

	w1 := NewWriter(dir, Options{})
	o1, _, err := w1.WriteData([]byte("first pack object"), nil)
	if err != nil {
		t.Fatal(err)
	}
	idx1Path, err := w1.Finish(false)
	if err != nil {
		t.Fatal(err)
	}

	w2 := NewWriter(dir, Options{})
	o2, _, err := w2.WriteData([]byte("second pack object"), nil)
	if err != nil {
		t.Fatal(err)
	}
	idx2Path, err := w2.Finish(false)
	if err != nil {
		t.Fatal(err)
	}

	idx1, err := ReadIdx(idx1Path)
	if err != nil {
		t.Fatal(err)
	}
	idx2, err := ReadIdx(idx2Path)
	if err != nil {
		t.Fatal(err)
	}

	midxPath := filepath.Join(dir, "midx.midx")
	pack1Name := filepath.Base(idx1Path[:len(idx1Path)-len(".idx")] + ".pack")
	pack2Name := filepath.Base(idx2Path[:len(idx2Path)-len(".idx")] + ".pack")
	if err := BuildMultiIdx(midxPath, []string{pack1Name, pack2Name}, []*Idx{idx1, idx2}); err != nil {
		t.Fatalf("BuildMultiIdx: %v", err)
	}

	midx, err := ReadMultiIdx(midxPath)
	if err != nil {
		t.Fatalf("ReadMultiIdx: %v", err)
	}
	if midx.Count() != 2 {
		t.Fatalf("midx has %d entries, want 2", midx.Count())
	}

	cases := []struct {
		o    oid.OID
		pack string
	}{
		{o1, pack1Name},
		{o2, pack2Name},
	}
	for _, c := range cases {
		pi, _, ok := midx.Lookup(c.o)
		if !ok {
			t.Fatalf("oid %s not found in midx", c.o)
		}
		if midx.PackNames[pi] != c.pack {
			t.Fatalf("got pack %s, want %s", midx.PackNames[pi], c.pack)
		}
	}
}

func TestPackIdxListRebuildMidx(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, Options{})
	o, _, err := w.WriteData([]byte("rebuild target"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Finish(false); err != nil {
		t.Fatal(err)
	}

	list, err := NewPackIdxList(dir)
	if err != nil {
		t.Fatalf("NewPackIdxList: %v", err)
	}
	if !list.Exists(o) {
		t.Fatal("expected object to be visible before rebuild")
	}
	if err := list.RebuildMidx(0.01); err != nil {
		t.Fatalf("RebuildMidx: %v", err)
	}
	if !list.Exists(o) {
		t.Fatal("expected object to remain visible after midx rebuild")
	}
	loc, ok, err := list.Find(o)
	if err != nil || !ok {
		t.Fatalf("Find after rebuild: loc=%v ok=%v err=%v", loc, ok, err)
	}
}
