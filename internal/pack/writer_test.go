package pack

import (
	"os"
	"testing"

	"github.com/coldvault/bupstore/internal/oid"
)

func TestWriterRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, Options{})

	payloads := [][]byte{
		[]byte("hello world"),
		[]byte("a second object"),
		[]byte("hello world"), // duplicate: should not be re-written
	}

	var oids []oid.OID
	for _, p := range payloads {
		o, wasNew, err := w.WriteData(p, nil)
		if err != nil {
			t.Fatalf("WriteData: %v", err)
		}
		oids = append(oids, o)
		if p != nil && string(p) == "hello world" && len(oids) == 3 && wasNew {
			t.Fatal("duplicate payload was written twice")
		}
	}

	idxPath, err := w.Finish(false)
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if idxPath == "" {
		t.Fatal("expected a finished idx path")
	}

	idx, err := ReadIdx(idxPath)
	if err != nil {
		t.Fatalf("ReadIdx: %v", err)
	}
	if idx.Count() != 2 {
		t.Fatalf("idx has %d entries, want 2", idx.Count())
	}

	for i, want := range payloads[:2] {
		loc, ok, err := (&PackIdxList{idxs: []*Idx{idx}}).Find(oids[i])
		if err != nil {
			t.Fatalf("Find: %v", err)
		}
		if !ok {
			t.Fatalf("oid %s not found via idx", oids[i])
		}
		obj, err := ReadObjectAt(loc.PackPath, loc.Offset)
		if err != nil {
			t.Fatalf("ReadObjectAt: %v", err)
		}
		if string(obj.Payload) != string(want) {
			t.Fatalf("payload %d mismatch: got %q want %q", i, obj.Payload, want)
		}
	}
}

func TestWriterRollover(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, Options{MaxPackObjects: 1})

	for i := 0; i < 3; i++ {
		if _, _, err := w.WriteData([]byte{byte(i), byte(i), byte(i), byte(i), byte(i)}, nil); err != nil {
			t.Fatalf("WriteData %d: %v", i, err)
		}
	}
	if _, err := w.Finish(false); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if len(w.FinishedIdx) != 3 {
		t.Fatalf("expected 3 packs from rollover, got %d: %v", len(w.FinishedIdx), w.FinishedIdx)
	}
}

func TestWriterAbortLeavesNoFiles(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, Options{})
	if _, _, err := w.WriteData([]byte("partial"), nil); err != nil {
		t.Fatalf("WriteData: %v", err)
	}
	if err := w.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no files after abort, got %v", entries)
	}
}

type fakeExistence map[oid.OID]bool

func (f fakeExistence) Exists(o oid.OID) bool { return f[o] }

func TestWriterSkipsKnownExistence(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, Options{})
	known := fakeExistence{oid.Of(oid.KindBlob, []byte("already there")): true}

	_, wasNew, err := w.WriteData([]byte("already there"), known)
	if err != nil {
		t.Fatal(err)
	}
	if wasNew {
		t.Fatal("expected existence check to suppress write")
	}
	if _, err := w.Finish(false); err != nil {
		t.Fatal(err)
	}
	if len(w.FinishedIdx) != 0 {
		t.Fatalf("expected no pack produced when every object already existed, got %v", w.FinishedIdx)
	}
}
