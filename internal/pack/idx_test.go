package pack

import (
	"os"
	"testing"

	"github.com/coldvault/bupstore/internal/oid"
)

func TestIdxRejectsCorruptedSelfHash(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, Options{})
	if _, _, err := w.WriteData([]byte("some object"), nil); err != nil {
		t.Fatal(err)
	}
	idxPath, err := w.Finish(false)
	if err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(idxPath)
	if err != nil {
		t.Fatal(err)
	}
	corrupted := append([]byte(nil), data...)
	corrupted[len(corrupted)-1] ^= 0xff
	if err := os.WriteFile(idxPath, corrupted, 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := ReadIdx(idxPath); err == nil {
		t.Fatal("expected self-hash mismatch to be detected")
	}
}

func TestIdxLookupMissingOid(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, Options{})
	if _, _, err := w.WriteData([]byte("present"), nil); err != nil {
		t.Fatal(err)
	}
	idxPath, err := w.Finish(false)
	if err != nil {
		t.Fatal(err)
	}
	idx, err := ReadIdx(idxPath)
	if err != nil {
		t.Fatal(err)
	}

	absent := oid.Of(oid.KindBlob, []byte("never written"))
	if idx.Exists(absent) {
		t.Fatal("idx falsely reports an absent oid as present")
	}
	if _, _, ok, err := idx.Lookup(absent); err != nil || ok {
		t.Fatalf("Lookup(absent) = ok=%v err=%v, want ok=false err=nil", ok, err)
	}
}
