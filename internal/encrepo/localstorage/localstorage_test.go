package localstorage

import (
	"io"
	"testing"

	"github.com/coldvault/bupstore/internal/bkerrors"
	"github.com/coldvault/bupstore/internal/encrepo"
)

func mustWrite(t *testing.T, s *Storage, name string, kind encrepo.Kind, overwrite encrepo.Version, data string) {
	t.Helper()
	w, err := s.GetWriter(name, kind, overwrite)
	if err != nil {
		t.Fatalf("GetWriter: %v", err)
	}
	if _, err := w.Write([]byte(data)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func mustRead(t *testing.T, s *Storage, name string, kind encrepo.Kind) (string, encrepo.Version) {
	t.Helper()
	r, version, err := s.GetReader(name, kind)
	if err != nil {
		t.Fatalf("GetReader: %v", err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	return string(data), version
}

func TestCreateThenReadBack(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	mustWrite(t, s, "pack-1.encpack", encrepo.KindData, "", "packed bytes")
	data, _ := mustRead(t, s, "pack-1.encpack", encrepo.KindData)
	if data != "packed bytes" {
		t.Fatalf("read %q", data)
	}
}

func TestCreateOnlyRejectsExisting(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	mustWrite(t, s, "refs", encrepo.KindRefs, "", "v1")
	w, err := s.GetWriter("refs", encrepo.KindRefs, "")
	if err != nil {
		t.Fatalf("GetWriter: %v", err)
	}
	w.Write([]byte("v2"))
	err = w.Close()
	if !bkerrors.Is(err, bkerrors.AlreadyExists) {
		t.Fatalf("Close: err = %v, want AlreadyExists", err)
	}
}

func TestCASFailsOnConcurrentModification(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	mustWrite(t, s, "refs", encrepo.KindRefs, "", "v1")
	_, version := mustRead(t, s, "refs", encrepo.KindRefs)

	// A second writer lands in between the read and the CAS write.
	mustWrite(t, s, "refs", encrepo.KindRefs, version, "v2")

	w, err := s.GetWriter("refs", encrepo.KindRefs, version)
	if err != nil {
		t.Fatalf("GetWriter: %v", err)
	}
	w.Write([]byte("v3"))
	err = w.Close()
	if !bkerrors.Is(err, bkerrors.CASFailure) {
		t.Fatalf("Close: err = %v, want CASFailure", err)
	}

	data, _ := mustRead(t, s, "refs", encrepo.KindRefs)
	if data != "v2" {
		t.Fatalf("refs = %q, want v2 (the losing write must not land)", data)
	}
}

func TestCASSucceedsOnMatchingVersion(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	mustWrite(t, s, "refs", encrepo.KindRefs, "", "v1")
	_, version := mustRead(t, s, "refs", encrepo.KindRefs)
	mustWrite(t, s, "refs", encrepo.KindRefs, version, "v2")

	data, _ := mustRead(t, s, "refs", encrepo.KindRefs)
	if data != "v2" {
		t.Fatalf("refs = %q, want v2", data)
	}
}

func TestList(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	mustWrite(t, s, "pack-aaaa.encpack", encrepo.KindData, "", "a")
	mustWrite(t, s, "pack-bbbb.encpack", encrepo.KindData, "", "b")
	mustWrite(t, s, "pack-aaaa.encidx", encrepo.KindIdx, "", "i")

	names, err := s.List(encrepo.KindData, "*.encpack")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(names) != 2 {
		t.Fatalf("List = %v, want 2 entries", names)
	}
}

func TestMissingFileIsNotFound(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, _, err = s.GetReader("nope", encrepo.KindConfig)
	if !bkerrors.Is(err, bkerrors.NotFound) {
		t.Fatalf("GetReader: err = %v, want NotFound", err)
	}
}
