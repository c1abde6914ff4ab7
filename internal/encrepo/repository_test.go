package encrepo_test

import (
	"bytes"
	"testing"

	"github.com/coldvault/bupstore/internal/boxfile"
	"github.com/coldvault/bupstore/internal/encrepo"
	"github.com/coldvault/bupstore/internal/encrepo/localstorage"
	"github.com/coldvault/bupstore/internal/oid"
	"github.com/coldvault/bupstore/internal/repository"
)

func newTestRepo(t *testing.T) (*encrepo.Repository, encrepo.Storage) {
	t.Helper()
	repoKey, writeKey, readKey, err := boxfile.GenerateKeys()
	if err != nil {
		t.Fatalf("GenerateKeys: %v", err)
	}
	storage, err := localstorage.New(t.TempDir())
	if err != nil {
		t.Fatalf("localstorage.New: %v", err)
	}
	repo, err := encrepo.Open(t.TempDir(), storage, encrepo.Options{
		Keys:        boxfile.Keys{RepoKey: &repoKey, WriteKey: writeKey, ReadKey: readKey},
		Compression: boxfile.CompressionZstd,
	})
	if err != nil {
		t.Fatalf("encrepo.Open: %v", err)
	}
	return repo, storage
}

func TestWriteReadRoundTrip(t *testing.T) {
	repo, _ := newTestRepo(t)
	defer repo.Close()

	payload := []byte("hello encrypted world")
	o, err := repo.WriteObject(oid.KindBlob, payload)
	if err != nil {
		t.Fatalf("WriteObject: %v", err)
	}

	exists, err := repo.Exists(o)
	if err != nil || !exists {
		t.Fatalf("Exists = %v, %v", exists, err)
	}

	obj, err := repo.ReadObject(o)
	if err != nil {
		t.Fatalf("ReadObject: %v", err)
	}
	if obj.Kind != oid.KindBlob || !bytes.Equal(obj.Payload, payload) {
		t.Fatalf("ReadObject = (%s, %q)", obj.Kind, obj.Payload)
	}
}

func TestFlushUploadsPackAndIdx(t *testing.T) {
	repo, storage := newTestRepo(t)
	defer repo.Close()

	if _, err := repo.WriteObject(oid.KindBlob, []byte("durable payload")); err != nil {
		t.Fatalf("WriteObject: %v", err)
	}
	if err := repo.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	packs, err := storage.List(encrepo.KindData, "*.encpack")
	if err != nil {
		t.Fatalf("List data: %v", err)
	}
	if len(packs) != 1 {
		t.Fatalf("List data = %v, want 1 entry", packs)
	}
	idxs, err := storage.List(encrepo.KindIdx, "*.encidx")
	if err != nil {
		t.Fatalf("List idx: %v", err)
	}
	if len(idxs) != 1 {
		t.Fatalf("List idx = %v, want 1 entry", idxs)
	}
}

func TestRefUpdateAndCASConflict(t *testing.T) {
	repo, _ := newTestRepo(t)
	defer repo.Close()

	o, err := repo.WriteObject(oid.KindCommit, []byte("commit body"))
	if err != nil {
		t.Fatalf("WriteObject: %v", err)
	}

	if err := repo.UpdateRef(repository.RefUpdate{Name: "refs/heads/main", Old: oid.Zero, New: o}); err != nil {
		t.Fatalf("UpdateRef: %v", err)
	}
	got, err := repo.ReadRef("refs/heads/main")
	if err != nil || got != o {
		t.Fatalf("ReadRef = %v, %v, want %v", got, err, o)
	}

	// A stale "old" value must be rejected rather than overwriting.
	err = repo.UpdateRef(repository.RefUpdate{Name: "refs/heads/main", Old: oid.Zero, New: o})
	if err == nil {
		t.Fatal("expected UpdateRef with a stale Old to fail")
	}

	refs, err := repo.ListRefs("refs/heads/")
	if err != nil {
		t.Fatalf("ListRefs: %v", err)
	}
	if len(refs) != 1 || refs[0].Name != "refs/heads/main" {
		t.Fatalf("ListRefs = %+v", refs)
	}

	if err := repo.DeleteRef("refs/heads/main", o); err != nil {
		t.Fatalf("DeleteRef: %v", err)
	}
	if _, err := repo.ReadRef("refs/heads/main"); err == nil {
		t.Fatal("expected ReadRef to fail after delete")
	}
}

func TestConfigWriteAndList(t *testing.T) {
	repo, _ := newTestRepo(t)
	defer repo.Close()

	if err := repo.ConfigWrite("bup.repo-id", "abc123"); err != nil {
		t.Fatalf("ConfigWrite: %v", err)
	}
	if err := repo.ConfigWrite("pack.compression", "zstd"); err != nil {
		t.Fatalf("ConfigWrite: %v", err)
	}

	v, err := repo.ConfigGet("bup.repo-id")
	if err != nil || v != "abc123" {
		t.Fatalf("ConfigGet = %q, %v", v, err)
	}

	entries, err := repo.ConfigList("")
	if err != nil {
		t.Fatalf("ConfigList: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("ConfigList = %+v, want 2 entries", entries)
	}
}

func TestReopenReusesSyncedIdx(t *testing.T) {
	repoKey, writeKey, readKey, err := boxfile.GenerateKeys()
	if err != nil {
		t.Fatalf("GenerateKeys: %v", err)
	}
	keys := boxfile.Keys{RepoKey: &repoKey, WriteKey: writeKey, ReadKey: readKey}
	storage, err := localstorage.New(t.TempDir())
	if err != nil {
		t.Fatalf("localstorage.New: %v", err)
	}

	firstCache := t.TempDir()
	repo, err := encrepo.Open(firstCache, storage, encrepo.Options{Keys: keys, Compression: boxfile.CompressionZlib})
	if err != nil {
		t.Fatalf("encrepo.Open: %v", err)
	}
	o, err := repo.WriteObject(oid.KindBlob, []byte("shared across machines"))
	if err != nil {
		t.Fatalf("WriteObject: %v", err)
	}
	if err := repo.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	secondCache := t.TempDir()
	repo2, err := encrepo.Open(secondCache, storage, encrepo.Options{Keys: keys, Compression: boxfile.CompressionZlib})
	if err != nil {
		t.Fatalf("encrepo.Open (second cache): %v", err)
	}
	defer repo2.Close()

	exists, err := repo2.Exists(o)
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if !exists {
		t.Fatal("expected a fresh cache directory to learn the object exists from the synced idx")
	}
}
