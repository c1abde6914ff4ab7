package vfs

import (
	"testing"

	"github.com/coldvault/bupstore/internal/bkerrors"
	"github.com/coldvault/bupstore/internal/objfmt"
	"github.com/coldvault/bupstore/internal/oid"
	"github.com/coldvault/bupstore/internal/repository"
)

// fakeRepo is a minimal in-memory repository.Repository, enough to
// drive the resolver without any on-disk pack or ref machinery.
type fakeRepo struct {
	objects map[oid.OID]repository.Object
	refs    map[string]oid.OID
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{objects: make(map[oid.OID]repository.Object), refs: make(map[string]oid.OID)}
}

func (f *fakeRepo) put(kind oid.Kind, payload []byte) oid.OID {
	o := oid.Of(kind, payload)
	f.objects[o] = repository.Object{Kind: kind, Payload: payload}
	return o
}

func (f *fakeRepo) Exists(o oid.OID) (bool, error) { _, ok := f.objects[o]; return ok, nil }

func (f *fakeRepo) WriteObject(kind oid.Kind, payload []byte) (oid.OID, error) {
	return f.put(kind, payload), nil
}

func (f *fakeRepo) ReadObject(o oid.OID) (repository.Object, error) {
	obj, ok := f.objects[o]
	if !ok {
		return repository.Object{}, bkerrors.New(bkerrors.NotFound, "object %s not found", o)
	}
	return obj, nil
}

func (f *fakeRepo) Flush() error { return nil }

func (f *fakeRepo) ReadRef(name string) (oid.OID, error) {
	o, ok := f.refs[name]
	if !ok {
		return oid.OID{}, bkerrors.New(bkerrors.NotFound, "ref %q not found", name)
	}
	return o, nil
}

func (f *fakeRepo) ListRefs(prefix string) ([]repository.RefUpdate, error) {
	var out []repository.RefUpdate
	for name, o := range f.refs {
		if len(name) >= len(prefix) && name[:len(prefix)] == prefix {
			out = append(out, repository.RefUpdate{Name: name, New: o})
		}
	}
	return out, nil
}

func (f *fakeRepo) UpdateRef(u repository.RefUpdate) error { f.refs[u.Name] = u.New; return nil }

func (f *fakeRepo) DeleteRef(name string, old oid.OID) error { delete(f.refs, name); return nil }

func (f *fakeRepo) ConfigGet(name string) (string, error) { return "", bkerrors.New(bkerrors.NotFound, "") }

func (f *fakeRepo) ConfigList(prefix string) ([]repository.ConfigValue, error) { return nil, nil }

func (f *fakeRepo) ConfigWrite(name, value string) error { return nil }

func (f *fakeRepo) Close() error { return nil }

var _ repository.Repository = (*fakeRepo)(nil)

// buildHistory writes a two-commit chain on refs/heads/main: a root
// commit with one small file, and a child commit that adds a large
// file represented as a hashsplit tree-of-chunks.
func buildHistory(t *testing.T) (*fakeRepo, oid.OID, oid.OID) {
	t.Helper()
	repo := newFakeRepo()

	smallBlob := repo.put(oid.KindBlob, []byte("hello world"))
	tree1 := repo.put(oid.KindTree, objfmt.EncodeTree([]objfmt.Entry{
		{Mode: objfmt.ModeFile, Name: "hello.txt", OID: smallBlob},
	}))
	c1 := objfmt.Commit{
		Tree:      tree1,
		Author:    objfmt.Identity{Name: "a", Email: "a@x", Epoch: 1700000000, TZMinutes: 0},
		Committer: objfmt.Identity{Name: "a", Email: "a@x", Epoch: 1700000000, TZMinutes: 0},
		Message:   "first",
	}
	c1oid := repo.put(oid.KindCommit, objfmt.EncodeCommit(c1))

	chunkA := repo.put(oid.KindBlob, []byte("chunk-a"))
	chunkB := repo.put(oid.KindBlob, []byte("chunk-b"))
	bigFile := repo.put(oid.KindTree, objfmt.EncodeTree([]objfmt.Entry{
		{Mode: objfmt.ModeFile, Name: "00000000", OID: chunkA},
		{Mode: objfmt.ModeFile, Name: "00000007", OID: chunkB},
	}))
	tree2 := repo.put(oid.KindTree, objfmt.EncodeTree([]objfmt.Entry{
		{Mode: objfmt.ModeFile, Name: "hello.txt", OID: smallBlob},
		{Mode: objfmt.ModeFile, Name: "big.bin", OID: bigFile},
		{Mode: objfmt.ModeTree, Name: "subdir", OID: tree1},
	}))
	c2 := objfmt.Commit{
		Tree:      tree2,
		Parents:   []oid.OID{c1oid},
		Author:    objfmt.Identity{Name: "a", Email: "a@x", Epoch: 1700000100, TZMinutes: 0},
		Committer: objfmt.Identity{Name: "a", Email: "a@x", Epoch: 1700000100, TZMinutes: 0},
		Message:   "second",
	}
	c2oid := repo.put(oid.KindCommit, objfmt.EncodeCommit(c2))

	repo.refs["refs/heads/main"] = c2oid
	return repo, c1oid, c2oid
}

func TestRootListsBranchesAndTags(t *testing.T) {
	repo, _, _ := buildHistory(t)
	children, err := Contents(repo, NewRoot(repo))
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, c := range children {
		names = append(names, c.Name())
	}
	if len(names) != 2 {
		t.Fatalf("root children = %v, want [main tags]", names)
	}
}

func TestRevListHasLatestAndBothCommits(t *testing.T) {
	repo, _, c2oid := buildHistory(t)
	n, err := Resolve(repo, []string{"main"})
	if err != nil {
		t.Fatal(err)
	}
	rl, ok := n.(*RevList)
	if !ok {
		t.Fatalf("resolved %T, want *RevList", n)
	}
	children, err := Contents(repo, rl)
	if err != nil {
		t.Fatal(err)
	}
	var latest *FakeLink
	commitCount := 0
	for _, c := range children {
		switch v := c.(type) {
		case *Commit:
			commitCount++
		case *FakeLink:
			latest = v
		}
	}
	if commitCount != 2 {
		t.Fatalf("commitCount = %d, want 2", commitCount)
	}
	if latest == nil {
		t.Fatal("expected a latest FakeLink entry")
	}
	head, err := Resolve(repo, []string{"main", latest.Target()})
	if err != nil {
		t.Fatal(err)
	}
	if head.(*Commit).OID() != c2oid {
		t.Fatalf("latest does not resolve to head commit")
	}
}

func TestResolveIntoTreeAndChunkyFile(t *testing.T) {
	repo, _, _ := buildHistory(t)

	n, err := Resolve(repo, []string{"main"})
	if err != nil {
		t.Fatal(err)
	}
	children, err := Contents(repo, n)
	if err != nil {
		t.Fatal(err)
	}
	latestName := ""
	for _, c := range children {
		if fl, ok := c.(*FakeLink); ok {
			latestName = fl.Target()
		}
	}

	item, err := Resolve(repo, []string{"main", latestName, "big.bin"})
	if err != nil {
		t.Fatal(err)
	}
	chunky, ok := item.(*Chunky)
	if !ok {
		t.Fatalf("big.bin resolved as %T, want *Chunky", item)
	}
	data, err := ReadFile(repo, chunky)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "chunk-achunk-b" {
		t.Fatalf("ReadFile = %q, want %q", data, "chunk-achunk-b")
	}

	small, err := Resolve(repo, []string{"main", latestName, "hello.txt"})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := small.(*Item); !ok {
		t.Fatalf("hello.txt resolved as %T, want *Item", small)
	}
	data, err = ReadFile(repo, small)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello world" {
		t.Fatalf("ReadFile = %q, want %q", data, "hello world")
	}

	dir, err := Resolve(repo, []string{"main", latestName, "subdir"})
	if err != nil {
		t.Fatal(err)
	}
	subChildren, err := Contents(repo, dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(subChildren) != 1 || subChildren[0].Name() != "hello.txt" {
		t.Fatalf("subdir children = %+v", subChildren)
	}
}

func TestResolveMissingPathIsNotFound(t *testing.T) {
	repo, _, _ := buildHistory(t)
	_, err := Resolve(repo, []string{"no-such-branch"})
	if !bkerrors.Is(err, bkerrors.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestTagResolvesToCommit(t *testing.T) {
	repo, c1oid, _ := buildHistory(t)
	repo.refs["refs/tags/v1"] = c1oid

	n, err := Resolve(repo, []string{"tags", "v1"})
	if err != nil {
		t.Fatal(err)
	}
	c, ok := n.(*Commit)
	if !ok {
		t.Fatalf("resolved %T, want *Commit", n)
	}
	if c.OID() != c1oid {
		t.Fatalf("tag v1 resolved to %s, want %s", c.OID(), c1oid)
	}
}
