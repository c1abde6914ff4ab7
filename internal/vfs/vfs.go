// Package vfs exposes a repository's refs, commit history, and tree
// contents as a read-only filesystem. Unlike internal/localrepo's
// on-disk layout, nothing here is stored directly: every directory a
// caller sees is synthesized on the fly from refs and from decoded
// tree/commit objects (internal/repository.Repository.ReadObject), so
// the same resolver works unmodified against a local, remote, or
// encrypted repository.
//
// The shape is a small tagged union of node kinds:
//
//	Root     - the synthetic top: one entry per branch, plus "tags"
//	Tags     - the synthetic directory of every refs/tags/* ref
//	RevList  - one branch's history, named by commit date, plus "latest"
//	Commit   - a decoded commit, listing its tree's top-level entries
//	Item     - a tree-backed directory or a plain file
//	Chunky   - a file whose content is itself a hashsplit tree of blobs
//	FakeLink - a synthetic symlink this package makes up, not stored
//	           in any tree object (e.g. "latest")
//
// Item.Mode distinguishes directory from file the same way
// internal/objfmt's tree entries do; Chunky is just an Item whose oid
// turned out, on inspection, to decode as a tree rather than a single
// blob.
package vfs

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/coldvault/bupstore/internal/bkerrors"
	"github.com/coldvault/bupstore/internal/objfmt"
	"github.com/coldvault/bupstore/internal/oid"
	"github.com/coldvault/bupstore/internal/repository"
)

// Node is the common surface every resolved path element implements.
type Node interface {
	// Name is this node's path component, as it appears in its
	// parent's listing. The root's own name is "".
	Name() string

	// Mode reports the node's objfmt mode bits: ModeTree for anything
	// that can be listed, ModeFile/ModeExec/ModeSymlink for a leaf.
	Mode() uint32
}

// Root is the filesystem's synthetic top: every refs/heads/* branch
// by name, plus a "tags" entry.
type Root struct {
	repo repository.Repository
}

func (r *Root) Name() string { return "" }
func (r *Root) Mode() uint32 { return objfmt.ModeTree }

// Tags is the synthetic directory of every refs/tags/* ref, each
// resolving straight through to the commit it points at (tags in
// this engine are lightweight: a ref, not a separate tag object).
type Tags struct {
	repo repository.Repository
}

func (t *Tags) Name() string { return "tags" }
func (t *Tags) Mode() uint32 { return objfmt.ModeTree }

// RevList is one branch's reachable history, presented as a directory
// of date-named commit entries plus a "latest" symlink to the newest.
type RevList struct {
	repo repository.Repository
	ref  string // full ref name, e.g. "refs/heads/main"
}

func (rl *RevList) Name() string { return strings.TrimPrefix(rl.ref, "refs/heads/") }
func (rl *RevList) Mode() uint32 { return objfmt.ModeTree }

// Commit is a decoded commit object, named by the revision-list entry
// that resolved to it (a date string, or a tag name under Tags).
type Commit struct {
	repo   repository.Repository
	name   string
	oid    oid.OID
	commit objfmt.Commit
}

func (c *Commit) Name() string      { return c.name }
func (c *Commit) Mode() uint32      { return objfmt.ModeTree }
func (c *Commit) OID() oid.OID      { return c.oid }
func (c *Commit) Decoded() objfmt.Commit { return c.commit }

// Item is a tree entry: either a subdirectory (Mode is ModeTree) or a
// plain file whose entire content is a single blob object.
type Item struct {
	repo repository.Repository
	name string
	mode uint32
	oid  oid.OID
}

func (i *Item) Name() string { return i.name }
func (i *Item) Mode() uint32 { return i.mode }
func (i *Item) OID() oid.OID { return i.oid }

// Chunky is a file entry whose oid decodes as a tree of chunks rather
// than a single blob — the hashsplit representation of a large file.
// It carries the same mode as the Item it replaces; only the read
// path differs.
type Chunky struct {
	repo repository.Repository
	name string
	mode uint32
	oid  oid.OID
}

func (c *Chunky) Name() string { return c.name }
func (c *Chunky) Mode() uint32 { return c.mode }
func (c *Chunky) OID() oid.OID { return c.oid }

// FakeLink is a symlink this package synthesizes rather than reads
// from a tree object — currently only RevList's "latest" entry.
type FakeLink struct {
	name   string
	target string
}

func (f *FakeLink) Name() string   { return f.name }
func (f *FakeLink) Mode() uint32   { return objfmt.ModeSymlink }
func (f *FakeLink) Target() string { return f.target }

// revisionLayout matches the reference tool's on-disk revision naming:
// UTC, second precision, lexically sortable.
const revisionLayout = "2006-01-02-150405"

// NewRoot returns the filesystem's root node for repo.
func NewRoot(repo repository.Repository) *Root {
	return &Root{repo: repo}
}

// Resolve walks path (already split on "/", no leading/trailing empty
// components) starting at the repository root and returns the node it
// names.
func Resolve(repo repository.Repository, path []string) (Node, error) {
	var cur Node = NewRoot(repo)
	for _, name := range path {
		if name == "" {
			continue
		}
		children, err := Contents(repo, cur)
		if err != nil {
			return nil, err
		}
		next, ok := findByName(children, name)
		if !ok {
			return nil, bkerrors.New(bkerrors.NotFound, "no such path component %q", name)
		}
		cur = next
	}
	return cur, nil
}

func findByName(children []Node, name string) (Node, bool) {
	for _, c := range children {
		if c.Name() == name {
			return c, true
		}
	}
	return nil, false
}

// ItemMode reports n's mode bits without requiring a type switch at
// the call site.
func ItemMode(n Node) uint32 { return n.Mode() }

// Contents lists n's children. Leaf nodes (Item with a file mode,
// Chunky, FakeLink) have none and return an empty slice.
func Contents(repo repository.Repository, n Node) ([]Node, error) {
	switch v := n.(type) {
	case *Root:
		return rootContents(repo)
	case *Tags:
		return tagsContents(repo)
	case *RevList:
		return revListContents(repo, v)
	case *Commit:
		return treeContents(repo, v.commit.Tree)
	case *Item:
		if !objfmt.IsTree(v.mode) {
			return nil, nil
		}
		return treeContents(repo, v.oid)
	case *Chunky:
		return nil, nil
	case *FakeLink:
		return nil, nil
	default:
		return nil, bkerrors.New(bkerrors.ProtocolError, "vfs: unknown node type %T", n)
	}
}

func rootContents(repo repository.Repository) ([]Node, error) {
	refs, err := repo.ListRefs("refs/heads/")
	if err != nil {
		return nil, err
	}
	out := make([]Node, 0, len(refs)+1)
	for _, r := range refs {
		out = append(out, &RevList{repo: repo, ref: r.Name})
	}
	out = append(out, &Tags{repo: repo})
	return out, nil
}

func tagsContents(repo repository.Repository) ([]Node, error) {
	refs, err := repo.ListRefs("refs/tags/")
	if err != nil {
		return nil, err
	}
	out := make([]Node, 0, len(refs))
	for _, r := range refs {
		name := strings.TrimPrefix(r.Name, "refs/tags/")
		c, err := loadCommit(repo, name, r.New)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// revListContents walks the branch's parent chain, oldest ambiguity
// resolved by preferring the first parent, naming each commit by its
// author timestamp and falling back to a numeric suffix on
// collision (two commits made within the same second, which happens
// routinely under a scripted backup cadence).
func revListContents(repo repository.Repository, rl *RevList) ([]Node, error) {
	head, err := repo.ReadRef(rl.ref)
	if err != nil {
		return nil, err
	}

	type rev struct {
		oid    oid.OID
		commit objfmt.Commit
	}
	var revs []rev
	cur := head
	for !cur.IsZero() {
		obj, err := repo.ReadObject(cur)
		if err != nil {
			return nil, err
		}
		c, err := objfmt.DecodeCommit(obj.Payload)
		if err != nil {
			return nil, bkerrors.Wrap(bkerrors.Corruption, err, "decode commit %s", cur)
		}
		revs = append(revs, rev{oid: cur, commit: c})
		if len(c.Parents) == 0 {
			break
		}
		cur = c.Parents[0]
	}

	names := make([]string, len(revs))
	seen := make(map[string]int)
	for i, r := range revs {
		base := time.Unix(r.commit.Author.Epoch, 0).UTC().Format(revisionLayout)
		n := seen[base]
		seen[base] = n + 1
		if n > 0 {
			base = fmt.Sprintf("%s-%d", base, n)
		}
		names[i] = base
	}

	out := make([]Node, 0, len(revs)+1)
	for i, r := range revs {
		out = append(out, &Commit{repo: repo, name: names[i], oid: r.oid, commit: r.commit})
	}
	if len(revs) > 0 {
		out = append(out, &FakeLink{name: "latest", target: names[0]})
	}
	return out, nil
}

func loadCommit(repo repository.Repository, name string, o oid.OID) (*Commit, error) {
	obj, err := repo.ReadObject(o)
	if err != nil {
		return nil, err
	}
	c, err := objfmt.DecodeCommit(obj.Payload)
	if err != nil {
		return nil, bkerrors.Wrap(bkerrors.Corruption, err, "decode commit %s", o)
	}
	return &Commit{repo: repo, name: name, oid: o, commit: c}, nil
}

// treeContents decodes the tree object named by treeOID into its
// Item/Chunky children. A file entry whose oid itself decodes as a
// tree is reported as Chunky rather than Item; everything else
// (directories, plain files, symlinks) is an Item.
func treeContents(repo repository.Repository, treeOID oid.OID) ([]Node, error) {
	obj, err := repo.ReadObject(treeOID)
	if err != nil {
		return nil, err
	}
	entries, err := objfmt.DecodeTree(obj.Payload)
	if err != nil {
		return nil, bkerrors.Wrap(bkerrors.Corruption, err, "decode tree %s", treeOID)
	}

	out := make([]Node, 0, len(entries))
	for _, e := range entries {
		if objfmt.IsTree(e.Mode) {
			out = append(out, &Item{repo: repo, name: e.Name, mode: e.Mode, oid: e.OID})
			continue
		}
		if isChunked(repo, e.OID) {
			out = append(out, &Chunky{repo: repo, name: e.Name, mode: e.Mode, oid: e.OID})
			continue
		}
		out = append(out, &Item{repo: repo, name: e.Name, mode: e.Mode, oid: e.OID})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out, nil
}

// isChunked reports whether o names a tree object rather than a blob.
// A file entry's target oid is only ever a tree when the hashsplit
// builder folded it into one because its content crossed a chunk
// boundary; reading the object is the only reliable way to tell,
// since the tree entry's own mode bits don't carry this distinction.
func isChunked(repo repository.Repository, o oid.OID) bool {
	obj, err := repo.ReadObject(o)
	if err != nil {
		return false
	}
	return obj.Kind == oid.KindTree
}

// ReadFile returns the flattened byte content of an Item or Chunky
// leaf, concatenating a Chunky's hashsplit tree in depth-first order.
func ReadFile(repo repository.Repository, n Node) ([]byte, error) {
	switch v := n.(type) {
	case *Item:
		if objfmt.IsTree(v.mode) {
			return nil, bkerrors.New(bkerrors.ProtocolError, "%q is a directory", v.name)
		}
		obj, err := repo.ReadObject(v.oid)
		if err != nil {
			return nil, err
		}
		return obj.Payload, nil
	case *Chunky:
		return readChunked(repo, v.oid)
	default:
		return nil, bkerrors.New(bkerrors.ProtocolError, "%q has no readable content", n.Name())
	}
}

func readChunked(repo repository.Repository, treeOID oid.OID) ([]byte, error) {
	obj, err := repo.ReadObject(treeOID)
	if err != nil {
		return nil, err
	}
	if obj.Kind != oid.KindTree {
		return obj.Payload, nil
	}
	entries, err := objfmt.DecodeTree(obj.Payload)
	if err != nil {
		return nil, bkerrors.Wrap(bkerrors.Corruption, err, "decode chunk tree %s", treeOID)
	}
	var out []byte
	for _, e := range entries {
		chunk, err := readChunked(repo, e.OID)
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
	}
	return out, nil
}

// ReadLink returns a symlink's stored target: a FakeLink's synthetic
// target, or an Item whose mode is ModeSymlink read back as text.
func ReadLink(repo repository.Repository, n Node) (string, error) {
	switch v := n.(type) {
	case *FakeLink:
		return v.target, nil
	case *Item:
		if !objfmt.IsSymlink(v.mode) {
			return "", bkerrors.New(bkerrors.ProtocolError, "%q is not a symlink", v.name)
		}
		obj, err := repo.ReadObject(v.oid)
		if err != nil {
			return "", err
		}
		return string(obj.Payload), nil
	default:
		return "", bkerrors.New(bkerrors.ProtocolError, "%q is not a symlink", n.Name())
	}
}
