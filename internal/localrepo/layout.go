// Package localrepo implements the on-disk repository: object
// storage via internal/pack, refs, and config, laid out the way the
// original tool lays out a repository directory.
package localrepo

import (
	"encoding/base32"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/coldvault/bupstore/internal/bkerrors"
	"github.com/coldvault/bupstore/internal/pack"
)

const (
	dirObjects   = "objects"
	dirPack      = "objects/pack"
	dirRefsHeads = "refs/heads"
	dirRefsTags  = "refs/tags"
	configFile   = "config"
)

// layoutDirs are created (if absent) by Init and checked for presence
// by Open.
var layoutDirs = []string{dirObjects, dirPack, dirRefsHeads, dirRefsTags}

// repoIDLen is the fixed width of the generated repository identity.
const repoIDLen = 31

// newRepoID derives a 31-character lowercase-alnum repository id from
// a UUID's raw entropy, base32-encoded without padding. This swaps
// the original's os.urandom call for a well-tested dependency while
// keeping the on-disk string shape (fixed-width lowercase-alnum)
// unchanged.
func newRepoID() string {
	u := uuid.New()
	encoded := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(u[:])
	lower := make([]byte, 0, len(encoded))
	for _, b := range []byte(encoded) {
		if b >= 'A' && b <= 'Z' {
			b = b - 'A' + 'a'
		}
		lower = append(lower, b)
	}
	for len(lower) < repoIDLen {
		lower = append(lower, '0')
	}
	return string(lower[:repoIDLen])
}

// Init creates a new repository at dir, failing if it already exists
// and is non-empty.
func Init(dir string) (*Repository, error) {
	if entries, err := os.ReadDir(dir); err == nil && len(entries) > 0 {
		return nil, bkerrors.New(bkerrors.AlreadyExists, "repository %s already exists and is non-empty", dir)
	}
	for _, d := range layoutDirs {
		if err := os.MkdirAll(filepath.Join(dir, d), 0o755); err != nil {
			return nil, bkerrors.Wrap(bkerrors.IoError, err, "create %s", d)
		}
	}

	cfg := newConfig(filepath.Join(dir, configFile))
	if err := cfg.Write("bup.repo-id", newRepoID()); err != nil {
		return nil, err
	}
	if err := cfg.Write("bup.version", "1"); err != nil {
		return nil, err
	}

	return Open(dir)
}

// Open opens an existing repository at dir.
func Open(dir string) (*Repository, error) {
	for _, d := range layoutDirs {
		info, err := os.Stat(filepath.Join(dir, d))
		if err != nil || !info.IsDir() {
			return nil, bkerrors.New(bkerrors.NotFound, "%s is not a repository (missing %s)", dir, d)
		}
	}

	packDir := filepath.Join(dir, dirPack)
	idxList, err := pack.NewPackIdxList(packDir)
	if err != nil {
		return nil, err
	}
	writer := pack.NewWriter(packDir, pack.Options{})
	writer.OnPackFinished = func(string) error {
		return idxList.Refresh()
	}

	return &Repository{
		dir:     dir,
		cfg:     newConfig(filepath.Join(dir, configFile)),
		refs:    newRefStore(dir),
		idxList: idxList,
		writer:  writer,
	}, nil
}
