package encrepo

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"path/filepath"

	"github.com/coldvault/bupstore/internal/bkerrors"
	"github.com/coldvault/bupstore/internal/boxfile"
	"github.com/coldvault/bupstore/internal/pack"
)

const (
	dirPack = "objects/pack"

	refsName   = "refs"
	configName = "config"
)

// Options configures an encrepo.Repository beyond its Storage
// backend and cache directory.
type Options struct {
	Keys        boxfile.Keys
	Compression boxfile.Compression
	// PackOptions is forwarded to the local staging pack.Writer that
	// every WriteObject call goes through before the finished pack is
	// sealed and uploaded.
	PackOptions pack.Options
}

// Open prepares cacheDir (creating its objects/pack subdirectory if
// necessary), synchronizes its local idx mirrors against storage's
// *.encidx listing, and returns a ready Repository.
func Open(cacheDir string, storage Storage, opts Options) (*Repository, error) {
	packDir := filepath.Join(cacheDir, dirPack)
	if err := os.MkdirAll(packDir, 0o755); err != nil {
		return nil, bkerrors.Wrap(bkerrors.IoError, err, "create cache directory %s", packDir)
	}

	if err := syncIdx(packDir, storage, opts.Keys); err != nil {
		return nil, err
	}

	idxList, err := pack.NewPackIdxList(packDir)
	if err != nil {
		return nil, err
	}

	r := &Repository{
		cacheDir: cacheDir,
		packDir:  packDir,
		storage:  storage,
		keys:     opts.Keys,
		compress: opts.Compression,
		idxList:  idxList,
		refs:     &refStore{storage: storage, keys: opts.Keys},
		cfg:      &configStore{storage: storage, keys: opts.Keys},
	}

	writer := pack.NewWriter(packDir, opts.PackOptions)
	writer.OnPackFinished = r.onPackFinished
	r.writer = writer

	return r, nil
}

// randomName returns a fresh "pack-<40 lowercase hex chars>" basename,
// shared by a pack's .encpack/.encidx pair in remote storage.
func randomName() (string, error) {
	var raw [20]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", bkerrors.Wrap(bkerrors.IoError, err, "generate pack name")
	}
	return "pack-" + hex.EncodeToString(raw[:]), nil
}
