// Package localstorage implements internal/encrepo.Storage over a
// plain directory tree: one subdirectory per Kind, atomic
// create-temp-then-rename writes, and an O_EXCL advisory lock file
// guarding refs/config read-modify-write cycles the same way
// internal/localrepo/refs.go guards plaintext ref updates.
package localstorage

import (
	"bytes"
	"io"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"

	"github.com/coldvault/bupstore/internal/bkerrors"
	"github.com/coldvault/bupstore/internal/encrepo"
)

// Storage is a directory-backed encrepo.Storage.
type Storage struct {
	root string
}

var _ encrepo.Storage = (*Storage)(nil)

// New prepares root (creating it and one subdirectory per Kind if
// necessary) and returns a Storage over it.
func New(root string) (*Storage, error) {
	for k := encrepo.KindData; k <= encrepo.KindRefs; k++ {
		if err := os.MkdirAll(filepath.Join(root, k.String()), 0o755); err != nil {
			return nil, bkerrors.Wrap(bkerrors.IoError, err, "create storage directory %s", k)
		}
	}
	return &Storage{root: root}, nil
}

func (s *Storage) dir(kind encrepo.Kind) string {
	return filepath.Join(s.root, kind.String())
}

func hashVersion(data []byte) encrepo.Version {
	sum := blake3.Sum256(data)
	return encrepo.Version(string(sum[:]))
}

// needsLock reports whether kind's writes must serialize through an
// O_EXCL lock file rather than relying on the content-hash CAS alone
// — true for the two small files every repository read-modifies
// repeatedly (refs, config), where a lock avoids two writers both
// reading the same version and racing to rename.
func needsLock(kind encrepo.Kind) bool {
	return kind == encrepo.KindRefs || kind == encrepo.KindConfig
}

func (s *Storage) GetReader(name string, kind encrepo.Kind) (io.ReadCloser, encrepo.Version, error) {
	path := filepath.Join(s.dir(kind), name)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", bkerrors.New(bkerrors.NotFound, "%s %s not found", kind, name)
		}
		return nil, "", bkerrors.Wrap(bkerrors.IoError, err, "read %s %s", kind, name)
	}
	return io.NopCloser(bytes.NewReader(data)), hashVersion(data), nil
}

func (s *Storage) GetWriter(name string, kind encrepo.Kind, overwrite encrepo.Version) (io.WriteCloser, error) {
	dir := s.dir(kind)
	path := filepath.Join(dir, name)

	var lock *os.File
	if needsLock(kind) {
		lockPath := path + ".lock"
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, bkerrors.Wrap(bkerrors.IoError, err, "%s %s is locked by another writer", kind, name)
		}
		lock = f
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		if lock != nil {
			lock.Close()
			os.Remove(path + ".lock")
		}
		return nil, bkerrors.Wrap(bkerrors.IoError, err, "create temp file for %s %s", kind, name)
	}

	return &writer{
		storage:   s,
		path:      path,
		lockPath:  path + ".lock",
		lock:      lock,
		tmp:       tmp,
		overwrite: overwrite,
		name:      name,
		kind:      kind,
	}, nil
}

func (s *Storage) List(kind encrepo.Kind, pattern string) ([]string, error) {
	entries, err := os.ReadDir(s.dir(kind))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, bkerrors.Wrap(bkerrors.IoError, err, "list %s", kind)
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) == ".lock" || filepath.Base(name)[0] == '.' {
			continue
		}
		if pattern != "" {
			ok, err := filepath.Match(pattern, name)
			if err != nil {
				return nil, bkerrors.Wrap(bkerrors.ConfigError, err, "bad pattern %q", pattern)
			}
			if !ok {
				continue
			}
		}
		out = append(out, name)
	}
	return out, nil
}

func (s *Storage) Close() error { return nil }

type writer struct {
	storage   *Storage
	path      string
	lockPath  string
	lock      *os.File
	tmp       *os.File
	overwrite encrepo.Version
	name      string
	kind      encrepo.Kind
	closed    bool
}

func (w *writer) Write(p []byte) (int, error) {
	return w.tmp.Write(p)
}

func (w *writer) abort() {
	w.tmp.Close()
	os.Remove(w.tmp.Name())
	if w.lock != nil {
		w.lock.Close()
		os.Remove(w.lockPath)
	}
}

func (w *writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.tmp.Sync(); err != nil {
		w.abort()
		return bkerrors.Wrap(bkerrors.IoError, err, "sync %s %s", w.kind, w.name)
	}
	if err := w.tmp.Close(); err != nil {
		if w.lock != nil {
			w.lock.Close()
			os.Remove(w.lockPath)
		}
		os.Remove(w.tmp.Name())
		return bkerrors.Wrap(bkerrors.IoError, err, "close %s %s", w.kind, w.name)
	}

	current, err := os.ReadFile(w.path)
	exists := err == nil
	if err != nil && !os.IsNotExist(err) {
		os.Remove(w.tmp.Name())
		if w.lock != nil {
			w.lock.Close()
			os.Remove(w.lockPath)
		}
		return bkerrors.Wrap(bkerrors.IoError, err, "stat %s %s", w.kind, w.name)
	}

	switch {
	case w.overwrite == "" && exists:
		os.Remove(w.tmp.Name())
		if w.lock != nil {
			w.lock.Close()
			os.Remove(w.lockPath)
		}
		return bkerrors.New(bkerrors.AlreadyExists, "%s %s already exists", w.kind, w.name)
	case w.overwrite != "" && !exists:
		os.Remove(w.tmp.Name())
		if w.lock != nil {
			w.lock.Close()
			os.Remove(w.lockPath)
		}
		return bkerrors.New(bkerrors.CASFailure, "%s %s no longer exists", w.kind, w.name)
	case w.overwrite != "" && exists:
		if hashVersion(current) != w.overwrite {
			os.Remove(w.tmp.Name())
			if w.lock != nil {
				w.lock.Close()
				os.Remove(w.lockPath)
			}
			return bkerrors.New(bkerrors.CASFailure, "%s %s changed since read", w.kind, w.name)
		}
	}

	if err := os.Rename(w.tmp.Name(), w.path); err != nil {
		if w.lock != nil {
			w.lock.Close()
			os.Remove(w.lockPath)
		}
		return bkerrors.Wrap(bkerrors.IoError, err, "install %s %s", w.kind, w.name)
	}
	if w.lock != nil {
		w.lock.Close()
		os.Remove(w.lockPath)
	}
	return nil
}
