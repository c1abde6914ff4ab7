package localrepo

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/coldvault/bupstore/internal/bkerrors"
	"github.com/coldvault/bupstore/internal/oid"
	"github.com/coldvault/bupstore/internal/repository"
)

// refStore manages refs/heads/* and refs/tags/* as one-oid-per-file
// entries, guarding every write with an exclusively-created lock file
// so a compare-and-swap can't race with another writer in this or any
// other process sharing the directory.
type refStore struct {
	root string // the repository root; refs live under root/refs/...
}

func newRefStore(root string) *refStore {
	return &refStore{root: root}
}

// peelSuffix marks a request for a ref's fully-dereferenced target.
// Tags in this engine are lightweight (a ref pointing straight at a
// commit, no separate annotated-tag object), so peeling a ref is a
// no-op once the suffix is stripped — this still has to be
// recognized and accepted rather than rejected as a malformed name.
const peelSuffix = "^{}"

func (s *refStore) resolvePath(name string) (string, error) {
	name = strings.TrimSuffix(name, peelSuffix)
	clean := filepath.Clean(name)
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", bkerrors.New(bkerrors.ConfigError, "invalid ref name %q", name)
	}
	if !strings.HasPrefix(clean, "refs/heads/") && !strings.HasPrefix(clean, "refs/tags/") {
		return "", bkerrors.New(bkerrors.ConfigError, "ref name %q must start with refs/heads/ or refs/tags/", name)
	}
	return filepath.Join(s.root, clean), nil
}

func (s *refStore) Read(name string) (oid.OID, error) {
	path, err := s.resolvePath(name)
	if err != nil {
		return oid.OID{}, err
	}
	return s.readPath(path, name)
}

func (s *refStore) readPath(path, name string) (oid.OID, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return oid.OID{}, bkerrors.New(bkerrors.NotFound, "ref %q not found", name)
		}
		return oid.OID{}, bkerrors.Wrap(bkerrors.IoError, err, "read ref %q", name)
	}
	o, err := oid.Parse(strings.TrimSpace(string(data)))
	if err != nil {
		return oid.OID{}, bkerrors.Wrap(bkerrors.Corruption, err, "ref %q has malformed value", name)
	}
	return o, nil
}

func (s *refStore) List(prefix string) ([]repository.RefUpdate, error) {
	var out []repository.RefUpdate
	for _, section := range []string{"refs/heads", "refs/tags"} {
		base := filepath.Join(s.root, section)
		err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if os.IsNotExist(err) {
					return nil
				}
				return err
			}
			if d.IsDir() || strings.HasSuffix(path, ".lock") {
				return nil
			}
			rel, err := filepath.Rel(s.root, path)
			if err != nil {
				return err
			}
			rel = filepath.ToSlash(rel)
			if !strings.HasPrefix(rel, prefix) {
				return nil
			}
			o, err := s.readPath(path, rel)
			if err != nil {
				return err
			}
			out = append(out, repository.RefUpdate{Name: rel, New: o})
			return nil
		})
		if err != nil {
			return nil, bkerrors.Wrap(bkerrors.IoError, err, "list refs")
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Update performs a CAS write: the ref's current value must equal
// old (oid.Zero meaning "must not exist yet") or the update is
// rejected.
func (s *refStore) Update(name string, old, newOID oid.OID) error {
	path, err := s.resolvePath(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return bkerrors.Wrap(bkerrors.IoError, err, "create ref directory")
	}

	lockPath := path + ".lock"
	lock, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return bkerrors.Wrap(bkerrors.IoError, err, "ref %q is locked by another writer", name)
	}
	renamed := false
	defer func() {
		if !renamed {
			lock.Close()
			os.Remove(lockPath)
		}
	}()

	current, err := s.readPath(path, name)
	if err != nil && !bkerrors.Is(err, bkerrors.NotFound) {
		return err
	}
	if current != old {
		return bkerrors.New(bkerrors.CASFailure, "ref %q: expected %s, found %s", name, old, current)
	}

	if _, err := lock.WriteString(newOID.String() + "\n"); err != nil {
		return bkerrors.Wrap(bkerrors.IoError, err, "write ref %q", name)
	}
	if err := lock.Close(); err != nil {
		return bkerrors.Wrap(bkerrors.IoError, err, "close ref %q", name)
	}
	if err := os.Rename(lockPath, path); err != nil {
		return bkerrors.Wrap(bkerrors.IoError, err, "rename ref %q into place", name)
	}
	renamed = true
	return nil
}

// Delete removes name if its current value is old.
func (s *refStore) Delete(name string, old oid.OID) error {
	path, err := s.resolvePath(name)
	if err != nil {
		return err
	}
	lockPath := path + ".lock"
	lock, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return bkerrors.Wrap(bkerrors.IoError, err, "ref %q is locked by another writer", name)
	}
	defer func() {
		lock.Close()
		os.Remove(lockPath)
	}()

	current, err := s.readPath(path, name)
	if err != nil {
		return err
	}
	if current != old {
		return bkerrors.New(bkerrors.CASFailure, "ref %q: expected %s, found %s", name, old, current)
	}
	if err := os.Remove(path); err != nil {
		return bkerrors.Wrap(bkerrors.IoError, err, "remove ref %q", name)
	}
	return nil
}
