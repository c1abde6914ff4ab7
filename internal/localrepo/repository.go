package localrepo

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/coldvault/bupstore/internal/bkerrors"
	"github.com/coldvault/bupstore/internal/oid"
	"github.com/coldvault/bupstore/internal/pack"
	"github.com/coldvault/bupstore/internal/repository"
)

// Repository is a local, on-disk repository: objects live in
// deflate-compressed packs under objects/pack, refs under refs/, and
// config in a flat ini-like file at the repository root. It
// implements internal/repository.Repository.
type Repository struct {
	dir string

	mu      sync.Mutex
	cfg     *config
	refs    *refStore
	idxList *pack.PackIdxList
	writer  *pack.Writer
	closed  bool
}

var _ repository.Repository = (*Repository)(nil)

// Dir returns the repository's root directory.
func (r *Repository) Dir() string { return r.dir }

// Exists reports whether o is already stored.
func (r *Repository) Exists(o oid.OID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false, bkerrors.New(bkerrors.IoError, "repository closed")
	}
	return r.idxList.Exists(o), nil
}

// WriteObject stores payload, deduplicating against every pack this
// repository already knows about.
func (r *Repository) WriteObject(kind oid.Kind, payload []byte) (oid.OID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return oid.OID{}, bkerrors.New(bkerrors.IoError, "repository closed")
	}
	o, _, err := r.writer.MaybeWrite(kind, payload, r.idxList)
	return o, err
}

// ReadObject fetches and decodes the object named by o.
func (r *Repository) ReadObject(o oid.OID) (repository.Object, error) {
	r.mu.Lock()
	loc, ok, err := r.idxList.Find(o)
	r.mu.Unlock()
	if err != nil {
		return repository.Object{}, err
	}
	if !ok {
		return repository.Object{}, bkerrors.New(bkerrors.NotFound, "object %s not found", o)
	}
	obj, err := pack.ReadObjectAt(loc.PackPath, loc.Offset)
	if err != nil {
		return repository.Object{}, err
	}
	return repository.Object{Kind: obj.Kind, Payload: obj.Payload}, nil
}

// Flush finishes the current pack (writing its idx and rebuilding the
// multi-pack index and bloom filter), making every object written so
// far durable and visible to a fresh repository handle.
func (r *Repository) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return bkerrors.New(bkerrors.IoError, "repository closed")
	}
	if _, err := r.writer.Finish(true); err != nil {
		return err
	}
	return r.idxList.RebuildMidx(0.01)
}

// ListIndexFiles returns the names of every standalone .idx file this
// repository currently serves lookups from, for wire's list-indexes
// command.
func (r *Repository) ListIndexFiles() ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, bkerrors.New(bkerrors.IoError, "repository closed")
	}
	return r.idxList.IdxNames(), nil
}

// OpenIndexFile opens an idx file previously named by ListIndexFiles,
// for wire's send-index command to stream raw.
func (r *Repository) OpenIndexFile(name string) (io.ReadCloser, error) {
	r.mu.Lock()
	dir := r.idxList.Dir()
	r.mu.Unlock()
	clean := filepath.Base(name)
	if clean != name {
		return nil, bkerrors.New(bkerrors.ConfigError, "invalid index name %q", name)
	}
	f, err := os.Open(filepath.Join(dir, clean))
	if err != nil {
		return nil, bkerrors.Wrap(bkerrors.NotFound, err, "open index %q", name)
	}
	return f, nil
}

func (r *Repository) ReadRef(name string) (oid.OID, error) {
	return r.refs.Read(name)
}

func (r *Repository) ListRefs(prefix string) ([]repository.RefUpdate, error) {
	return r.refs.List(prefix)
}

func (r *Repository) UpdateRef(update repository.RefUpdate) error {
	return r.refs.Update(update.Name, update.Old, update.New)
}

func (r *Repository) DeleteRef(name string, old oid.OID) error {
	return r.refs.Delete(name, old)
}

func (r *Repository) ConfigGet(name string) (string, error) {
	return r.cfg.Get(name)
}

func (r *Repository) ConfigList(prefix string) ([]repository.ConfigValue, error) {
	entries, err := r.cfg.List(prefix)
	if err != nil {
		return nil, err
	}
	out := make([]repository.ConfigValue, len(entries))
	for i, e := range entries {
		out[i] = repository.ConfigValue{Name: e.Name, Value: e.Value}
	}
	return out, nil
}

func (r *Repository) ConfigWrite(name, value string) error {
	return r.cfg.Write(name, value)
}

// Close flushes any pending pack data and releases the repository
// handle. Closing twice is a no-op.
func (r *Repository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	_, err := r.writer.Finish(true)
	return err
}
