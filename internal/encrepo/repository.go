package encrepo

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/coldvault/bupstore/internal/bkerrors"
	"github.com/coldvault/bupstore/internal/boxfile"
	"github.com/coldvault/bupstore/internal/oid"
	"github.com/coldvault/bupstore/internal/pack"
	"github.com/coldvault/bupstore/internal/repository"
)

// Repository is an end-to-end encrypted repository: objects are
// staged through a local pack.Writer exactly as internal/localrepo
// does, then every finished pack/idx pair is sealed into BUPe
// containers (internal/boxfile) and pushed to a pluggable Storage.
// The local cache directory keeps its plaintext pack/idx files
// indefinitely, serving reads the same way internal/localrepo does;
// Storage exists for durability and for sharing a repository across
// machines via their idx mirrors, not as this process's read path.
type Repository struct {
	cacheDir string
	packDir  string
	storage  Storage
	keys     boxfile.Keys
	compress boxfile.Compression

	mu      sync.Mutex
	idxList *pack.PackIdxList
	writer  *pack.Writer
	refs    *refStore
	cfg     *configStore
	closed  bool
}

var _ repository.Repository = (*Repository)(nil)

// Exists reports whether o is already stored in this repository's
// local object cache.
func (r *Repository) Exists(o oid.OID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false, bkerrors.New(bkerrors.IoError, "repository closed")
	}
	return r.idxList.Exists(o), nil
}

// WriteObject stages payload through the local pack writer,
// deduplicating against every pack already known locally. The object
// becomes durable on Storage only once its pack is finished (see
// Flush and onPackFinished).
func (r *Repository) WriteObject(kind oid.Kind, payload []byte) (oid.OID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return oid.OID{}, bkerrors.New(bkerrors.IoError, "repository closed")
	}
	o, _, err := r.writer.MaybeWrite(kind, payload, r.idxList)
	return o, err
}

// ReadObject fetches and decodes o from the local pack cache.
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

// Flush finishes the current pack — which seals and uploads it via
// onPackFinished — and rebuilds the local multi-pack index and bloom
// filter over everything now known.
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
// repository currently serves lookups from.
func (r *Repository) ListIndexFiles() ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, bkerrors.New(bkerrors.IoError, "repository closed")
	}
	return r.idxList.IdxNames(), nil
}

// OpenIndexFile opens a local idx file previously named by
// ListIndexFiles.
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
	return r.cfg.List(prefix)
}

func (r *Repository) ConfigWrite(name, value string) error {
	return r.cfg.Write(name, value)
}

// Close flushes any pending pack data (sealing and uploading it) and
// releases the repository handle. Closing twice is a no-op.
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
