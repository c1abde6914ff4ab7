package remoterepo

import (
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/coldvault/bupstore/internal/bkerrors"
	"github.com/coldvault/bupstore/internal/oid"
	"github.com/coldvault/bupstore/internal/pack"
	"github.com/coldvault/bupstore/internal/repository"
	"github.com/coldvault/bupstore/internal/wire"
)

// Repository is a repository.Repository backed by a remote bupd
// server over internal/wire, the client-side counterpart to
// internal/localrepo. Dedup lookups (Exists) are answered entirely
// from a local index-cache mirror of the remote's idx files — never a
// network round trip — the same never-false-negative contract
// internal/pack.PackIdxList already gives internal/localrepo.
type Repository struct {
	c *client

	mu          sync.Mutex
	cacheDir    string
	idxList     *pack.PackIdxList
	written     map[oid.OID]bool
	sessionOpen bool
	closed      bool
}

var _ repository.Repository = (*Repository)(nil)

// Dial connects to addr, selects dir as the repository to operate on
// (bupd's set-dir), and prepares a local index-cache mirror under
// cacheRoot/index-cache/<key>, where key is the remote's bup.repo-id
// config value if it advertises one, or else a sanitized form of
// addr:dir.
func Dial(addr, dir, cacheRoot string) (*Repository, error) {
	c, err := dial(addr)
	if err != nil {
		return nil, err
	}
	r := &Repository{c: c, written: make(map[oid.OID]bool)}

	if err := r.setDir(dir); err != nil {
		c.close()
		return nil, err
	}

	key, err := r.ConfigGet("bup.repo-id")
	if err != nil && !bkerrors.Is(err, bkerrors.NotFound) {
		c.close()
		return nil, err
	}
	if key == "" {
		key = sanitizeCacheKey(addr + ":" + dir)
	}
	r.cacheDir = filepath.Join(cacheRoot, "index-cache", key)
	if err := os.MkdirAll(r.cacheDir, 0o755); err != nil {
		c.close()
		return nil, bkerrors.Wrap(bkerrors.IoError, err, "create index cache %s", r.cacheDir)
	}
	idxList, err := pack.NewPackIdxList(r.cacheDir)
	if err != nil {
		c.close()
		return nil, err
	}
	r.idxList = idxList

	if err := r.RefreshIndexCache(); err != nil {
		c.close()
		return nil, err
	}
	return r, nil
}

// sanitizeCacheKey turns an addr:dir pair into a filesystem-safe
// directory component.
func sanitizeCacheKey(s string) string {
	repl := strings.NewReplacer("/", "_", ":", "_", "\\", "_")
	return repl.Replace(s)
}

func (r *Repository) setDir(dir string) error {
	return r.c.command("set-dir "+dir, func() error {
		return r.c.readStatus()
	})
}

// RefreshIndexCache fetches the names of every idx file the remote
// currently serves (list-indexes), downloads any the local cache
// doesn't already have (send-index), and reloads the local
// pack.PackIdxList so Exists sees them.
func (r *Repository) RefreshIndexCache() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refreshIndexCacheLocked()
}

func (r *Repository) refreshIndexCacheLocked() error {
	var names []string
	err := r.c.command("list-indexes", func() error {
		for {
			line, err := wire.ReadLine(r.c.br)
			if err != nil {
				return err
			}
			if line == "" {
				break
			}
			names = append(names, line)
		}
		return r.c.readStatus()
	})
	if err != nil {
		return err
	}

	for _, name := range names {
		clean := filepath.Base(name)
		if clean != name {
			continue
		}
		if _, err := os.Stat(filepath.Join(r.cacheDir, clean)); err == nil {
			continue
		}
		if err := r.fetchIndexLocked(clean); err != nil {
			return err
		}
	}
	return r.idxList.Refresh()
}

func (r *Repository) fetchIndexLocked(name string) error {
	var data []byte
	err := r.c.command("send-index "+name, func() error {
		chunk, err := wire.ReadChunk(r.c.rw)
		if err != nil {
			return err
		}
		data = chunk
		return r.c.readStatus()
	})
	if err != nil {
		return err
	}
	tmp := filepath.Join(r.cacheDir, name+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return bkerrors.Wrap(bkerrors.IoError, err, "write index cache file %s", tmp)
	}
	if err := os.Rename(tmp, filepath.Join(r.cacheDir, name)); err != nil {
		return bkerrors.Wrap(bkerrors.IoError, err, "install index cache file %s", name)
	}
	return nil
}

func (r *Repository) checkOpen() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return bkerrors.New(bkerrors.IoError, "repository closed")
	}
	return nil
}

// Exists reports whether o is known to the local index-cache mirror
// or has already been sent this session, without a network round trip.
func (r *Repository) Exists(o oid.OID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false, bkerrors.New(bkerrors.IoError, "repository closed")
	}
	if r.written[o] {
		return true, nil
	}
	return r.idxList.Exists(o), nil
}

// WriteObject stores payload on the remote via a receive-objects-v2
// session, lazily opened on first use and left open across calls
// until Flush or Close. Writing an oid already known locally is a
// no-op, matching internal/localrepo's dedup-before-send behavior.
func (r *Repository) WriteObject(kind oid.Kind, payload []byte) (oid.OID, error) {
	o := oid.Of(kind, payload)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return oid.OID{}, bkerrors.New(bkerrors.IoError, "repository closed")
	}
	if r.written[o] || r.idxList.Exists(o) {
		return o, nil
	}

	if !r.sessionOpen {
		if err := r.c.beginReceiveSession(); err != nil {
			return oid.OID{}, err
		}
		r.sessionOpen = true
	}

	encoded, err := pack.EncodeObjectBytes(kind, payload)
	if err != nil {
		return oid.OID{}, err
	}
	if err := r.c.sendReceiveFrame(o, encoded); err != nil {
		r.sessionOpen = false
		return oid.OID{}, err
	}
	r.written[o] = true
	return o, nil
}

// ReadObject fetches o via cat-batch, the only cat-family command
// that reports an object's kind alongside its payload (plain cat/join
// return bare chunked bytes with no kind indicator).
func (r *Repository) ReadObject(o oid.OID) (repository.Object, error) {
	if err := r.checkOpen(); err != nil {
		return repository.Object{}, err
	}

	var result repository.Object
	var missing bool
	err := r.c.command("cat-batch", func() error {
		// The oid and the blank terminator go out in one write: the
		// server answers the oid before reading the terminator, so on an
		// unbuffered transport a second write would block against it.
		if err := wire.WriteLine(r.c.rw, o.String()+"\n"); err != nil {
			return err
		}
		line, err := wire.ReadLine(r.c.br)
		if err != nil {
			return err
		}
		if line == "missing" {
			missing = true
			return r.c.readStatus()
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return bkerrors.New(bkerrors.ProtocolError, "cat-batch: malformed response %q", line)
		}
		size, serr := strconv.Atoi(fields[2])
		if serr != nil {
			return bkerrors.Wrap(bkerrors.ProtocolError, serr, "cat-batch: bad size %q", fields[2])
		}
		payload := make([]byte, size)
		if _, rerr := io.ReadFull(r.c.br, payload); rerr != nil {
			return bkerrors.Wrap(bkerrors.IoError, rerr, "cat-batch: read payload")
		}
		result = repository.Object{Kind: oid.Kind(fields[1]), Payload: payload}
		return r.c.readStatus()
	})
	if err != nil {
		return repository.Object{}, err
	}
	if missing {
		return repository.Object{}, bkerrors.New(bkerrors.NotFound, "object %s not found", o)
	}
	return result, nil
}

// Flush finishes the open receive-objects-v2 session (if any), making
// every object sent so far durable on the remote, then refreshes the
// local index cache so Exists sees them on a fresh Repository even
// without consulting r.written. r.written itself is never cleared:
// like pack.Writer's own seen map, its lifetime is the handle's, not
// any one Flush.
func (r *Repository) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return bkerrors.New(bkerrors.IoError, "repository closed")
	}
	if !r.sessionOpen {
		return nil
	}
	if err := r.c.endReceiveSession(); err != nil {
		r.sessionOpen = false
		return err
	}
	r.sessionOpen = false
	return r.refreshIndexCacheLocked()
}

// ReadRef resolves name to its current oid via read-ref.
func (r *Repository) ReadRef(name string) (oid.OID, error) {
	if err := r.checkOpen(); err != nil {
		return oid.OID{}, err
	}
	var o oid.OID
	var missing bool
	err := r.c.command("read-ref "+name, func() error {
		line, err := wire.ReadLine(r.c.br)
		if err != nil {
			return err
		}
		if line == "" {
			missing = true
			return r.c.readStatus()
		}
		o, err = oid.Parse(line)
		if err != nil {
			return bkerrors.Wrap(bkerrors.ProtocolError, err, "read-ref: bad oid %q", line)
		}
		return r.c.readStatus()
	})
	if err != nil {
		return oid.OID{}, err
	}
	if missing {
		return oid.OID{}, bkerrors.New(bkerrors.NotFound, "ref %s not found", name)
	}
	return o, nil
}

// ListRefs lists every ref via refs (requesting both heads and tags,
// with no server-side glob patterns) and filters by prefix client-side.
func (r *Repository) ListRefs(prefix string) ([]repository.RefUpdate, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	var all []repository.RefUpdate
	err := r.c.command("refs 1 1", func() error {
		if err := wire.WriteLine(r.c.rw, ""); err != nil {
			return err
		}
		for {
			line, err := wire.ReadLine(r.c.br)
			if err != nil {
				return err
			}
			if line == "" {
				break
			}
			fields := strings.SplitN(line, " ", 2)
			if len(fields) != 2 {
				return bkerrors.New(bkerrors.ProtocolError, "refs: malformed line %q", line)
			}
			o, err := oid.Parse(fields[0])
			if err != nil {
				return bkerrors.Wrap(bkerrors.ProtocolError, err, "refs: bad oid %q", fields[0])
			}
			all = append(all, repository.RefUpdate{Name: fields[1], New: o})
		}
		return r.c.readStatus()
	})
	if err != nil {
		return nil, err
	}
	if prefix == "" {
		return all, nil
	}
	out := all[:0]
	for _, ref := range all {
		if strings.HasPrefix(ref.Name, prefix) {
			out = append(out, ref)
		}
	}
	return out, nil
}

// UpdateRef performs a compare-and-swap ref write via update-ref.
func (r *Repository) UpdateRef(update repository.RefUpdate) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	return r.c.command("update-ref "+update.Name, func() error {
		if err := wire.WriteLine(r.c.rw, oidOrEmpty(update.New)); err != nil {
			return err
		}
		if err := wire.WriteLine(r.c.rw, oidOrEmpty(update.Old)); err != nil {
			return err
		}
		return r.c.readStatus()
	})
}

// DeleteRef removes name if its current value is old, via delete-ref.
func (r *Repository) DeleteRef(name string, old oid.OID) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	return r.c.command("delete-ref "+name, func() error {
		if err := wire.WriteLine(r.c.rw, oidOrEmpty(old)); err != nil {
			return err
		}
		return r.c.readStatus()
	})
}

func oidOrEmpty(o oid.OID) string {
	if o.IsZero() {
		return ""
	}
	return o.String()
}

// ConfigGet reads a config value via config-get.
func (r *Repository) ConfigGet(name string) (string, error) {
	if err := r.checkOpen(); err != nil {
		return "", err
	}
	var value string
	var missing bool
	err := r.c.command("config-get "+name, func() error {
		present, err := wire.ReadVUint(r.c.br)
		if err != nil {
			return err
		}
		if present == 0 {
			missing = true
			return r.c.readStatus()
		}
		v, err := wire.ReadBvec(r.c.br)
		if err != nil {
			return err
		}
		value = string(v)
		return r.c.readStatus()
	})
	if err != nil {
		return "", err
	}
	if missing {
		return "", bkerrors.New(bkerrors.NotFound, "config %s not set", name)
	}
	return value, nil
}

// ConfigList lists every config value whose name has the given
// prefix. The wire command itself carries no prefix (per its
// "config-list [values]" entry) — it always lists everything, with
// values, and the prefix filter is applied client-side, the same
// pattern ListRefs uses for "refs".
func (r *Repository) ConfigList(prefix string) ([]repository.ConfigValue, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	var all []repository.ConfigValue
	err := r.c.command("config-list values", func() error {
		for {
			name, err := wire.ReadBvec(r.c.br)
			if err != nil {
				return err
			}
			if len(name) == 0 {
				break
			}
			value, err := wire.ReadBvec(r.c.br)
			if err != nil {
				return err
			}
			all = append(all, repository.ConfigValue{Name: string(name), Value: string(value)})
		}
		return r.c.readStatus()
	})
	if err != nil {
		return nil, err
	}
	if prefix == "" {
		return all, nil
	}
	out := all[:0]
	for _, e := range all {
		if strings.HasPrefix(e.Name, prefix) {
			out = append(out, e)
		}
	}
	return out, nil
}

// ConfigWrite sets name to value via config-write.
func (r *Repository) ConfigWrite(name, value string) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	return r.c.command("config-write "+name, func() error {
		if err := wire.WriteLine(r.c.rw, "0"); err != nil {
			return err
		}
		if err := wire.WriteLine(r.c.rw, value); err != nil {
			return err
		}
		return r.c.readStatus()
	})
}

// Close aborts any open receive-objects-v2 session (best effort,
// leaving already-written objects on the remote) and closes the
// connection. Closing twice is a no-op.
func (r *Repository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.sessionOpen {
		r.c.abortReceiveSession()
		r.sessionOpen = false
	}
	return r.c.close()
}
