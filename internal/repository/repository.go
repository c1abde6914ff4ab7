// Package repository defines the interface every repository backend
// (local, remote-over-wire, end-to-end encrypted) implements, so
// higher-level code — the VFS resolver, a future CLI, tests — can be
// written once against Repository rather than against a concrete
// backend.
package repository

import (
	"io"

	"github.com/coldvault/bupstore/internal/oid"
)

// Object is a decoded, content-addressed object.
type Object struct {
	Kind    oid.Kind
	Payload []byte
}

// RefUpdate describes a compare-and-swap ref write: Old must match
// the ref's current value (oid.Zero for "must not already exist") or
// the update is rejected with bkerrors.CASFailure.
type RefUpdate struct {
	Name string
	Old  oid.OID
	New  oid.OID
}

// ConfigValue is one name/value pair from a repository's config.
type ConfigValue struct {
	Name  string
	Value string
}

// Repository is the operation surface shared by internal/localrepo,
// internal/remoterepo, and internal/encrepo.
type Repository interface {
	io.Closer

	// Exists reports whether o is already stored, without fetching
	// its payload — the dedup fast path every write goes through
	// first.
	Exists(o oid.OID) (bool, error)

	// WriteObject stores payload under kind, returning its oid. It is
	// idempotent: writing an oid that already exists is a no-op.
	WriteObject(kind oid.Kind, payload []byte) (oid.OID, error)

	// ReadObject fetches and decodes the object named by o.
	ReadObject(o oid.OID) (Object, error)

	// Flush finishes any buffered pack/container state, making every
	// object written so far durable and visible to subsequent Exists
	// calls on a fresh handle. It does not close the repository.
	Flush() error

	// ReadRef resolves name (e.g. "refs/heads/main") to its current
	// oid, or bkerrors.NotFound if it doesn't exist.
	ReadRef(name string) (oid.OID, error)

	// ListRefs returns every ref whose name has the given prefix
	// (pass "" for all refs), sorted by name.
	ListRefs(prefix string) ([]RefUpdate, error)

	// UpdateRef performs a compare-and-swap ref write.
	UpdateRef(update RefUpdate) error

	// DeleteRef removes name if its current value is old, CAS-style.
	DeleteRef(name string, old oid.OID) error

	// ConfigGet returns a config value, or bkerrors.NotFound if unset.
	ConfigGet(name string) (string, error)

	// ConfigList returns every config value whose name has the given
	// section prefix (e.g. "bup.").
	ConfigList(prefix string) ([]ConfigValue, error)

	// ConfigWrite sets name to value, creating it if absent.
	ConfigWrite(name, value string) error
}
