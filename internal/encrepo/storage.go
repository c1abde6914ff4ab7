// Package encrepo implements an end-to-end encrypted repository: the
// same repository.Repository surface as internal/localrepo and
// internal/remoterepo, but backed by internal/boxfile containers on a
// pluggable Storage rather than a plain filesystem tree or a wire
// connection. See internal/encrepo/localstorage and
// internal/encrepo/s3storage for the two required backends.
package encrepo

import "io"

// Kind tags which of a repository's five encrypted file categories a
// Storage operation concerns. DATA and METADATA both live in sealed
// (public-key) pack files; the distinction exists so a backend can
// apply a different storage class or retention policy to each
// without encrepo needing to know what that policy is.
type Kind int

const (
	KindData Kind = iota
	KindMetadata
	KindIdx
	KindConfig
	KindRefs
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindMetadata:
		return "metadata"
	case KindIdx:
		return "idx"
	case KindConfig:
		return "config"
	case KindRefs:
		return "refs"
	default:
		return "unknown"
	}
}

// Version is an opaque compare-and-swap token a Storage implementation
// hands back from GetReader and accepts from GetWriter: a content
// hash for internal/encrepo/localstorage, an ETag for
// internal/encrepo/s3storage. The empty Version means "the file must
// not already exist" when passed to GetWriter.
type Version string

// Storage is the pluggable backend a Repository stores its encrypted
// containers on. Every method classifies its failures with
// bkerrors.NotFound, bkerrors.AlreadyExists, or bkerrors.CASFailure
// (the engine's taxonomy stand-ins for the spec's FileNotFound,
// FileAlreadyExists, and FileModified).
type Storage interface {
	io.Closer

	// GetReader opens name (one of kind's files) for reading,
	// returning its current Version so a caller intending to
	// overwrite it can pass that Version back to GetWriter as a CAS
	// token.
	GetReader(name string, kind Kind) (io.ReadCloser, Version, error)

	// GetWriter opens name for writing. overwrite == "" means the
	// write must create a new file (bkerrors.AlreadyExists if one
	// exists); a non-empty overwrite must match the file's current
	// Version at commit time (bkerrors.CASFailure otherwise). Nothing
	// is visible to readers until the returned writer is closed.
	GetWriter(name string, kind Kind, overwrite Version) (io.WriteCloser, error)

	// List returns the names of every file of the given kind whose
	// base name matches pattern (a path.Match-style glob; "" matches
	// everything).
	List(kind Kind, pattern string) ([]string, error)
}
