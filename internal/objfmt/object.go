// Package objfmt encodes and decodes the four object payload shapes
// the engine stores: commits, trees, blobs, and the self-delimiting
// metadata record carried inside blob-kind objects.
//
// Objects are immutable once written; this package only deals in
// plain byte payloads, leaving hashing (internal/oid) and physical
// storage (internal/pack) to their own packages.
package objfmt

import "github.com/coldvault/bupstore/internal/oid"

// Mode values used in tree entries. These mirror the reference
// repository format bit for bit; they are not POSIX mode bits beyond
// the subset that distinguishes tree/file/symlink.
const (
	ModeTree    uint32 = 0o040000
	ModeFile    uint32 = 0o100644
	ModeExec    uint32 = 0o100755
	ModeSymlink uint32 = 0o120000
)

// IsTree, IsSymlink classify a tree entry's mode.
func IsTree(mode uint32) bool    { return mode&0o170000 == ModeTree }
func IsSymlink(mode uint32) bool { return mode&0o170000 == ModeSymlink }

// Entry is one (mode, name, child-oid) triple inside a tree object.
type Entry struct {
	Mode uint32
	Name string
	OID  oid.OID
}
