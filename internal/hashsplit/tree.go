// Package hashsplit assembles the blobs produced by internal/chunker
// into a balanced tree of tree objects, using the same
// stack-of-accumulators algorithm bup uses to keep large files from
// producing pathologically flat (or pathologically deep) trees as
// they grow.
package hashsplit

import (
	"bytes"
	"fmt"
	"io"

	"github.com/coldvault/bupstore/internal/chunker"
	"github.com/coldvault/bupstore/internal/objfmt"
	"github.com/coldvault/bupstore/internal/oid"
)

// maxPerTree caps how many entries a single tree level may accumulate
// before being folded into a child tree object, bounding tree object
// size regardless of how large the overall file is.
const maxPerTree = 256

// MakeBlob stores data as a blob object and returns its oid.
type MakeBlob func(data []byte) (oid.OID, error)

// MakeTree stores entries as a tree object and returns its oid.
type MakeTree func(entries []objfmt.Entry) (oid.OID, error)

type item struct {
	mode uint32
	oid  oid.OID
	size int64
}

// makeShalist turns a stack level's items into tree entries whose
// names are hex-encoded cumulative byte offsets, zero-padded to the
// width of the level's total size — this is how a tree object records
// where each child's data begins within the logical concatenated
// stream, without needing a separate offset table.
func makeShalist(items []item) ([]objfmt.Entry, int64) {
	var total int64
	for _, it := range items {
		total += it.size
	}
	vlen := len(fmt.Sprintf("%x", total))
	if vlen == 0 {
		vlen = 1
	}
	entries := make([]objfmt.Entry, 0, len(items))
	var ofs int64
	for _, it := range items {
		name := fmt.Sprintf("%0*x", vlen, ofs)
		entries = append(entries, objfmt.Entry{Mode: it.mode, Name: name, OID: it.oid})
		ofs += it.size
	}
	return entries, total
}

// squish folds stack levels below n (and any level that has grown
// past maxPerTree) into tree objects, pushing each result one level
// up. A level holding exactly one item is promoted as-is rather than
// wrapped in a single-child tree.
func squish(maketree MakeTree, stacks *[][]item, n int) error {
	i := 0
	for {
		for len(*stacks) <= i {
			*stacks = append(*stacks, nil)
		}
		if !(i < n || len((*stacks)[i]) >= maxPerTree) {
			break
		}
		for len(*stacks) <= i+1 {
			*stacks = append(*stacks, nil)
		}
		switch {
		case len((*stacks)[i]) == 1:
			(*stacks)[i+1] = append((*stacks)[i+1], (*stacks)[i]...)
		case len((*stacks)[i]) > 0:
			entries, size := makeShalist((*stacks)[i])
			treeOID, err := maketree(entries)
			if err != nil {
				return err
			}
			(*stacks)[i+1] = append((*stacks)[i+1], item{mode: objfmt.ModeTree, oid: treeOID, size: size})
		}
		(*stacks)[i] = nil
		i++
	}
	return nil
}

// Build consumes chunks in order, storing each as a blob via makeblob
// and assembling the resulting tree via maketree, and returns the
// mode and oid of whatever sits at the top: a lone blob if there was
// only ever one chunk, an empty blob if there were none, or a tree
// object otherwise.
func Build(chunks []chunker.Chunk, makeblob MakeBlob, maketree MakeTree) (mode uint32, result oid.OID, err error) {
	stacks := [][]item{nil}
	for _, c := range chunks {
		o, err := makeblob(c.Data)
		if err != nil {
			return 0, oid.OID{}, err
		}
		stacks[0] = append(stacks[0], item{mode: objfmt.ModeFile, oid: o, size: int64(len(c.Data))})
		if err := squish(maketree, &stacks, c.Level); err != nil {
			return 0, oid.OID{}, err
		}
	}
	if err := squish(maketree, &stacks, len(stacks)-1); err != nil {
		return 0, oid.OID{}, err
	}

	entries, _ := makeShalist(stacks[len(stacks)-1])
	switch len(entries) {
	case 0:
		o, err := makeblob(nil)
		return objfmt.ModeFile, o, err
	case 1:
		return entries[0].Mode, entries[0].OID, nil
	default:
		o, err := maketree(entries)
		return objfmt.ModeTree, o, err
	}
}

// BuildFromReader is a convenience wrapper that splits data with the
// given chunker configuration and feeds the resulting chunks to
// Build.
func BuildFromReader(cfg chunker.Config, data []byte, makeblob MakeBlob, maketree MakeTree) (mode uint32, result oid.OID, err error) {
	var chunks []chunker.Chunk
	streams := []io.Reader{bytes.NewReader(data)}
	if err := chunker.SplitAll(cfg, streams, func(c chunker.Chunk) error {
		chunks = append(chunks, c)
		return nil
	}); err != nil {
		return 0, oid.OID{}, err
	}
	return Build(chunks, makeblob, maketree)
}
