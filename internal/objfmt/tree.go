package objfmt

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/coldvault/bupstore/internal/oid"
)

// sortKey appends a trailing "/" to directory names for sort
// purposes only; the stored Name never includes it. Preserving this
// exactly is required for oid stability — see the tree invariant in
// the data model.
func sortKey(e Entry) string {
	if IsTree(e.Mode) {
		return e.Name + "/"
	}
	return e.Name
}

// SortEntries sorts entries in place using the directory-suffixed
// comparison the format requires.
func SortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return sortKey(entries[i]) < sortKey(entries[j])
	})
}

// EncodeTree serializes entries as mode<space>name<NUL>oid-raw-20-bytes,
// concatenated in order. Callers must have already sorted entries with
// SortEntries; EncodeTree does not re-sort so that round-tripping an
// already-decoded tree is a true identity operation.
func EncodeTree(entries []Entry) []byte {
	var buf bytes.Buffer
	for _, e := range entries {
		fmt.Fprintf(&buf, "%o %s\x00", e.Mode, e.Name)
		buf.Write(e.OID[:])
	}
	return buf.Bytes()
}

// DecodeTree parses a tree payload back into its ordered entries.
func DecodeTree(data []byte) ([]Entry, error) {
	var entries []Entry
	for len(data) > 0 {
		sp := bytes.IndexByte(data, ' ')
		if sp < 0 {
			return nil, fmt.Errorf("objfmt: tree entry missing mode separator")
		}
		mode, err := parseOctal(data[:sp])
		if err != nil {
			return nil, fmt.Errorf("objfmt: tree entry mode: %w", err)
		}
		data = data[sp+1:]

		nul := bytes.IndexByte(data, 0)
		if nul < 0 {
			return nil, fmt.Errorf("objfmt: tree entry missing name terminator")
		}
		name := string(data[:nul])
		data = data[nul+1:]

		if len(data) < oid.Size {
			return nil, fmt.Errorf("objfmt: tree entry truncated oid")
		}
		var o oid.OID
		copy(o[:], data[:oid.Size])
		data = data[oid.Size:]

		entries = append(entries, Entry{Mode: mode, Name: name, OID: o})
	}
	return entries, nil
}

func parseOctal(b []byte) (uint32, error) {
	var v uint32
	if len(b) == 0 {
		return 0, fmt.Errorf("empty mode")
	}
	for _, c := range b {
		if c < '0' || c > '7' {
			return 0, fmt.Errorf("invalid octal digit %q", c)
		}
		v = v*8 + uint32(c-'0')
	}
	return v, nil
}
