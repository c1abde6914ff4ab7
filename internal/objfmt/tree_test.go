package objfmt

import (
	"bytes"
	"testing"

	"github.com/coldvault/bupstore/internal/oid"
)

func TestTreeRoundTrip(t *testing.T) {
	oidA := oid.Of(oid.KindBlob, []byte("dir contents"))
	oidB := oid.Of(oid.KindBlob, []byte("hello\n"))

	entries := []Entry{
		{Mode: ModeTree, Name: "a", OID: oidA},
		{Mode: ModeFile, Name: "b.txt", OID: oidB},
	}
	SortEntries(entries)

	encoded := EncodeTree(entries)
	decoded, err := DecodeTree(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded) != len(entries) {
		t.Fatalf("got %d entries, want %d", len(decoded), len(entries))
	}
	for i := range entries {
		if decoded[i] != entries[i] {
			t.Fatalf("entry %d: got %+v, want %+v", i, decoded[i], entries[i])
		}
	}

	// Identity: encoding an already-sorted, already-decoded tree
	// round-trips to the same bytes (oid stability).
	reencoded := EncodeTree(decoded)
	if !bytes.Equal(reencoded, encoded) {
		t.Fatal("re-encoding decoded entries did not reproduce the original bytes")
	}
}

func TestTreeSortOrderDirectorySuffix(t *testing.T) {
	// "b" (a file) should sort before "ba/" which is how directory
	// "ba" compares, even though plain string compare would put
	// "b" before "ba" too — the case that matters is a directory
	// named "b" vs a file named "b.txt": "b/" > "b.txt" lexically
	// only once the trailing slash convention is applied.
	entries := []Entry{
		{Mode: ModeFile, Name: "b.txt", OID: oid.Of(oid.KindBlob, []byte("1"))},
		{Mode: ModeTree, Name: "b", OID: oid.Of(oid.KindBlob, []byte("2"))},
	}
	SortEntries(entries)
	if entries[0].Name != "b.txt" || entries[1].Name != "b" {
		t.Fatalf("unexpected sort order: %+v", entries)
	}
}

func TestDecodeTreeRejectsTruncated(t *testing.T) {
	if _, err := DecodeTree([]byte("100644 x\x00short")); err == nil {
		t.Fatal("expected error decoding truncated tree entry")
	}
}
