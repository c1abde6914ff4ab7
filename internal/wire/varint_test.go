package wire

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/coldvault/bupstore/internal/objfmt"
	"github.com/coldvault/bupstore/internal/oid"
)

func TestVUintRoundTrip(t *testing.T) {
	for _, v := range []uint64{0, 1, 127, 128, 300, 1 << 32, ^uint64(0)} {
		var buf bytes.Buffer
		if err := WriteVUint(&buf, v); err != nil {
			t.Fatal(err)
		}
		got, err := ReadVUint(bufio.NewReader(&buf))
		if err != nil {
			t.Fatal(err)
		}
		if got != v {
			t.Fatalf("vuint round trip: got %d, want %d", got, v)
		}
	}
}

func TestVIntRoundTrip(t *testing.T) {
	for _, v := range []int64{0, -1, 1, -64, 64, 1 << 40, -(1 << 40)} {
		var buf bytes.Buffer
		if err := WriteVInt(&buf, v); err != nil {
			t.Fatal(err)
		}
		got, err := ReadVInt(bufio.NewReader(&buf))
		if err != nil {
			t.Fatal(err)
		}
		if got != v {
			t.Fatalf("vint round trip: got %d, want %d", got, v)
		}
	}
}

func TestBvecRoundTrip(t *testing.T) {
	for _, v := range [][]byte{nil, []byte(""), []byte("hello"), bytes.Repeat([]byte{0xAB}, 500)} {
		var buf bytes.Buffer
		if err := WriteBvec(&buf, v); err != nil {
			t.Fatal(err)
		}
		got, err := ReadBvec(bufio.NewReader(&buf))
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, v) {
			t.Fatalf("bvec round trip: got %q, want %q", got, v)
		}
	}
}

func TestChunkRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteChunk(&buf, []byte("abc")); err != nil {
		t.Fatal(err)
	}
	if err := WriteChunk(&buf, []byte("defgh")); err != nil {
		t.Fatal(err)
	}
	if err := WriteChunkTerminator(&buf); err != nil {
		t.Fatal(err)
	}

	c1, err := ReadChunk(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if string(c1) != "abc" {
		t.Fatalf("chunk 1 = %q", c1)
	}
	c2, err := ReadChunk(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if string(c2) != "defgh" {
		t.Fatalf("chunk 2 = %q", c2)
	}
	_, err = ReadChunk(&buf)
	if !IsChunkEnd(err) {
		t.Fatalf("expected chunk-end sentinel, got %v", err)
	}
}

func TestItemRoundTrip(t *testing.T) {
	o := oid.Of(oid.KindBlob, []byte("payload"))
	meta := objfmt.Metadata{Mode: 0o644}

	cases := []Item{
		{Kind: ItemKindRoot},
		{Kind: ItemKindTags},
		{Kind: ItemKindRevList, OID: o},
		{Kind: ItemKindCommit, OID: o, CommitOID: o},
		{Kind: ItemKindItem, OID: o, Meta: &meta},
		{Kind: ItemKindChunky, OID: o},
		{Kind: ItemKindFakeLink, Target: "latest-target"},
	}
	for _, it := range cases {
		var buf bytes.Buffer
		if err := EncodeItem(&buf, it); err != nil {
			t.Fatalf("encode %+v: %v", it, err)
		}
		got, err := DecodeItem(bufio.NewReader(&buf))
		if err != nil {
			t.Fatalf("decode %+v: %v", it, err)
		}
		if got.Kind != it.Kind || got.OID != it.OID || got.CommitOID != it.CommitOID || got.Target != it.Target {
			t.Fatalf("item round trip: got %+v, want %+v", got, it)
		}
		if (got.Meta == nil) != (it.Meta == nil) {
			t.Fatalf("item round trip meta presence: got %v, want %v", got.Meta, it.Meta)
		}
	}
}

func TestResolutionRoundTrip(t *testing.T) {
	o := oid.Of(oid.KindBlob, []byte("x"))
	names := []string{"", "main", "latest", "file.txt"}
	items := []*Item{
		{Kind: ItemKindRoot},
		{Kind: ItemKindRevList, OID: o},
		{Kind: ItemKindFakeLink, Target: "2020-01-01-000000"},
		nil,
	}

	var buf bytes.Buffer
	if err := EncodeResolution(&buf, names, items); err != nil {
		t.Fatal(err)
	}
	gotNames, gotItems, err := DecodeResolution(bufio.NewReader(&buf))
	if err != nil {
		t.Fatal(err)
	}
	if len(gotNames) != len(names) {
		t.Fatalf("resolution length: got %d, want %d", len(gotNames), len(names))
	}
	for i := range names {
		if gotNames[i] != names[i] {
			t.Fatalf("name %d: got %q, want %q", i, gotNames[i], names[i])
		}
		if (gotItems[i] == nil) != (items[i] == nil) {
			t.Fatalf("item %d presence: got %v, want %v", i, gotItems[i], items[i])
		}
		if items[i] != nil && gotItems[i].Kind != items[i].Kind {
			t.Fatalf("item %d kind: got %q, want %q", i, gotItems[i].Kind, items[i].Kind)
		}
	}
}
