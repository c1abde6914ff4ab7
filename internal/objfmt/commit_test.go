package objfmt

import (
	"bytes"
	"testing"

	"github.com/coldvault/bupstore/internal/oid"
)

func sampleCommit() Commit {
	return Commit{
		Tree:    oid.Of(oid.KindTree, []byte("tree bytes")),
		Parents: []oid.OID{oid.Of(oid.KindCommit, []byte("parent 1"))},
		Author: Identity{
			Name: "Ada Lovelace", Email: "ada@example.com",
			Epoch: 1700000000, TZMinutes: -300,
		},
		Committer: Identity{
			Name: "Ada Lovelace", Email: "ada@example.com",
			Epoch: 1700000001, TZMinutes: 60,
		},
		Message: "snapshot of /home/ada\n",
	}
}

func TestCommitRoundTrip(t *testing.T) {
	c := sampleCommit()
	encoded := EncodeCommit(c)
	decoded, err := DecodeCommit(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	reencoded := EncodeCommit(decoded)
	if !bytes.Equal(reencoded, encoded) {
		t.Fatalf("round trip mismatch:\n got: %q\nwant: %q", reencoded, encoded)
	}
}

func TestCommitTimezoneFormatting(t *testing.T) {
	cases := []struct {
		minutes int
		want    string
	}{
		{0, "+0000"},
		{60, "+0100"},
		{-300, "-0500"},
		{330, "+0530"},
	}
	for _, tc := range cases {
		if got := formatTZ(tc.minutes); got != tc.want {
			t.Errorf("formatTZ(%d) = %q, want %q", tc.minutes, got, tc.want)
		}
		back, err := parseTZ(tc.want)
		if err != nil {
			t.Fatalf("parseTZ(%q): %v", tc.want, err)
		}
		if back != tc.minutes {
			t.Errorf("parseTZ(%q) = %d, want %d", tc.want, back, tc.minutes)
		}
	}
}

func TestCommitToleratesExtraHeaders(t *testing.T) {
	c := sampleCommit()
	c.ExtraHeaders = []string{"encoding utf-8", "x-custom foo"}
	encoded := EncodeCommit(c)
	decoded, err := DecodeCommit(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded.ExtraHeaders) != 2 {
		t.Fatalf("got %d extra headers, want 2: %v", len(decoded.ExtraHeaders), decoded.ExtraHeaders)
	}
}
