package pack

import (
	"path/filepath"
	"testing"

	"github.com/coldvault/bupstore/internal/oid"
)

func TestBloomNeverFalseNegative(t *testing.T) {
	b := NewBloom(500, 0.01)
	var added []oid.OID
	for i := 0; i < 500; i++ {
		o := oid.Of(oid.KindBlob, []byte{byte(i), byte(i >> 8)})
		b.Add(o)
		added = append(added, o)
	}
	for _, o := range added {
		if !b.MayContain(o) {
			t.Fatalf("false negative for %s", o)
		}
	}
}

func TestBloomSaveLoadRoundTrip(t *testing.T) {
	b := NewBloom(10, 0.01)
	o := oid.Of(oid.KindBlob, []byte("x"))
	b.Add(o)

	path := filepath.Join(t.TempDir(), "test.bloom")
	if err := SaveBloom(path, b); err != nil {
		t.Fatalf("SaveBloom: %v", err)
	}
	loaded, err := LoadBloom(path)
	if err != nil {
		t.Fatalf("LoadBloom: %v", err)
	}
	if !loaded.MayContain(o) {
		t.Fatal("loaded filter lost a known member")
	}
	if loaded.K() != b.K() {
		t.Fatalf("k mismatch: got %d want %d", loaded.K(), b.K())
	}
}

func TestBloomMergePreservesMembership(t *testing.T) {
	a := NewBloom(100, 0.01)
	b := NewBloom(100, 0.01)
	oa := oid.Of(oid.KindBlob, []byte("a"))
	ob := oid.Of(oid.KindBlob, []byte("b"))
	a.Add(oa)
	b.Add(ob)

	if err := a.Merge(b); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if !a.MayContain(oa) || !a.MayContain(ob) {
		t.Fatal("merge lost a member from either input filter")
	}
}
