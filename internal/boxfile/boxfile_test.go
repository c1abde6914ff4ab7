package boxfile

import (
	"bytes"
	"testing"

	"github.com/coldvault/bupstore/internal/oid"
)

func TestSecretBoxRoundTrip(t *testing.T) {
	repoKey, _, _, err := GenerateKeys()
	if err != nil {
		t.Fatalf("GenerateKeys: %v", err)
	}
	keys := Keys{RepoKey: &repoKey}

	var buf bytes.Buffer
	w, err := NewWriter(&buf, FileTypeConfig, CompressionZlib, keys)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	objects := []struct {
		kind oid.Kind
		body []byte
	}{
		{oid.KindBlob, []byte("[bup]\nrepo-id = 1\n")},
		{oid.KindBlob, []byte("")},
		{oid.KindBlob, bytes.Repeat([]byte("x"), 10000)},
	}
	for _, o := range objects {
		if err := w.WriteObject(o.kind, o.body); err != nil {
			t.Fatalf("WriteObject: %v", err)
		}
	}

	r, err := NewReader(&buf, keys)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	if r.FileType != FileTypeConfig {
		t.Fatalf("FileType = %d, want %d", r.FileType, FileTypeConfig)
	}
	for i, want := range objects {
		kind, payload, err := r.ReadObject()
		if err != nil {
			t.Fatalf("ReadObject %d: %v", i, err)
		}
		if kind != want.kind || !bytes.Equal(payload, want.body) {
			t.Fatalf("ReadObject %d = (%s, %q), want (%s, %q)", i, kind, payload, want.kind, want.body)
		}
	}
	if _, _, err := r.ReadObject(); err == nil {
		t.Fatal("expected EOF after last object")
	}
}

func TestSealedBoxRoundTrip(t *testing.T) {
	_, writeKey, readKey, err := GenerateKeys()
	if err != nil {
		t.Fatalf("GenerateKeys: %v", err)
	}

	var buf bytes.Buffer
	writerKeys := Keys{WriteKey: writeKey}
	w, err := NewWriter(&buf, FileTypePack, CompressionZstd, writerKeys)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	payload := []byte("a tree entry blob body")
	if err := w.WriteObject(oid.KindTree, payload); err != nil {
		t.Fatalf("WriteObject: %v", err)
	}

	readerKeys := Keys{WriteKey: writeKey, ReadKey: readKey}
	r, err := NewReader(&buf, readerKeys)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	kind, got, err := r.ReadObject()
	if err != nil {
		t.Fatalf("ReadObject: %v", err)
	}
	if kind != oid.KindTree || !bytes.Equal(got, payload) {
		t.Fatalf("ReadObject = (%s, %q)", kind, got)
	}
}

func TestSealedBoxWithoutReadKeyFails(t *testing.T) {
	_, writeKey, _, err := GenerateKeys()
	if err != nil {
		t.Fatalf("GenerateKeys: %v", err)
	}

	var buf bytes.Buffer
	w, err := NewWriter(&buf, FileTypePack, CompressionNone, Keys{WriteKey: writeKey})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.WriteObject(oid.KindBlob, []byte("secret")); err != nil {
		t.Fatalf("WriteObject: %v", err)
	}

	if _, err := NewReader(&buf, Keys{WriteKey: writeKey}); err == nil {
		t.Fatal("expected an error opening a sealed pack without the read key")
	}
}

func TestObjectAuthenticationFailsOnTamper(t *testing.T) {
	repoKey, _, _, err := GenerateKeys()
	if err != nil {
		t.Fatalf("GenerateKeys: %v", err)
	}
	keys := Keys{RepoKey: &repoKey}

	var buf bytes.Buffer
	w, err := NewWriter(&buf, FileTypeRefs, CompressionNone, keys)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.WriteObject(oid.KindBlob, []byte(`{"refs/heads/main":"` + oid.Zero.String() + `"}`)); err != nil {
		t.Fatalf("WriteObject: %v", err)
	}

	tampered := buf.Bytes()
	tampered[len(tampered)-1] ^= 0xff

	r, err := NewReader(bytes.NewReader(tampered), keys)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	if _, _, err := r.ReadObject(); err == nil {
		t.Fatal("expected authentication failure on tampered object")
	}
}
