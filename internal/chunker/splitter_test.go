package chunker

import (
	"bytes"
	"io"
	"testing"
)

func splitAll(t *testing.T, cfg Config, data []byte) []Chunk {
	t.Helper()
	var chunks []Chunk
	err := SplitAll(cfg, []io.Reader{bytes.NewReader(data)}, func(c Chunk) error {
		chunks = append(chunks, c)
		return nil
	})
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	return chunks
}

func TestDeterministicSplit(t *testing.T) {
	data := bytes.Repeat([]byte{0x00}, 1<<20)
	cfg := Config{Blobbits: 13}

	a := splitAll(t, cfg, data)
	b := splitAll(t, cfg, data)

	if len(a) != len(b) {
		t.Fatalf("nondeterministic chunk count: %d vs %d", len(a), len(b))
	}
	var reconstructed bytes.Buffer
	for i := range a {
		if !bytes.Equal(a[i].Data, b[i].Data) || a[i].Level != b[i].Level {
			t.Fatalf("chunk %d differs between runs", i)
		}
		reconstructed.Write(a[i].Data)
	}
	if !bytes.Equal(reconstructed.Bytes(), data) {
		t.Fatal("reconstructed stream does not match input")
	}
}

func TestEmptyStreamYieldsOneEmptyBlob(t *testing.T) {
	chunks := splitAll(t, Config{Blobbits: 13}, nil)
	if len(chunks) != 1 {
		t.Fatalf("want 1 chunk, got %d", len(chunks))
	}
	if len(chunks[0].Data) != 0 {
		t.Fatalf("want empty chunk, got %d bytes", len(chunks[0].Data))
	}
}

func TestMaxBlobForcesBoundary(t *testing.T) {
	cfg := Config{Blobbits: 13}
	data := make([]byte, cfg.MaxBlob())
	// Random-ish but deterministic content that is extremely unlikely
	// to hit a boundary before the forced limit: fill with an
	// incrementing counter, which the rolling sum will not treat as
	// all-ones within the window.
	for i := range data {
		data[i] = byte(i * 7)
	}
	chunks := splitAll(t, cfg, data)
	if len(chunks) == 0 {
		t.Fatal("expected at least one chunk")
	}
	if len(chunks[0].Data) != cfg.MaxBlob() {
		t.Fatalf("first chunk should be exactly MaxBlob bytes when no boundary fires, got %d want %d",
			len(chunks[0].Data), cfg.MaxBlob())
	}
}

func TestReconstructionAcrossChunkSizes(t *testing.T) {
	for _, bits := range []uint{13, 15, 17} {
		data := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog"), 5000)
		chunks := splitAll(t, Config{Blobbits: bits}, data)
		var out bytes.Buffer
		for _, c := range chunks {
			out.Write(c.Data)
		}
		if !bytes.Equal(out.Bytes(), data) {
			t.Fatalf("blobbits=%d: reconstruction mismatch", bits)
		}
	}
}

func TestLevelsAreAtLeastOne(t *testing.T) {
	data := bytes.Repeat([]byte("abcdefghijklmnopqrstuvwxyz0123456789"), 10000)
	chunks := splitAll(t, Config{Blobbits: 13}, data)
	for i, c := range chunks {
		if c.Level < 1 {
			t.Fatalf("chunk %d has level %d, want >=1", i, c.Level)
		}
	}
}
