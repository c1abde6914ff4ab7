package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"strings"
	"testing"

	"github.com/coldvault/bupstore/internal/bkerrors"
	"github.com/coldvault/bupstore/internal/objfmt"
	"github.com/coldvault/bupstore/internal/oid"
	"github.com/coldvault/bupstore/internal/pack"
	"github.com/coldvault/bupstore/internal/repository"
)

// fakeBackend is a minimal in-memory IndexServer: a repository.Repository
// plus the raw idx-file access the wire server needs for
// list-indexes/send-index.
type fakeBackend struct {
	objects map[oid.OID]repository.Object
	refs    map[string]oid.OID
	cfg     map[string]string
	idx     map[string][]byte
	flushed bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		objects: make(map[oid.OID]repository.Object),
		refs:    make(map[string]oid.OID),
		cfg:     make(map[string]string),
		idx:     make(map[string][]byte),
	}
}

func (f *fakeBackend) put(kind oid.Kind, payload []byte) oid.OID {
	o := oid.Of(kind, payload)
	f.objects[o] = repository.Object{Kind: kind, Payload: payload}
	return o
}

func (f *fakeBackend) Exists(o oid.OID) (bool, error) { _, ok := f.objects[o]; return ok, nil }

func (f *fakeBackend) WriteObject(kind oid.Kind, payload []byte) (oid.OID, error) {
	return f.put(kind, payload), nil
}

func (f *fakeBackend) ReadObject(o oid.OID) (repository.Object, error) {
	obj, ok := f.objects[o]
	if !ok {
		return repository.Object{}, bkerrors.New(bkerrors.NotFound, "object %s not found", o)
	}
	return obj, nil
}

func (f *fakeBackend) Flush() error { f.flushed = true; return nil }

func (f *fakeBackend) ReadRef(name string) (oid.OID, error) {
	o, ok := f.refs[name]
	if !ok {
		return oid.OID{}, bkerrors.New(bkerrors.NotFound, "ref %q not found", name)
	}
	return o, nil
}

func (f *fakeBackend) ListRefs(prefix string) ([]repository.RefUpdate, error) {
	var out []repository.RefUpdate
	for name, o := range f.refs {
		if strings.HasPrefix(name, prefix) {
			out = append(out, repository.RefUpdate{Name: name, New: o})
		}
	}
	return out, nil
}

func (f *fakeBackend) UpdateRef(u repository.RefUpdate) error { f.refs[u.Name] = u.New; return nil }

func (f *fakeBackend) DeleteRef(name string, old oid.OID) error { delete(f.refs, name); return nil }

func (f *fakeBackend) ConfigGet(name string) (string, error) {
	v, ok := f.cfg[name]
	if !ok {
		return "", bkerrors.New(bkerrors.NotFound, "config %q not set", name)
	}
	return v, nil
}

func (f *fakeBackend) ConfigList(prefix string) ([]repository.ConfigValue, error) {
	var out []repository.ConfigValue
	for k, v := range f.cfg {
		if strings.HasPrefix(k, prefix) {
			out = append(out, repository.ConfigValue{Name: k, Value: v})
		}
	}
	return out, nil
}

func (f *fakeBackend) ConfigWrite(name, value string) error { f.cfg[name] = value; return nil }

func (f *fakeBackend) Close() error { return nil }

func (f *fakeBackend) ListIndexFiles() ([]string, error) {
	var out []string
	for name := range f.idx {
		out = append(out, name)
	}
	return out, nil
}

func (f *fakeBackend) OpenIndexFile(name string) (io.ReadCloser, error) {
	data, ok := f.idx[name]
	if !ok {
		return nil, bkerrors.New(bkerrors.NotFound, "no such index %q", name)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

var _ IndexServer = (*fakeBackend)(nil)

// pipe is a bidirectional byte stream backed by two independent
// buffers: requests are pre-loaded into in, and whatever the server
// writes accumulates in out.
type pipe struct {
	in  *bytes.Reader
	out *bytes.Buffer
}

func newPipe(request string) *pipe {
	return &pipe{in: bytes.NewReader([]byte(request)), out: &bytes.Buffer{}}
}

func (p *pipe) Read(b []byte) (int, error)  { return p.in.Read(b) }
func (p *pipe) Write(b []byte) (int, error) { return p.out.Write(b) }

func TestServeHelpAdvertisesOnlyPermittedCommands(t *testing.T) {
	s := &Server{Backend: newFakeBackend(), Mode: ModeRead}
	p := newPipe("help\nquit\n")
	if err := s.Serve(p); err != nil {
		t.Fatal(err)
	}
	resp := p.out.String()
	if !strings.HasPrefix(resp, "Commands:\n") {
		t.Fatalf("response = %q, want Commands: prefix", resp)
	}
	if !strings.HasSuffix(resp, "\nok\n") {
		t.Fatalf("response = %q, want trailing blank+ok", resp)
	}
	if strings.Contains(resp, "init-dir") {
		t.Fatalf("read mode must not advertise init-dir: %q", resp)
	}
	if !strings.Contains(resp, "    resolve\n") {
		t.Fatalf("read mode must advertise resolve: %q", resp)
	}
}

func TestServeSetDir(t *testing.T) {
	s := &Server{Backend: newFakeBackend(), Mode: ModeUnrestricted}
	p := newPipe("set-dir /tmp/repo\nquit\n")
	if err := s.Serve(p); err != nil {
		t.Fatal(err)
	}
	if p.out.String() != "ok\n" {
		t.Fatalf("response = %q, want %q", p.out.String(), "ok\n")
	}
}

func TestServeReadRefMissingAndPresent(t *testing.T) {
	backend := newFakeBackend()
	o := backend.put(oid.KindCommit, []byte("commit-body"))
	backend.refs["refs/heads/main"] = o

	s := &Server{Backend: backend, Mode: ModeUnrestricted}
	p := newPipe("read-ref refs/heads/main\nread-ref refs/heads/missing\nquit\n")
	if err := s.Serve(p); err != nil {
		t.Fatal(err)
	}
	want := fmt.Sprintf("%s\nok\n\nok\n", o)
	if p.out.String() != want {
		t.Fatalf("response = %q, want %q", p.out.String(), want)
	}
}

func TestServeUpdateRefThenReadBack(t *testing.T) {
	backend := newFakeBackend()
	o := backend.put(oid.KindCommit, []byte("commit-body"))

	s := &Server{Backend: backend, Mode: ModeUnrestricted}
	req := fmt.Sprintf("update-ref refs/heads/main\n%s\n\nread-ref refs/heads/main\nquit\n", o)
	p := newPipe(req)
	if err := s.Serve(p); err != nil {
		t.Fatal(err)
	}
	want := fmt.Sprintf("ok\n%s\nok\n", o)
	if p.out.String() != want {
		t.Fatalf("response = %q, want %q", p.out.String(), want)
	}
}

func TestServeCatMissingObjectReturnsError(t *testing.T) {
	s := &Server{Backend: newFakeBackend(), Mode: ModeUnrestricted}
	missing := oid.Of(oid.KindBlob, []byte("nonexistent"))
	p := newPipe(fmt.Sprintf("cat %s\nquit\n", missing))
	if err := s.Serve(p); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(p.out.String(), "error ") {
		t.Fatalf("response = %q, want error line", p.out.String())
	}
}

func TestServeCatRoundTrip(t *testing.T) {
	backend := newFakeBackend()
	o := backend.put(oid.KindBlob, []byte("hello"))

	s := &Server{Backend: backend, Mode: ModeUnrestricted}
	p := newPipe(fmt.Sprintf("cat %s\nquit\n", o))
	if err := s.Serve(p); err != nil {
		t.Fatal(err)
	}
	chunk, err := ReadChunk(p.out)
	if err != nil {
		t.Fatal(err)
	}
	if string(chunk) != "hello" {
		t.Fatalf("chunk = %q, want %q", chunk, "hello")
	}
	_, err = ReadChunk(p.out)
	if !IsChunkEnd(err) {
		t.Fatalf("expected chunk terminator, got %v", err)
	}
	rest, _ := io.ReadAll(p.out)
	if string(rest) != "ok\n" {
		t.Fatalf("trailing response = %q, want ok", rest)
	}
}

func TestServeConfigGetMissingAndPresent(t *testing.T) {
	backend := newFakeBackend()
	backend.cfg["bup.name"] = "coldvault"

	s := &Server{Backend: backend, Mode: ModeUnrestricted}
	p := newPipe("config-get bup.name\nconfig-get bup.missing\nquit\n")
	if err := s.Serve(p); err != nil {
		t.Fatal(err)
	}
	out := p.out.Bytes()

	// vuint 1, bvec("coldvault"), "ok\n"
	want := append([]byte{1, 9}, []byte("coldvault")...)
	want = append(want, []byte("ok\n")...)
	want = append(want, []byte{0}...)
	want = append(want, []byte("ok\n")...)
	if !bytes.Equal(out, want) {
		t.Fatalf("config-get responses = %v, want %v", out, want)
	}
}

func TestServeConfigWrite(t *testing.T) {
	backend := newFakeBackend()
	s := &Server{Backend: backend, Mode: ModeUnrestricted}
	p := newPipe("config-write bup.name\n0\ncoldvault\nquit\n")
	if err := s.Serve(p); err != nil {
		t.Fatal(err)
	}
	if p.out.String() != "ok\n" {
		t.Fatalf("config-write response = %q", p.out.String())
	}
	if backend.cfg["bup.name"] != "coldvault" {
		t.Fatalf("config not written: %+v", backend.cfg)
	}
}

func TestServeListIndexesAndSendIndex(t *testing.T) {
	backend := newFakeBackend()
	backend.idx["pack-aaaa.idx"] = []byte("idxdata")

	s := &Server{Backend: backend, Mode: ModeUnrestricted}
	p := newPipe("list-indexes\nsend-index pack-aaaa.idx\nquit\n")
	if err := s.Serve(p); err != nil {
		t.Fatal(err)
	}
	want := "pack-aaaa.idx\n\nok\n"
	if !strings.HasPrefix(p.out.String(), want) {
		t.Fatalf("response = %q, want prefix %q", p.out.String(), want)
	}
	rest := bytes.NewBufferString(p.out.String()[len(want):])
	chunk, err := ReadChunk(rest)
	if err != nil {
		t.Fatal(err)
	}
	if string(chunk) != "idxdata" {
		t.Fatalf("send-index chunk = %q", chunk)
	}
}

func TestServeReceiveObjectsV2FlushesAndWrites(t *testing.T) {
	backend := newFakeBackend()
	s := &Server{Backend: backend, Mode: ModeUnrestricted}

	payload := []byte("file contents")
	encoded := mustEncodeObject(t, oid.KindBlob, payload)
	o := oid.Of(oid.KindBlob, payload)

	var req bytes.Buffer
	req.WriteString("receive-objects-v2\n")
	frame := append(append([]byte{}, o[:]...), crc32Of(encoded)...)
	frame = append(frame, encoded...)
	writeBE32(&req, uint32(len(frame)))
	req.Write(frame)
	writeBE32(&req, 0) // finish
	req.WriteString("quit\n")

	p := &pipe{in: bytes.NewReader(req.Bytes()), out: &bytes.Buffer{}}
	if err := s.Serve(p); err != nil {
		t.Fatal(err)
	}
	if !backend.flushed {
		t.Fatal("expected Flush to be called")
	}
	if _, ok := backend.objects[o]; !ok {
		t.Fatal("object was not written")
	}
	if p.out.String() != "ok\n" {
		t.Fatalf("response = %q, want ok", p.out.String())
	}
}

func TestServeRestrictedModeRejectsWrites(t *testing.T) {
	s := &Server{Backend: newFakeBackend(), Mode: ModeRead}
	p := newPipe("update-ref refs/heads/main\n\n\nquit\n")
	if err := s.Serve(p); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(p.out.String(), "error ") {
		t.Fatalf("response = %q, want rejection error", p.out.String())
	}
}

func TestServeResolveFindsFile(t *testing.T) {
	backend := newFakeBackend()
	blob := backend.put(oid.KindBlob, []byte("hi"))
	tree := backend.put(oid.KindTree, objfmt.EncodeTree([]objfmt.Entry{
		{Mode: objfmt.ModeFile, Name: "hello.txt", OID: blob},
	}))
	commit := objfmt.Commit{
		Tree:      tree,
		Author:    objfmt.Identity{Name: "a", Email: "a@x", Epoch: 1700000000},
		Committer: objfmt.Identity{Name: "a", Email: "a@x", Epoch: 1700000000},
		Message:   "first",
	}
	c := backend.put(oid.KindCommit, objfmt.EncodeCommit(commit))
	backend.refs["refs/heads/main"] = c

	s := &Server{Backend: backend, Mode: ModeUnrestricted}

	var req bytes.Buffer
	req.WriteString("resolve\n")
	req.WriteByte(0) // flags: no meta, no follow, no parent
	path := []byte("main/latest/hello.txt")
	WriteBvec(&req, path)
	req.WriteString("quit\n")

	p := &pipe{in: bytes.NewReader(req.Bytes()), out: &bytes.Buffer{}}
	if err := s.Serve(p); err != nil {
		t.Fatal(err)
	}

	success, err := p.out.ReadByte()
	if err != nil {
		t.Fatal(err)
	}
	if success != 1 {
		t.Fatalf("resolve success byte = %d, want 1", success)
	}
}

func mustEncodeObject(t *testing.T, kind oid.Kind, payload []byte) []byte {
	t.Helper()
	encoded, err := pack.EncodeObjectBytes(kind, payload)
	if err != nil {
		t.Fatal(err)
	}
	return encoded
}

func crc32Of(b []byte) []byte {
	var out [4]byte
	binary.BigEndian.PutUint32(out[:], crc32.ChecksumIEEE(b))
	return out[:]
}

func writeBE32(w io.Writer, v uint32) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	w.Write(buf[:])
}
