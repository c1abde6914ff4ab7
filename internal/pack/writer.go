package pack

import (
	"bufio"
	"compress/flate"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/coldvault/bupstore/internal/bkerrors"
	"github.com/coldvault/bupstore/internal/oid"
)

// Existence lets the pack writer skip objects that are already
// present anywhere the caller already knows about (another pack, a
// multi-pack index, a bloom filter) without the writer needing to
// know about any of those concepts itself.
type Existence interface {
	Exists(o oid.OID) bool
}

// Options configures pack rollover and compression.
type Options struct {
	// MaxPackSize is the byte threshold (measured in written pack
	// bytes) past which the current pack is finished and a new one
	// is started before the next object is accepted. Zero means the
	// default of 1 GiB.
	MaxPackSize uint64
	// MaxPackObjects is the object-count threshold; zero means
	// unlimited.
	MaxPackObjects int
	// CompressionLevel is passed to compress/flate; zero means
	// flate.DefaultCompression.
	CompressionLevel int
}

const defaultMaxPackSize = 1 << 30

func (o Options) normalized() Options {
	if o.MaxPackSize == 0 {
		o.MaxPackSize = defaultMaxPackSize
	}
	if o.CompressionLevel == 0 {
		o.CompressionLevel = flate.DefaultCompression
	}
	return o
}

type idxEntry struct {
	oid    oid.OID
	offset uint64
	crc    uint32
}

// openPack is one in-progress pack file plus its accumulating idx
// entries. A pack writer EXCLUSIVELY owns its open pack/idx files for
// as long as it remains unfinished.
type openPack struct {
	fp      string
	path    string
	idxPath string
	f       *os.File
	bw      *bufio.Writer
	offset  uint64
	entries []idxEntry
}

// Writer accepts objects, deflating and appending them to the
// currently open pack, rolling over to a fresh pack when size or
// object-count limits are reached, and writing a sorted idx v2
// sidecar when each pack is finished.
type Writer struct {
	dir  string
	opts Options

	cur  *openPack
	seen map[oid.OID]bool

	// FinishedIdx accumulates the idx filenames (basenames) produced
	// over this writer's lifetime, including ones produced by
	// mid-stream rollover, not just the final Finish call.
	FinishedIdx []string

	// OnPackFinished, if set, is invoked with the finished pack's
	// idx path every time a pack is finished (by rollover or by
	// Finish). The local repository wires this to its PackIdxList
	// refresh only; no call rebuilds the multi-pack index.
	OnPackFinished func(idxPath string) error
}

// NewWriter creates a pack writer rooted at dir (typically
// "<repo>/objects/pack").
func NewWriter(dir string, opts Options) *Writer {
	return &Writer{dir: dir, opts: opts.normalized(), seen: make(map[oid.OID]bool)}
}

func newFingerprint() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

func (w *Writer) openNewPack() error {
	fp := newFingerprint()
	path := filepath.Join(w.dir, fmt.Sprintf("pack-%s.pack", fp))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return bkerrors.Wrap(bkerrors.IoError, err, "create pack %s", path)
	}
	w.cur = &openPack{
		fp:      fp,
		path:    path,
		idxPath: strings.TrimSuffix(path, ".pack") + ".idx",
		f:       f,
		bw:      bufio.NewWriterSize(f, 256*1024),
	}
	return nil
}

func (w *Writer) rotateIfNeeded() error {
	if w.cur == nil {
		return w.openNewPack()
	}
	overSize := w.cur.offset >= w.opts.MaxPackSize
	overCount := w.opts.MaxPackObjects > 0 && len(w.cur.entries) >= w.opts.MaxPackObjects
	if !overSize && !overCount {
		return nil
	}
	if _, err := w.finishCurrent(); err != nil {
		return err
	}
	return w.openNewPack()
}

// MaybeWrite computes the oid of payload and, unless existence
// already knows about it (or this writer has already written it in
// the current session), deflates and appends it to the open pack.
// wasNew reports whether bytes were actually written.
func (w *Writer) MaybeWrite(kind oid.Kind, payload []byte, existence Existence) (o oid.OID, wasNew bool, err error) {
	o = oid.Of(kind, payload)
	if w.seen[o] {
		return o, false, nil
	}
	if existence != nil && existence.Exists(o) {
		w.seen[o] = true
		return o, false, nil
	}

	if err := w.rotateIfNeeded(); err != nil {
		return o, false, err
	}

	t, err := kindToType(kind)
	if err != nil {
		return o, false, err
	}

	startOffset := w.cur.offset
	crcw := &crcWriter{w: w.cur.bw}
	header := encodeObjectHeader(t, len(payload))
	if _, err := crcw.Write(header); err != nil {
		return o, false, bkerrors.Wrap(bkerrors.IoError, err, "write object header")
	}
	fw, err := flate.NewWriter(crcw, w.opts.CompressionLevel)
	if err != nil {
		return o, false, err
	}
	if _, err := fw.Write(payload); err != nil {
		return o, false, bkerrors.Wrap(bkerrors.IoError, err, "compress object")
	}
	if err := fw.Close(); err != nil {
		return o, false, bkerrors.Wrap(bkerrors.IoError, err, "flush compressed object")
	}

	entry := idxEntry{oid: o, offset: startOffset, crc: crcw.sum}
	w.cur.entries = append(w.cur.entries, entry)
	w.cur.offset += uint64(crcw.n)
	w.seen[o] = true
	return o, true, nil
}

// crcWriter wraps the pack's buffered writer, accumulating a CRC32
// (IEEE) over every byte written — header and compressed body alike,
// matching the idx format's documented checksum scope.
type crcWriter struct {
	w   *bufio.Writer
	sum uint32
	n   int
}

func (c *crcWriter) Write(p []byte) (int, error) {
	c.sum = crc32.Update(c.sum, crc32.IEEETable, p)
	c.n += len(p)
	return c.w.Write(p)
}

// WriteCommit, WriteTree, WriteData, and WriteSymlink are thin
// kind-specific wrappers over MaybeWrite.
func (w *Writer) WriteCommit(payload []byte, existence Existence) (oid.OID, bool, error) {
	return w.MaybeWrite(oid.KindCommit, payload, existence)
}

func (w *Writer) WriteTree(payload []byte, existence Existence) (oid.OID, bool, error) {
	return w.MaybeWrite(oid.KindTree, payload, existence)
}

func (w *Writer) WriteData(payload []byte, existence Existence) (oid.OID, bool, error) {
	return w.MaybeWrite(oid.KindBlob, payload, existence)
}

func (w *Writer) WriteSymlink(target string, existence Existence) (oid.OID, bool, error) {
	return w.MaybeWrite(oid.KindBlob, []byte(target), existence)
}

// finishCurrent closes out w.cur (if any), writing its sidecar idx,
// and returns the idx path (empty if nothing was open).
func (w *Writer) finishCurrent() (string, error) {
	if w.cur == nil {
		return "", nil
	}
	cur := w.cur
	w.cur = nil

	if err := cur.bw.Flush(); err != nil {
		return "", bkerrors.Wrap(bkerrors.IoError, err, "flush pack")
	}
	if err := cur.f.Sync(); err != nil {
		return "", bkerrors.Wrap(bkerrors.IoError, err, "fsync pack")
	}
	if err := cur.f.Close(); err != nil {
		return "", bkerrors.Wrap(bkerrors.IoError, err, "close pack")
	}

	if len(cur.entries) == 0 {
		// Nothing was ever written to this pack: discard it rather
		// than leaving an empty pack/idx pair behind.
		_ = os.Remove(cur.path)
		return "", nil
	}

	packSHA, err := packSHA1(cur.path)
	if err != nil {
		return "", err
	}
	idxFile, err := os.OpenFile(cur.idxPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", bkerrors.Wrap(bkerrors.IoError, err, "create idx %s", cur.idxPath)
	}
	defer idxFile.Close()

	if err := WriteIdxV2(idxFile, cur.entries, packSHA); err != nil {
		return "", err
	}
	if err := idxFile.Sync(); err != nil {
		return "", bkerrors.Wrap(bkerrors.IoError, err, "fsync idx")
	}

	w.FinishedIdx = append(w.FinishedIdx, filepath.Base(cur.idxPath))
	if w.OnPackFinished != nil {
		if err := w.OnPackFinished(cur.idxPath); err != nil {
			return "", err
		}
	}
	return cur.idxPath, nil
}

// Finish closes out any open pack and writes its idx. It returns the
// idx path of the finished pack, or "" if nothing was pending.
// runMidx has no effect: Finish never rebuilds the multi-pack index
// and passes no signal to OnPackFinished; a caller that wants a
// rebuild calls PackIdxList.RebuildMidx itself after Finish returns.
func (w *Writer) Finish(runMidx bool) (string, error) {
	idxPath, err := w.finishCurrent()
	if err != nil {
		return "", err
	}
	_ = runMidx // the midx rebuild itself lives in PackIdxList; callers
	// that want it triggered pass runMidx through to their own
	// refresh call after Finish returns.
	return idxPath, nil
}

// Abort discards the in-progress pack and idx entirely, releasing all
// file handles. It never leaves a partial pack behind.
func (w *Writer) Abort() error {
	if w.cur == nil {
		return nil
	}
	cur := w.cur
	w.cur = nil
	_ = cur.bw.Flush()
	path := cur.path
	if err := cur.f.Close(); err != nil {
		return bkerrors.Wrap(bkerrors.IoError, err, "close aborted pack")
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return bkerrors.Wrap(bkerrors.IoError, err, "remove aborted pack")
	}
	return nil
}

func packSHA1(path string) (oid.OID, error) {
	f, err := os.Open(path)
	if err != nil {
		return oid.OID{}, bkerrors.Wrap(bkerrors.IoError, err, "reopen pack for checksum")
	}
	defer f.Close()
	h := newSHA1()
	if _, err := io.Copy(h, f); err != nil {
		return oid.OID{}, bkerrors.Wrap(bkerrors.IoError, err, "checksum pack")
	}
	var out oid.OID
	copy(out[:], h.Sum(nil))
	return out, nil
}
