package wire

import (
	"bufio"
	"fmt"
	"hash/crc32"
	"io"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/coldvault/bupstore/internal/bkerrors"
	"github.com/coldvault/bupstore/internal/oid"
	"github.com/coldvault/bupstore/internal/pack"
	"github.com/coldvault/bupstore/internal/repository"
	"github.com/coldvault/bupstore/internal/vfs"
)

// Mode restricts which commands a server session advertises and will
// execute, the way a read-only or append-only remote is configured.
type Mode int

const (
	ModeUnrestricted Mode = iota
	ModeAppend
	ModeReadAppend
	ModeRead
)

// IndexServer is the backend surface the wire server needs beyond the
// plain Repository interface: raw access to idx files for
// list-indexes/send-index, which internal/pack owns but
// internal/repository deliberately doesn't expose (no other backend
// needs it).
type IndexServer interface {
	repository.Repository
	ListIndexFiles() ([]string, error)
	OpenIndexFile(name string) (io.ReadCloser, error)
}

// commandPermissions lists every recognized command, and the modes it's
// permitted under. "help" and "quit" are always permitted and handled
// outside this table.
var commandPermissions = map[string][]Mode{
	"set-dir":         {ModeUnrestricted, ModeAppend, ModeReadAppend, ModeRead},
	"init-dir":        {ModeUnrestricted, ModeAppend},
	"list-indexes":    {ModeUnrestricted, ModeAppend, ModeReadAppend, ModeRead},
	"send-index":      {ModeUnrestricted, ModeAppend, ModeReadAppend, ModeRead},
	"config-get":      {ModeUnrestricted, ModeAppend, ModeReadAppend, ModeRead},
	"config-write":    {ModeUnrestricted},
	"config-list":     {ModeUnrestricted, ModeAppend, ModeReadAppend, ModeRead},
	"receive-objects-v2": {ModeUnrestricted, ModeAppend, ModeReadAppend},
	"update-ref":      {ModeUnrestricted, ModeAppend, ModeReadAppend},
	"read-ref":        {ModeUnrestricted, ModeReadAppend, ModeRead},
	"delete-ref":      {ModeUnrestricted, ModeAppend, ModeReadAppend},
	"join":            {ModeUnrestricted, ModeReadAppend, ModeRead},
	"cat":             {ModeUnrestricted, ModeReadAppend, ModeRead},
	"cat-batch":       {ModeUnrestricted, ModeReadAppend, ModeRead},
	"refs":            {ModeUnrestricted, ModeReadAppend, ModeRead},
	"rev-list":        {ModeUnrestricted, ModeReadAppend, ModeRead},
	"resolve":         {ModeUnrestricted, ModeReadAppend, ModeRead},
}

func permitted(mode Mode, cmd string) bool {
	if cmd == "help" || cmd == "quit" {
		return true
	}
	modes, ok := commandPermissions[cmd]
	if !ok {
		return false
	}
	for _, m := range modes {
		if m == mode {
			return true
		}
	}
	return false
}

// Server runs the command loop described in the wire protocol over a
// single connection against one backend repository.
type Server struct {
	Backend IndexServer
	Mode    Mode

	// LogSink is a hook for out-of-band log lines. No command handler
	// in this package calls it, and Serve sends no DemuxConn err
	// frames of its own.
	LogSink func(string)
}

// advertisedCommands returns, in stable sorted order, every command
// name permitted under s.Mode.
func (s *Server) advertisedCommands() []string {
	var out []string
	for name, modes := range commandPermissions {
		for _, m := range modes {
			if m == s.Mode {
				out = append(out, name)
				break
			}
		}
	}
	out = append(out, "help", "quit")
	sort.Strings(out)
	return out
}

// Serve runs the command loop until the client sends "quit" or the
// connection closes. rw is typically a net.Conn or a *DemuxConn.
func (s *Server) Serve(rw io.ReadWriter) error {
	r := bufio.NewReader(rw)
	for {
		line, err := ReadLine(r)
		if err != nil {
			if err == io.EOF || bkerrors.Is(err, bkerrors.IoError) {
				return nil
			}
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		cmd := fields[0]
		args := fields[1:]

		if cmd == "quit" {
			return nil
		}
		if !permitted(s.Mode, cmd) {
			if err := WriteError(rw, fmt.Sprintf("unknown or restricted command %q", cmd)); err != nil {
				return err
			}
			continue
		}

		if err := s.dispatch(rw, r, cmd, args); err != nil {
			msg := err.Error()
			if bkerrors.Is(err, bkerrors.NotFound) {
				// the client side maps this prefix back to NotFound
				msg = "KeyError: " + msg
			}
			if werr := WriteError(rw, msg); werr != nil {
				return werr
			}
		}
	}
}

func (s *Server) dispatch(w io.Writer, r *bufio.Reader, cmd string, args []string) error {
	switch cmd {
	case "help":
		return s.cmdHelp(w)
	case "set-dir", "init-dir":
		return WriteOK(w)
	case "list-indexes":
		return s.cmdListIndexes(w)
	case "send-index":
		return s.cmdSendIndex(w, args)
	case "receive-objects-v2":
		return s.cmdReceiveObjectsV2(w, r)
	case "read-ref":
		return s.cmdReadRef(w, args)
	case "update-ref":
		return s.cmdUpdateRef(w, r, args)
	case "delete-ref":
		return s.cmdDeleteRef(w, r, args)
	case "join", "cat":
		return s.cmdCat(w, args)
	case "cat-batch":
		return s.cmdCatBatch(w, r)
	case "refs":
		return s.cmdRefs(w, r, args)
	case "rev-list":
		return s.cmdRevList(w, r)
	case "resolve":
		return s.cmdResolve(w, r)
	case "config-get":
		return s.cmdConfigGet(w, args)
	case "config-write":
		return s.cmdConfigWrite(w, r, args)
	case "config-list":
		return s.cmdConfigList(w, args)
	default:
		return bkerrors.New(bkerrors.ProtocolError, "unimplemented command %q", cmd)
	}
}

func (s *Server) cmdHelp(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "Commands:\n"); err != nil {
		return err
	}
	for _, name := range s.advertisedCommands() {
		if _, err := fmt.Fprintf(w, "    %s\n", name); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "\n"); err != nil {
		return err
	}
	return WriteOK(w)
}

func (s *Server) cmdListIndexes(w io.Writer) error {
	names, err := s.Backend.ListIndexFiles()
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := WriteLine(w, name); err != nil {
			return err
		}
	}
	if err := WriteLine(w, ""); err != nil {
		return err
	}
	return WriteOK(w)
}

func (s *Server) cmdSendIndex(w io.Writer, args []string) error {
	if len(args) != 1 {
		return bkerrors.New(bkerrors.ProtocolError, "send-index requires exactly one argument")
	}
	f, err := s.Backend.OpenIndexFile(args[0])
	if err != nil {
		return err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return bkerrors.Wrap(bkerrors.IoError, err, "read index %q", args[0])
	}
	if err := WriteChunk(w, data); err != nil {
		return err
	}
	return WriteOK(w)
}

const receiveSuspendMarker uint32 = 0xFFFFFFFF

// cmdReceiveObjectsV2 reads the per-object frame stream described in
// the protocol: u32 L; L==0 finishes (the pack is flushed and
// durable), L==0xFFFFFFFF suspends (objects already written stay on
// disk but the pack remains open — the client may resume with a
// fresh receive-objects-v2 later in the same session), otherwise
// 20-byte oid, 4-byte crc32, then L-24 bytes of header+deflated
// object body.
func (s *Server) cmdReceiveObjectsV2(w io.Writer, r *bufio.Reader) error {
	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return bkerrors.Wrap(bkerrors.IoError, err, "receive-objects-v2: read frame length")
		}
		l := beUint32(lenBuf[:])
		if l == 0 {
			if err := s.Backend.Flush(); err != nil {
				return err
			}
			return WriteOK(w)
		}
		if l == receiveSuspendMarker {
			return WriteOK(w)
		}
		if l < oid.Size+4 {
			return bkerrors.New(bkerrors.ProtocolError, "receive-objects-v2: frame too short")
		}
		frame := make([]byte, l)
		if _, err := io.ReadFull(r, frame); err != nil {
			return bkerrors.Wrap(bkerrors.IoError, err, "receive-objects-v2: read frame body")
		}

		var want oid.OID
		copy(want[:], frame[:oid.Size])
		wantCRC := beUint32(frame[oid.Size : oid.Size+4])
		body := frame[oid.Size+4:]

		if gotCRC := crc32.ChecksumIEEE(body); gotCRC != wantCRC {
			return bkerrors.New(bkerrors.Corruption, "receive-objects-v2: crc mismatch for %s", want)
		}
		obj, err := pack.DecodeObjectBytes(body)
		if err != nil {
			return bkerrors.Wrap(bkerrors.Corruption, err, "receive-objects-v2: decode %s", want)
		}
		got, err := s.Backend.WriteObject(obj.Kind, obj.Payload)
		if err != nil {
			return err
		}
		if got != want {
			return bkerrors.New(bkerrors.Corruption, "receive-objects-v2: client sent %s, computed %s", want, got)
		}
	}
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func (s *Server) cmdReadRef(w io.Writer, args []string) error {
	if len(args) != 1 {
		return bkerrors.New(bkerrors.ProtocolError, "read-ref requires exactly one argument")
	}
	o, err := s.Backend.ReadRef(args[0])
	if bkerrors.Is(err, bkerrors.NotFound) {
		if err := WriteLine(w, ""); err != nil {
			return err
		}
		return WriteOK(w)
	}
	if err != nil {
		return err
	}
	if err := WriteLine(w, o.String()); err != nil {
		return err
	}
	return WriteOK(w)
}

func parseOIDOrZero(s string) (oid.OID, error) {
	if s == "" {
		return oid.Zero, nil
	}
	return oid.Parse(s)
}

func (s *Server) cmdUpdateRef(w io.Writer, r *bufio.Reader, args []string) error {
	if len(args) != 1 {
		return bkerrors.New(bkerrors.ProtocolError, "update-ref requires exactly one argument")
	}
	newLine, err := ReadLine(r)
	if err != nil {
		return err
	}
	oldLine, err := ReadLine(r)
	if err != nil {
		return err
	}
	newOID, err := parseOIDOrZero(strings.TrimSpace(newLine))
	if err != nil {
		return bkerrors.Wrap(bkerrors.ProtocolError, err, "update-ref new oid")
	}
	oldOID, err := parseOIDOrZero(strings.TrimSpace(oldLine))
	if err != nil {
		return bkerrors.Wrap(bkerrors.ProtocolError, err, "update-ref old oid")
	}
	if err := s.Backend.UpdateRef(repository.RefUpdate{Name: args[0], Old: oldOID, New: newOID}); err != nil {
		return err
	}
	return WriteOK(w)
}

func (s *Server) cmdDeleteRef(w io.Writer, r *bufio.Reader, args []string) error {
	if len(args) != 1 {
		return bkerrors.New(bkerrors.ProtocolError, "delete-ref requires exactly one argument")
	}
	oldLine, err := ReadLine(r)
	if err != nil {
		return err
	}
	oldOID, err := parseOIDOrZero(strings.TrimSpace(oldLine))
	if err != nil {
		return bkerrors.Wrap(bkerrors.ProtocolError, err, "delete-ref old oid")
	}
	if err := s.Backend.DeleteRef(args[0], oldOID); err != nil {
		return err
	}
	return WriteOK(w)
}

func (s *Server) cmdCat(w io.Writer, args []string) error {
	if len(args) != 1 {
		return bkerrors.New(bkerrors.ProtocolError, "cat/join requires exactly one argument")
	}
	o, err := oid.Parse(args[0])
	if err != nil {
		return bkerrors.Wrap(bkerrors.ProtocolError, err, "cat: invalid oid")
	}
	obj, err := s.Backend.ReadObject(o)
	if err != nil {
		return err
	}
	if err := WriteChunk(w, obj.Payload); err != nil {
		return err
	}
	if err := WriteChunkTerminator(w); err != nil {
		return err
	}
	return WriteOK(w)
}

func (s *Server) cmdCatBatch(w io.Writer, r *bufio.Reader) error {
	for {
		line, err := ReadLine(r)
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			break
		}
		o, err := oid.Parse(line)
		if err != nil {
			return bkerrors.Wrap(bkerrors.ProtocolError, err, "cat-batch: invalid oid %q", line)
		}
		obj, err := s.Backend.ReadObject(o)
		if bkerrors.Is(err, bkerrors.NotFound) {
			if err := WriteLine(w, "missing"); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
		if err := WriteLine(w, fmt.Sprintf("%s %s %d", o, obj.Kind, len(obj.Payload))); err != nil {
			return err
		}
		if _, err := w.Write(obj.Payload); err != nil {
			return err
		}
	}
	return WriteOK(w)
}

func (s *Server) cmdRefs(w io.Writer, r *bufio.Reader, args []string) error {
	wantHeads, wantTags := true, true
	if len(args) >= 2 {
		wantHeads = args[0] != "0"
		wantTags = args[1] != "0"
	}
	var patterns []string
	for {
		line, err := ReadLine(r)
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			break
		}
		patterns = append(patterns, line)
	}

	refs, err := s.Backend.ListRefs("")
	if err != nil {
		return err
	}
	for _, ref := range refs {
		isHead := strings.HasPrefix(ref.Name, "refs/heads/")
		isTag := strings.HasPrefix(ref.Name, "refs/tags/")
		if (isHead && !wantHeads) || (isTag && !wantTags) || (!isHead && !isTag) {
			continue
		}
		if !matchesAnyPattern(ref.Name, patterns) {
			continue
		}
		if err := WriteLine(w, fmt.Sprintf("%s %s", ref.New, ref.Name)); err != nil {
			return err
		}
	}
	if err := WriteLine(w, ""); err != nil {
		return err
	}
	return WriteOK(w)
}

// matchesAnyPattern reports whether name matches any of patterns
// (whole-path-component glob, per the spec), or is unconditionally
// accepted when patterns is empty.
func matchesAnyPattern(name string, patterns []string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if ok, _ := pathGlobMatch(p, name); ok {
			return true
		}
	}
	return false
}

// pathGlobMatch matches pattern against name using filepath.Match's
// shell-glob semantics, which already treat "/" as a component
// separator the same way the spec's "whole path components" wording
// requires.
func pathGlobMatch(pattern, name string) (bool, error) {
	return filepath.Match(pattern, name)
}

func (s *Server) cmdRevList(w io.Writer, r *bufio.Reader) error {
	// Optional format line then refs then blank, per the protocol
	// table; this engine always emits the standard text format, so a
	// non-empty format line is accepted and ignored.
	if _, err := ReadLine(r); err != nil {
		return err
	}
	var refNames []string
	for {
		line, err := ReadLine(r)
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			break
		}
		refNames = append(refNames, line)
	}

	for _, refName := range refNames {
		root := vfs.NewRoot(s.Backend)
		branch := strings.TrimPrefix(strings.TrimPrefix(refName, "refs/heads/"), "/")
		children, err := vfs.Contents(s.Backend, root)
		if err != nil {
			return err
		}
		var rl *vfs.RevList
		for _, c := range children {
			if candidate, ok := c.(*vfs.RevList); ok && candidate.Name() == branch {
				rl = candidate
			}
		}
		if rl == nil {
			continue
		}
		revs, err := vfs.Contents(s.Backend, rl)
		if err != nil {
			return err
		}
		for _, rev := range revs {
			c, ok := rev.(*vfs.Commit)
			if !ok {
				continue
			}
			if err := WriteLine(w, fmt.Sprintf("%s %s", c.OID(), rev.Name())); err != nil {
				return err
			}
		}
	}
	if err := WriteLine(w, ""); err != nil {
		return err
	}
	return WriteOK(w)
}

func (s *Server) cmdResolve(w io.Writer, r *bufio.Reader) error {
	flags, err := r.ReadByte()
	if err != nil {
		return bkerrors.Wrap(bkerrors.ProtocolError, err, "resolve: read flags")
	}
	hasParent := flags&0x4 != 0
	if hasParent {
		if _, _, err := DecodeResolution(r); err != nil {
			return err
		}
	}
	pathBytes, err := ReadBvec(r)
	if err != nil {
		return err
	}
	path := strings.Split(strings.Trim(string(pathBytes), "/"), "/")
	if len(path) == 1 && path[0] == "" {
		path = nil
	}

	names := append([]string{""}, path...)
	items := make([]*Item, len(names))
	var cur vfs.Node = vfs.NewRoot(s.Backend)
	items[0] = nodeToItem(cur)
	ok := true
	for i, comp := range path {
		children, cerr := vfs.Contents(s.Backend, cur)
		if cerr != nil {
			return cerr
		}
		var next vfs.Node
		for _, c := range children {
			if c.Name() == comp {
				next = c
			}
		}
		if next == nil {
			ok = false
			break
		}
		cur = next
		items[i+1] = nodeToItem(cur)
		// An intermediate synthetic link (RevList's "latest") names a
		// sibling entry; the walk continues from that entry.
		if link, isLink := next.(*vfs.FakeLink); isLink && i+1 < len(path) {
			for _, c := range children {
				if c.Name() == link.Target() {
					cur = c
				}
			}
		}
	}

	if !ok {
		if _, err := w.Write([]byte{0}); err != nil {
			return err
		}
		if err := WriteIOError(w, bkerrors.New(bkerrors.NotFound, "path not found")); err != nil {
			return err
		}
		return WriteOK(w)
	}

	if _, err := w.Write([]byte{1}); err != nil {
		return err
	}
	if err := EncodeResolution(w, names, items); err != nil {
		return err
	}
	return WriteOK(w)
}

// nodeToItem translates a resolved VFS node into its wire
// representation, per the tagged union's wire mapping in item.go.
func nodeToItem(n vfs.Node) *Item {
	switch v := n.(type) {
	case *vfs.Root:
		return &Item{Kind: ItemKindRoot}
	case *vfs.Tags:
		return &Item{Kind: ItemKindTags}
	case *vfs.RevList:
		return &Item{Kind: ItemKindRevList}
	case *vfs.Commit:
		return &Item{Kind: ItemKindCommit, OID: v.Decoded().Tree, CommitOID: v.OID()}
	case *vfs.Chunky:
		return &Item{Kind: ItemKindChunky, OID: v.OID()}
	case *vfs.Item:
		return &Item{Kind: ItemKindItem, OID: v.OID()}
	case *vfs.FakeLink:
		return &Item{Kind: ItemKindFakeLink, Target: v.Target()}
	default:
		return nil
	}
}

// WriteIOError writes the encoded failure form of a resolve response:
// a vuint bitmask of which optional fields follow, then the message.
// Kept minimal relative to the original's richer errno/strerror
// triple, since this engine's error taxonomy is bkerrors.Kind rather
// than a POSIX errno.
func WriteIOError(w io.Writer, err error) error {
	if werr := WriteVUint(w, 2); werr != nil { // bit 1: message present
		return werr
	}
	return WriteBvec(w, []byte(err.Error()))
}

func (s *Server) cmdConfigGet(w io.Writer, args []string) error {
	if len(args) < 1 {
		return bkerrors.New(bkerrors.ProtocolError, "config-get requires a name")
	}
	v, err := s.Backend.ConfigGet(args[0])
	if bkerrors.Is(err, bkerrors.NotFound) {
		if err := WriteVUint(w, 0); err != nil {
			return err
		}
		return WriteOK(w)
	}
	if err != nil {
		return err
	}
	if err := WriteVUint(w, 1); err != nil {
		return err
	}
	if err := WriteBvec(w, []byte(v)); err != nil {
		return err
	}
	return WriteOK(w)
}

// cmdConfigWrite implements "config-write" per its `sss` request body
// (name, delete-flag, value). Only name travels on the command line
// (config names never contain spaces, same convention as ref names in
// read-ref/update-ref/delete-ref); delete-flag and value are read as
// separate lines afterward, matching update-ref's line-based body, so
// a value containing whitespace survives intact. A nonzero delete-flag
// stores the empty string in place of the value line, since this
// engine's config accessor has no separate delete operation; the name
// stays set, so a later config-get reports it present with an empty
// value.
func (s *Server) cmdConfigWrite(w io.Writer, r *bufio.Reader, args []string) error {
	if len(args) != 1 {
		return bkerrors.New(bkerrors.ProtocolError, "config-write requires exactly one argument")
	}
	deleteLine, err := ReadLine(r)
	if err != nil {
		return err
	}
	valueLine, err := ReadLine(r)
	if err != nil {
		return err
	}
	value := ""
	if atoiOr0(strings.TrimSpace(deleteLine)) == 0 {
		value = valueLine
	}
	if err := s.Backend.ConfigWrite(args[0], value); err != nil {
		return err
	}
	return WriteOK(w)
}

// cmdConfigList implements "config-list [values]" per its wire entry:
// the command carries no prefix of its own, only the optional
// trailing "values" flag. Prefix filtering is a backend-level
// convenience (internal/repository.Repository.ConfigList takes one),
// so a bare "list everything" request passes the empty prefix; a
// caller that wants a subset filters the returned names itself, the
// same client-side pattern internal/remoterepo's ListRefs uses for
// "refs".
func (s *Server) cmdConfigList(w io.Writer, args []string) error {
	includeValues := len(args) > 0 && args[0] == "values"
	entries, err := s.Backend.ConfigList("")
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := WriteBvec(w, []byte(e.Name)); err != nil {
			return err
		}
		if includeValues {
			if err := WriteBvec(w, []byte(e.Value)); err != nil {
				return err
			}
		}
	}
	if err := WriteBvec(w, nil); err != nil {
		return err
	}
	return WriteOK(w)
}

// atoiOr0 is used by config-write's delete-flag field.
func atoiOr0(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
