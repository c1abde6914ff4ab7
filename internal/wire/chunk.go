package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/coldvault/bupstore/internal/bkerrors"
)

// ReadLine reads one \n-terminated line, the suffix stripped. It is
// the unit every text command and response header is built from.
func ReadLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", bkerrors.Wrap(bkerrors.IoError, err, "read line")
	}
	return strings.TrimSuffix(line, "\n"), nil
}

// WriteLine writes s followed by a newline.
func WriteLine(w io.Writer, s string) error {
	_, err := fmt.Fprintf(w, "%s\n", s)
	return err
}

// WriteOK writes the "ok" status line every command ends a successful
// exchange with. It writes no blank line before it; a handler whose
// response is a list writes that list's own blank terminator first.
func WriteOK(w io.Writer) error {
	return WriteLine(w, "ok")
}

// WriteError writes the "error <msg>" status line, likewise with no
// blank line before it.
func WriteError(w io.Writer, msg string) error {
	return WriteLine(w, "error "+msg)
}

// errChunkEnd is returned by ReadChunk when it consumes the L=0
// terminator ending a chunk sequence rather than a data chunk.
var errChunkEnd = fmt.Errorf("wire: chunk sequence terminator")

// IsChunkEnd reports whether err is the chunk-sequence terminator
// ReadChunk returns in place of a final chunk.
func IsChunkEnd(err error) bool { return err == errChunkEnd }

// ReadChunk reads one length-prefixed chunk: a big-endian u32 length L
// followed by L bytes. L=0 ends the sequence and is reported as
// errChunkEnd rather than an empty chunk, since the wire format uses
// it purely as a terminator.
func ReadChunk(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, bkerrors.Wrap(bkerrors.IoError, err, "read chunk length")
	}
	l := binary.BigEndian.Uint32(lenBuf[:])
	if l == 0 {
		return nil, errChunkEnd
	}
	buf := make([]byte, l)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, bkerrors.Wrap(bkerrors.IoError, err, "read chunk body")
	}
	return buf, nil
}

// WriteChunk writes one length-prefixed chunk. Passing nil or an
// empty slice writes the L=0 terminator.
func WriteChunk(w io.Writer, data []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	_, err := w.Write(data)
	return err
}

// WriteChunkTerminator ends a chunk sequence.
func WriteChunkTerminator(w io.Writer) error {
	return WriteChunk(w, nil)
}
