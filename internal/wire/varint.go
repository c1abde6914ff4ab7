// Package wire implements the line/length/varint framing the network
// protocol is built from, the server-side command dispatcher, and the
// bandwidth-limited writer and stream demultiplexer the TCP transport
// needs. See internal/remoterepo for the client side that drives this
// protocol against a live connection.
package wire

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/coldvault/bupstore/internal/bkerrors"
)

// WriteVUint writes x as an unsigned LEB128 varint: 7 payload bits per
// byte, high bit set on every byte but the last.
func WriteVUint(w io.Writer, x uint64) error {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], x)
	_, err := w.Write(buf[:n])
	return err
}

// ReadVUint reads a WriteVUint-encoded value.
func ReadVUint(r io.ByteReader) (uint64, error) {
	x, err := binary.ReadUvarint(r)
	if err != nil {
		return 0, bkerrors.Wrap(bkerrors.ProtocolError, err, "read vuint")
	}
	return x, nil
}

// WriteVInt writes x as a zig-zag-encoded signed varint, so small
// negative values cost as few bytes as small positive ones.
func WriteVInt(w io.Writer, x int64) error {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutVarint(buf[:], x)
	_, err := w.Write(buf[:n])
	return err
}

// ReadVInt reads a WriteVInt-encoded value.
func ReadVInt(r io.ByteReader) (int64, error) {
	x, err := binary.ReadVarint(r)
	if err != nil {
		return 0, bkerrors.Wrap(bkerrors.ProtocolError, err, "read vint")
	}
	return x, nil
}

// WriteBvec writes a vuint length followed by the raw bytes.
func WriteBvec(w io.Writer, b []byte) error {
	if err := WriteVUint(w, uint64(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

// ReadBvec reads a WriteBvec-encoded byte vector. r must also satisfy
// io.Reader (a *bufio.Reader does both), since a vuint length needs
// ByteReader but the payload needs a bulk Read.
func ReadBvec(r *bufio.Reader) ([]byte, error) {
	n, err := ReadVUint(r)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, bkerrors.Wrap(bkerrors.ProtocolError, err, "read bvec body")
	}
	return buf, nil
}
