package boxfile

import (
	"bufio"
	"encoding/binary"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/salsa20"

	"github.com/coldvault/bupstore/internal/bkerrors"
	"github.com/coldvault/bupstore/internal/oid"
)

// Reader decodes a BUPe container written by Writer. FileType and
// Compression reflect what the header disclosed, so a caller can
// sanity-check it against what it expected to open.
type Reader struct {
	r           *bufio.Reader
	FileType    FileType
	Compression Compression
	bodyKey     [bodyKeySize]byte
	offset      uint64
}

// NewReader parses r's BUPe header and returns a Reader positioned at
// the first object. keys must supply whatever key material the
// header's alg demands (see Keys).
func NewReader(r io.Reader, keys Keys) (*Reader, error) {
	br := bufio.NewReader(r)

	var head [8]byte
	if _, err := io.ReadFull(br, head[:]); err != nil {
		return nil, bkerrors.Wrap(bkerrors.IoError, err, "read boxfile header")
	}
	if head[0] != magic[0] || head[1] != magic[1] || head[2] != magic[2] || head[3] != magic[3] {
		return nil, bkerrors.New(bkerrors.Corruption, "boxfile: bad magic")
	}
	alg := HeaderAlg(head[4])
	eh := binary.LittleEndian.Uint16(head[6:8])

	ciphertext := make([]byte, eh)
	if _, err := io.ReadFull(br, ciphertext); err != nil {
		return nil, bkerrors.Wrap(bkerrors.IoError, err, "read boxfile encrypted header")
	}
	inner, err := openHeader(alg, ciphertext, keys)
	if err != nil {
		return nil, err
	}
	if len(inner) < innerHeaderSize {
		return nil, bkerrors.New(bkerrors.Corruption, "boxfile: inner header too short")
	}
	if inner[0] != innerFormatVersion {
		return nil, bkerrors.New(bkerrors.Corruption, "boxfile: unsupported inner format %d", inner[0])
	}
	if inner[1] != dataAlgVersion {
		return nil, bkerrors.New(bkerrors.Corruption, "boxfile: unsupported data-alg %d", inner[1])
	}

	rd := &Reader{
		r:           br,
		FileType:    FileType(inner[2]),
		Compression: Compression(inner[3]),
	}
	copy(rd.bodyKey[:], inner[4:4+bodyKeySize])
	return rd, nil
}

// ReadObject decodes the next object in sequence, or io.EOF once the
// underlying reader is exhausted at an object boundary.
func (br *Reader) ReadObject() (oid.Kind, []byte, error) {
	size, err := br.readSize()
	if err != nil {
		return "", nil, err
	}
	if size > maxObjectSize {
		return "", nil, bkerrors.New(bkerrors.Corruption, "boxfile: object size %d exceeds %d byte limit", size, maxObjectSize)
	}

	sealed := make([]byte, int(size)+secretbox.Overhead)
	if _, err := io.ReadFull(br.r, sealed); err != nil {
		return "", nil, bkerrors.Wrap(bkerrors.Corruption, err, "boxfile: truncated object body")
	}
	bodyNonce := objectNonce(0x00, br.offset)
	body, ok := secretbox.Open(nil, sealed, &bodyNonce, &br.bodyKey)
	if !ok {
		return "", nil, bkerrors.New(bkerrors.Corruption, "boxfile: object authentication failed at offset %d", br.offset)
	}
	if len(body) < 1 {
		return "", nil, bkerrors.New(bkerrors.Corruption, "boxfile: empty object body")
	}
	kind, err := byteToKind(body[0])
	if err != nil {
		return "", nil, err
	}
	payload, err := decompressPayload(body[1:], br.Compression)
	if err != nil {
		return "", nil, err
	}

	br.offset++
	return kind, payload, nil
}

// readSize decrypts the next object's size field one byte at a time:
// the field's own length is unknown until the continuation bit of a
// decrypted byte clears, so each raw byte is read, XORed against the
// matching keystream byte, and fed into a standard LEB128
// accumulator. The keystream is generated once per object (10 bytes,
// the max a uvarint can occupy) since XSalsa20 in counter mode gives
// the same leading keystream bytes regardless of how many are asked
// for.
func (br *Reader) readSize() (uint64, error) {
	nonce := objectNonce(0x80, br.offset)
	ks := make([]byte, binary.MaxVarintLen64)
	salsa20.XORKeyStream(ks, ks, nonce[:], &br.bodyKey)

	var size uint64
	var shift uint
	for i := 0; i < binary.MaxVarintLen64; i++ {
		raw, err := br.r.ReadByte()
		if err != nil {
			if i == 0 && err == io.EOF {
				return 0, io.EOF
			}
			return 0, bkerrors.Wrap(bkerrors.IoError, err, "read object size")
		}
		b := raw ^ ks[i]
		if b < 0x80 {
			size |= uint64(b) << shift
			return size, nil
		}
		size |= uint64(b&0x7f) << shift
		shift += 7
	}
	return 0, bkerrors.New(bkerrors.Corruption, "boxfile: object size varint too long")
}
