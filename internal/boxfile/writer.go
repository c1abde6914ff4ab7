package boxfile

import (
	"crypto/rand"
	"encoding/binary"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/salsa20"

	"github.com/coldvault/bupstore/internal/bkerrors"
	"github.com/coldvault/bupstore/internal/oid"
)

// Writer encodes a stream of objects into the BUPe container format
// and writes them to an underlying io.Writer (typically an
// internal/encrepo Storage writer handle).
type Writer struct {
	w           io.Writer
	fileType    FileType
	compression Compression
	bodyKey     [bodyKeySize]byte
	offset      uint64
}

// NewWriter writes a fresh BUPe header to w — sealed-box for
// FileTypePack (so only the holder of the private readKey can ever
// decrypt it), secret-box for everything else — and returns a Writer
// ready to accept objects. fileType and compression are fixed for the
// life of the returned Writer; every object shares the randomly
// generated body key disclosed in the header.
func NewWriter(w io.Writer, fileType FileType, compression Compression, keys Keys) (*Writer, error) {
	var bodyKey [bodyKeySize]byte
	if _, err := io.ReadFull(rand.Reader, bodyKey[:]); err != nil {
		return nil, bkerrors.Wrap(bkerrors.IoError, err, "generate body key")
	}

	inner := make([]byte, innerHeaderSize)
	inner[0] = innerFormatVersion
	inner[1] = dataAlgVersion
	inner[2] = byte(fileType)
	inner[3] = byte(compression)
	copy(inner[4:], bodyKey[:])

	alg := HeaderSecretBox
	if fileType == FileTypePack {
		alg = HeaderSealedBox
	}
	ciphertext, err := sealHeader(alg, inner, keys)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) > 0xFFFF {
		return nil, bkerrors.New(bkerrors.ConfigError, "boxfile: encrypted header too large (%d bytes)", len(ciphertext))
	}

	head := make([]byte, 0, 8+len(ciphertext))
	head = append(head, magic[:]...)
	head = append(head, byte(alg), 0)
	head = binary.LittleEndian.AppendUint16(head, uint16(len(ciphertext)))
	head = append(head, ciphertext...)
	if _, err := w.Write(head); err != nil {
		return nil, bkerrors.Wrap(bkerrors.IoError, err, "write boxfile header")
	}

	return &Writer{w: w, fileType: fileType, compression: compression, bodyKey: bodyKey}, nil
}

// WriteObject compresses and seals one object, appending it to the
// container. Objects must be read back in the same order they were
// written; there is no index into a BUPe stream, only sequential
// framing.
func (bw *Writer) WriteObject(kind oid.Kind, payload []byte) error {
	kindByte, err := kindToByte(kind)
	if err != nil {
		return err
	}
	compressed, err := compressPayload(payload, bw.compression)
	if err != nil {
		return err
	}
	body := make([]byte, 1+len(compressed))
	body[0] = kindByte
	copy(body[1:], compressed)
	if len(body) > maxObjectSize {
		return bkerrors.New(bkerrors.ConfigError, "boxfile: object body %d bytes exceeds %d byte limit", len(body), maxObjectSize)
	}

	sizeBuf := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(sizeBuf, uint64(len(body)))
	sizeBuf = sizeBuf[:n]

	sizeNonce := objectNonce(0x80, bw.offset)
	ks := make([]byte, n)
	salsa20.XORKeyStream(ks, ks, sizeNonce[:], &bw.bodyKey)
	for i := range sizeBuf {
		sizeBuf[i] ^= ks[i]
	}
	if _, err := bw.w.Write(sizeBuf); err != nil {
		return bkerrors.Wrap(bkerrors.IoError, err, "write object size")
	}

	bodyNonce := objectNonce(0x00, bw.offset)
	sealed := secretbox.Seal(nil, body, &bodyNonce, &bw.bodyKey)
	if _, err := bw.w.Write(sealed); err != nil {
		return bkerrors.Wrap(bkerrors.IoError, err, "write object body")
	}

	bw.offset++
	return nil
}
