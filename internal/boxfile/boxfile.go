// Package boxfile implements the BUPe encrypted container format: a
// small header disclosing a per-file secret key (itself protected by
// either a public-key sealed-box or a symmetric secret-box), followed
// by a stream of individually authenticated, individually compressed
// objects. internal/encrepo stores every pack/idx/config/refs file on
// its pluggable backend in this format; internal/pack and
// internal/objfmt never need to know encryption exists.
package boxfile

import (
	"crypto/rand"
	"encoding/binary"
	"io"

	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/coldvault/bupstore/internal/bkerrors"
)

var magic = [4]byte{'B', 'U', 'P', 'e'}

// HeaderAlg selects how the inner header (and the body key it
// carries) is protected.
type HeaderAlg byte

const (
	// HeaderSealedBox anonymously encrypts the inner header to a
	// recipient's public writeKey: the writer needs only the public
	// half, any reader needs the private readKey.
	HeaderSealedBox HeaderAlg = 1
	// HeaderSecretBox symmetrically encrypts the inner header with
	// repoKey: reader and writer must both hold the same key.
	HeaderSecretBox HeaderAlg = 2
)

// FileType tags which of a repository's four container kinds this
// file is, carried in the inner header so a reader can sanity-check
// it against what it expected to open.
type FileType byte

const (
	FileTypePack   FileType = 1
	FileTypeIdx    FileType = 2
	FileTypeConfig FileType = 3
	FileTypeRefs   FileType = 4
)

// Compression selects how each object's payload is compressed before
// being sealed into its box.
type Compression byte

const (
	CompressionNone Compression = 0
	CompressionZlib Compression = 1
	CompressionZstd Compression = 2
)

const innerFormatVersion = 1
const dataAlgVersion = 1

// bodyKeySize is the width of the per-file secret-box key carried in
// the inner header and used for every object box in the file.
const bodyKeySize = 32

// innerHeaderSize is inner-format(1) + data-alg(1) + file-type(1) +
// compression(1) + the body key.
const innerHeaderSize = 4 + bodyKeySize

// secretNonceSize is the nonce width nacl/secretbox requires (and
// golang.org/x/crypto/salsa20's XSalsa20 mode, used unauthenticated
// for the size-field keystream).
const secretNonceSize = 24

// Keys holds the key material a Writer or Reader needs. Which fields
// must be set depends on the file being opened: RepoKey alone
// suffices for config/refs/idx; Pack files need WriteKey to seal and
// ReadKey to open (a write-only repository has WriteKey but no
// ReadKey).
type Keys struct {
	RepoKey  *[32]byte
	WriteKey *[32]byte
	ReadKey  *[32]byte
}

// GenerateKeys produces a fresh repoKey and box keypair for a new
// repository (the wire CLI's `genkey` surface).
func GenerateKeys() (repoKey [32]byte, writeKey, readKey *[32]byte, err error) {
	if _, err = io.ReadFull(rand.Reader, repoKey[:]); err != nil {
		return repoKey, nil, nil, bkerrors.Wrap(bkerrors.IoError, err, "generate repo key")
	}
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return repoKey, nil, nil, bkerrors.Wrap(bkerrors.IoError, err, "generate box keypair")
	}
	return repoKey, pub, priv, nil
}

// objectNonce builds the 24-byte nonce for offset-th object's size
// field (tag 0x80) or body (tag 0x00), per the envelope's "nonce
// appears at most once per file" invariant: offset uniqueness is the
// only thing that guarantees this, so callers must never reuse an
// offset within one file.
func objectNonce(tag byte, offset uint64) [secretNonceSize]byte {
	var n [secretNonceSize]byte
	n[0] = tag
	binary.BigEndian.PutUint64(n[16:], offset)
	return n
}

// maxObjectSize is the envelope's invariant ceiling on a single
// object's plaintext body (kind byte + compressed payload).
const maxObjectSize = 1 << 30

func sealHeader(alg HeaderAlg, plaintext []byte, keys Keys) ([]byte, error) {
	switch alg {
	case HeaderSealedBox:
		if keys.WriteKey == nil {
			return nil, bkerrors.New(bkerrors.ConfigError, "boxfile: sealed-box header requires a write key")
		}
		out, err := box.SealAnonymous(nil, plaintext, keys.WriteKey, rand.Reader)
		if err != nil {
			return nil, bkerrors.Wrap(bkerrors.IoError, err, "seal header")
		}
		return out, nil
	case HeaderSecretBox:
		if keys.RepoKey == nil {
			return nil, bkerrors.New(bkerrors.ConfigError, "boxfile: secret-box header requires a repo key")
		}
		var nonce [secretNonceSize]byte
		if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
			return nil, bkerrors.Wrap(bkerrors.IoError, err, "generate header nonce")
		}
		sealed := secretbox.Seal(nil, plaintext, &nonce, keys.RepoKey)
		return append(nonce[:], sealed...), nil
	default:
		return nil, bkerrors.New(bkerrors.ConfigError, "boxfile: unknown header-alg %d", alg)
	}
}

func openHeader(alg HeaderAlg, ciphertext []byte, keys Keys) ([]byte, error) {
	switch alg {
	case HeaderSealedBox:
		if keys.WriteKey == nil || keys.ReadKey == nil {
			return nil, bkerrors.New(bkerrors.PermissionDenied, "boxfile: opening a pack requires both write and read keys")
		}
		plain, ok := box.OpenAnonymous(nil, ciphertext, keys.WriteKey, keys.ReadKey)
		if !ok {
			return nil, bkerrors.New(bkerrors.Corruption, "boxfile: sealed-box header authentication failed")
		}
		return plain, nil
	case HeaderSecretBox:
		if keys.RepoKey == nil {
			return nil, bkerrors.New(bkerrors.PermissionDenied, "boxfile: opening this file requires the repo key")
		}
		if len(ciphertext) < secretNonceSize {
			return nil, bkerrors.New(bkerrors.Corruption, "boxfile: truncated header")
		}
		var nonce [secretNonceSize]byte
		copy(nonce[:], ciphertext[:secretNonceSize])
		plain, ok := secretbox.Open(nil, ciphertext[secretNonceSize:], &nonce, keys.RepoKey)
		if !ok {
			return nil, bkerrors.New(bkerrors.Corruption, "boxfile: secret-box header authentication failed")
		}
		return plain, nil
	default:
		return nil, bkerrors.New(bkerrors.Corruption, "boxfile: unknown header-alg %d", alg)
	}
}
