package boxfile

import (
	"github.com/coldvault/bupstore/internal/bkerrors"
	"github.com/coldvault/bupstore/internal/oid"
)

// Object kind bytes for the leading byte of a decrypted object body
// (body = u8 kind || compressed(payload)). Deliberately the same
// numbering internal/pack's objType uses for its own header byte, but
// defined independently here since the two packages encode entirely
// different envelopes and have no reason to share an unexported type.
const (
	kindCommit byte = 1
	kindTree   byte = 2
	kindBlob   byte = 3
)

func kindToByte(k oid.Kind) (byte, error) {
	switch k {
	case oid.KindCommit:
		return kindCommit, nil
	case oid.KindTree:
		return kindTree, nil
	case oid.KindBlob:
		return kindBlob, nil
	default:
		return 0, bkerrors.New(bkerrors.ConfigError, "boxfile: unknown object kind %q", k)
	}
}

func byteToKind(b byte) (oid.Kind, error) {
	switch b {
	case kindCommit:
		return oid.KindCommit, nil
	case kindTree:
		return oid.KindTree, nil
	case kindBlob:
		return oid.KindBlob, nil
	default:
		return "", bkerrors.New(bkerrors.Corruption, "boxfile: unknown object kind byte %d", b)
	}
}
