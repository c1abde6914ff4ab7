package objfmt

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"
)

// Metadata is the packed record carried inside a blob-kind object
// alongside (or instead of) a tree/file/symlink entry. It is optional
// everywhere it could appear: decoders must tolerate its absence in
// older trees, per the object model.
type Metadata struct {
	Mode uint32 `msgpack:"1"`

	UID       uint32 `msgpack:"2"`
	GID       uint32 `msgpack:"3"`
	OwnerName string `msgpack:"4"`
	GroupName string `msgpack:"5"`

	AtimeSec  int64  `msgpack:"6"`
	AtimeNsec uint32 `msgpack:"7"`
	MtimeSec  int64  `msgpack:"8"`
	MtimeNsec uint32 `msgpack:"9"`
	CtimeSec  int64  `msgpack:"10"`
	CtimeNsec uint32 `msgpack:"11"`

	SymlinkTarget string            `msgpack:"12,omitempty"`
	Xattrs        map[string][]byte `msgpack:"13,omitempty"`
	ACL           []byte            `msgpack:"14,omitempty"`
}

// EncodeMetadata serializes m deterministically: map keys (the
// Xattrs map, in particular) are sorted so that the encoded bytes —
// and therefore the blob's oid — are stable across runs regardless of
// map iteration order.
func EncodeMetadata(m Metadata) ([]byte, error) {
	buf := &bytes.Buffer{}
	enc := msgpack.NewEncoder(buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeMetadata deserializes a metadata blob payload. Unknown fields
// in newer records are ignored by msgpack's struct decoding, and a
// missing field simply keeps its Go zero value.
func DecodeMetadata(data []byte) (Metadata, error) {
	var m Metadata
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return Metadata{}, err
	}
	return m, nil
}
