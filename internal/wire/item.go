package wire

import (
	"bufio"
	"io"

	"github.com/coldvault/bupstore/internal/bkerrors"
	"github.com/coldvault/bupstore/internal/objfmt"
	"github.com/coldvault/bupstore/internal/oid"
)

// Item kind tags, matching the VFS tagged union's type names directly
// so a resolution blob's wire shape is self-describing.
const (
	ItemKindRoot     = "Root"
	ItemKindTags     = "Tags"
	ItemKindRevList  = "RevList"
	ItemKindCommit   = "Commit"
	ItemKindItem     = "Item"
	ItemKindChunky   = "Chunky"
	ItemKindFakeLink = "FakeLink"
)

// Item is the wire encoding of one resolved VFS node: the fields
// populated depend on Kind, mirroring internal/vfs's tagged union.
type Item struct {
	Kind string

	OID       oid.OID // Item, Chunky, RevList
	CommitOID oid.OID // Commit: the commit object itself (OID carries its tree)
	Target    string  // FakeLink

	Meta *objfmt.Metadata
}

func writeOID(w io.Writer, o oid.OID) error {
	_, err := w.Write(o[:])
	return err
}

func readOID(r io.Reader) (oid.OID, error) {
	var o oid.OID
	if _, err := io.ReadFull(r, o[:]); err != nil {
		return o, bkerrors.Wrap(bkerrors.ProtocolError, err, "read oid")
	}
	return o, nil
}

// EncodeItem writes it in the wire resolution-blob format.
func EncodeItem(w io.Writer, it Item) error {
	if err := WriteBvec(w, []byte(it.Kind)); err != nil {
		return err
	}
	switch it.Kind {
	case ItemKindItem, ItemKindChunky, ItemKindRevList:
		if err := writeOID(w, it.OID); err != nil {
			return err
		}
	case ItemKindRoot, ItemKindTags:
		// no fields beyond the kind tag and metadata
	case ItemKindCommit:
		if err := writeOID(w, it.OID); err != nil {
			return err
		}
		if err := writeOID(w, it.CommitOID); err != nil {
			return err
		}
	case ItemKindFakeLink:
		if err := WriteBvec(w, []byte(it.Target)); err != nil {
			return err
		}
	default:
		return bkerrors.New(bkerrors.ProtocolError, "wire: unknown item kind %q", it.Kind)
	}

	if it.Meta == nil {
		_, err := w.Write([]byte{0})
		return err
	}
	if _, err := w.Write([]byte{1}); err != nil {
		return err
	}
	encoded, err := objfmt.EncodeMetadata(*it.Meta)
	if err != nil {
		return bkerrors.Wrap(bkerrors.ProtocolError, err, "encode item metadata")
	}
	return WriteBvec(w, encoded)
}

// DecodeItem reads an EncodeItem-encoded value.
func DecodeItem(r *bufio.Reader) (Item, error) {
	kindBytes, err := ReadBvec(r)
	if err != nil {
		return Item{}, err
	}
	it := Item{Kind: string(kindBytes)}

	switch it.Kind {
	case ItemKindItem, ItemKindChunky, ItemKindRevList:
		if it.OID, err = readOID(r); err != nil {
			return Item{}, err
		}
	case ItemKindRoot, ItemKindTags:
	case ItemKindCommit:
		if it.OID, err = readOID(r); err != nil {
			return Item{}, err
		}
		if it.CommitOID, err = readOID(r); err != nil {
			return Item{}, err
		}
	case ItemKindFakeLink:
		target, err := ReadBvec(r)
		if err != nil {
			return Item{}, err
		}
		it.Target = string(target)
	default:
		return Item{}, bkerrors.New(bkerrors.ProtocolError, "wire: unknown item kind %q", it.Kind)
	}

	hasMeta, err := r.ReadByte()
	if err != nil {
		return Item{}, bkerrors.Wrap(bkerrors.ProtocolError, err, "read item meta flag")
	}
	if hasMeta == 1 {
		encoded, err := ReadBvec(r)
		if err != nil {
			return Item{}, err
		}
		m, err := objfmt.DecodeMetadata(encoded)
		if err != nil {
			return Item{}, bkerrors.Wrap(bkerrors.ProtocolError, err, "decode item metadata")
		}
		it.Meta = &m
	}
	return it, nil
}

// EncodeResolution writes a full path resolution: the vuint count of
// (name, item-or-absent) pairs the spec's resolve command returns,
// one per path component including the root.
func EncodeResolution(w io.Writer, names []string, items []*Item) error {
	if len(names) != len(items) {
		return bkerrors.New(bkerrors.ProtocolError, "wire: resolution name/item length mismatch")
	}
	if err := WriteVUint(w, uint64(len(names))); err != nil {
		return err
	}
	for i, name := range names {
		if err := WriteBvec(w, []byte(name)); err != nil {
			return err
		}
		if items[i] == nil {
			if _, err := w.Write([]byte{0}); err != nil {
				return err
			}
			continue
		}
		if _, err := w.Write([]byte{1}); err != nil {
			return err
		}
		if err := EncodeItem(w, *items[i]); err != nil {
			return err
		}
	}
	return nil
}

// DecodeResolution reads an EncodeResolution-encoded value.
func DecodeResolution(r *bufio.Reader) ([]string, []*Item, error) {
	n, err := ReadVUint(r)
	if err != nil {
		return nil, nil, err
	}
	names := make([]string, n)
	items := make([]*Item, n)
	for i := range names {
		nameBytes, err := ReadBvec(r)
		if err != nil {
			return nil, nil, err
		}
		names[i] = string(nameBytes)
		have, err := r.ReadByte()
		if err != nil {
			return nil, nil, bkerrors.Wrap(bkerrors.ProtocolError, err, "read resolution presence flag")
		}
		if have == 0 {
			continue
		}
		it, err := DecodeItem(r)
		if err != nil {
			return nil, nil, err
		}
		items[i] = &it
	}
	return names, items, nil
}
