package encrepo

import (
	"os"
	"strings"

	"github.com/coldvault/bupstore/internal/bkerrors"
	"github.com/coldvault/bupstore/internal/boxfile"
	"github.com/coldvault/bupstore/internal/oid"
	"github.com/coldvault/bupstore/internal/pack"
)

// onPackFinished is the staging pack.Writer's OnPackFinished hook: it
// seals the just-finished plaintext pack into a sealed-box BUPe
// container and its idx into a secret-box one, uploads both under a
// freshly chosen random name, and then refreshes idxList so the new
// pack is immediately visible to local lookups. The plaintext pack
// and idx stay on disk afterward — they are this repository's local
// object cache, exactly as in internal/localrepo — the uploaded
// copies exist purely for off-site durability.
func (r *Repository) onPackFinished(idxPath string) error {
	packPath := strings.TrimSuffix(idxPath, ".idx") + ".pack"

	name, err := randomName()
	if err != nil {
		return err
	}

	if err := r.uploadPack(packPath, idxPath, name); err != nil {
		return err
	}
	if err := r.uploadIdx(idxPath, name); err != nil {
		return err
	}
	return r.idxList.Refresh()
}

func (r *Repository) uploadPack(packPath, idxPath, name string) error {
	idx, err := pack.ReadIdx(idxPath)
	if err != nil {
		return err
	}

	remote, err := r.storage.GetWriter(name+".encpack", KindData, "")
	if err != nil {
		return err
	}

	bw, err := boxfile.NewWriter(remote, boxfile.FileTypePack, r.compress, r.keys)
	if err != nil {
		remote.Close()
		return err
	}

	var writeErr error
	err = idx.Each(func(o oid.OID, offset uint64, crc uint32) bool {
		obj, rerr := pack.ReadObjectAt(packPath, offset)
		if rerr != nil {
			writeErr = rerr
			return false
		}
		if werr := bw.WriteObject(obj.Kind, obj.Payload); werr != nil {
			writeErr = werr
			return false
		}
		return true
	})
	if err == nil {
		err = writeErr
	}
	if err != nil {
		remote.Close()
		return err
	}
	return remote.Close()
}

func (r *Repository) uploadIdx(idxPath, name string) error {
	data, err := os.ReadFile(idxPath)
	if err != nil {
		return bkerrors.Wrap(bkerrors.IoError, err, "read idx %s", idxPath)
	}

	remote, err := r.storage.GetWriter(name+".encidx", KindIdx, "")
	if err != nil {
		return err
	}
	bw, err := boxfile.NewWriter(remote, boxfile.FileTypeIdx, r.compress, r.keys)
	if err != nil {
		remote.Close()
		return err
	}
	// The idx v2 blob is carried as a single opaque object; its oid.Kind
	// tag is never inspected on the way back out in syncIdx.
	if err := bw.WriteObject(oid.KindBlob, data); err != nil {
		remote.Close()
		return err
	}
	return remote.Close()
}
