package encrepo

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/coldvault/bupstore/internal/bkerrors"
	"github.com/coldvault/bupstore/internal/boxfile"
)

// syncIdx reconciles packDir's local *.idx mirrors against storage's
// *.encidx listing: every remote idx missing locally is decrypted and
// installed, and every local idx with no remote counterpart is
// removed (it belonged to a pack this repository never finished
// uploading, or one pruned by another client). It does not touch
// .pack files — those are this process's local object cache and are
// never reconstructed from remote storage; see the Repository type's
// doc for why that's an intentional scope limit.
func syncIdx(packDir string, storage Storage, keys boxfile.Keys) error {
	remote, err := storage.List(KindIdx, "*.encidx")
	if err != nil {
		return err
	}
	remoteSet := make(map[string]bool, len(remote))
	for _, name := range remote {
		remoteSet[name] = true
	}

	entries, err := os.ReadDir(packDir)
	if err != nil {
		return bkerrors.Wrap(bkerrors.IoError, err, "list cache directory %s", packDir)
	}
	localIdx := make(map[string]bool)
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".idx") {
			localIdx[e.Name()] = true
		}
	}

	for _, name := range remote {
		localName := strings.TrimSuffix(name, ".encidx") + ".idx"
		if localIdx[localName] {
			continue
		}
		if err := installIdx(packDir, storage, keys, name, localName); err != nil {
			return err
		}
	}

	for localName := range localIdx {
		remoteName := strings.TrimSuffix(localName, ".idx") + ".encidx"
		if remoteSet[remoteName] {
			continue
		}
		if err := os.Remove(filepath.Join(packDir, localName)); err != nil && !os.IsNotExist(err) {
			return bkerrors.Wrap(bkerrors.IoError, err, "remove stale local idx %s", localName)
		}
	}
	return nil
}

func installIdx(packDir string, storage Storage, keys boxfile.Keys, remoteName, localName string) error {
	rc, _, err := storage.GetReader(remoteName, KindIdx)
	if err != nil {
		return err
	}
	defer rc.Close()

	r, err := boxfile.NewReader(rc, keys)
	if err != nil {
		return bkerrors.Wrap(bkerrors.Corruption, err, "open idx container %s", remoteName)
	}
	if r.FileType != boxfile.FileTypeIdx {
		return bkerrors.New(bkerrors.Corruption, "%s: expected an idx container, got file type %d", remoteName, r.FileType)
	}
	_, payload, err := r.ReadObject()
	if err != nil {
		return bkerrors.Wrap(bkerrors.Corruption, err, "decode idx container %s", remoteName)
	}

	tmp := filepath.Join(packDir, "."+localName+".tmp")
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return bkerrors.Wrap(bkerrors.IoError, err, "write idx %s", localName)
	}
	if err := os.Rename(tmp, filepath.Join(packDir, localName)); err != nil {
		os.Remove(tmp)
		return bkerrors.Wrap(bkerrors.IoError, err, "install idx %s", localName)
	}
	return nil
}
