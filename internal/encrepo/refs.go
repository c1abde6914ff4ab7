package encrepo

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"

	"github.com/coldvault/bupstore/internal/bkerrors"
	"github.com/coldvault/bupstore/internal/boxfile"
	"github.com/coldvault/bupstore/internal/oid"
	"github.com/coldvault/bupstore/internal/repository"
)

// maxCASRetries bounds the read-modify-write retry loop refStore and
// configStore use to absorb a concurrent writer: the backend's CAS
// failure is retried here, not surfaced to the caller, matching
// spec.md's "retried by the caller" wording for encrypted repositories.
const maxCASRetries = 20

// refStore keeps every ref in a single encrypted container — a JSON
// object mapping ref name to hex oid — read-modify-written under
// Storage's compare-and-swap Version token.
type refStore struct {
	storage Storage
	keys    boxfile.Keys
}

func (s *refStore) load() (map[string]string, Version, error) {
	rc, version, err := s.storage.GetReader(refsName, KindRefs)
	if err != nil {
		if bkerrors.Is(err, bkerrors.NotFound) {
			return map[string]string{}, "", nil
		}
		return nil, "", err
	}
	defer rc.Close()

	r, err := boxfile.NewReader(rc, s.keys)
	if err != nil {
		return nil, "", bkerrors.Wrap(bkerrors.Corruption, err, "open refs container")
	}
	if r.FileType != boxfile.FileTypeRefs {
		return nil, "", bkerrors.New(bkerrors.Corruption, "refs: expected refs container, got file type %d", r.FileType)
	}
	_, payload, err := r.ReadObject()
	if err != nil {
		return nil, "", bkerrors.Wrap(bkerrors.Corruption, err, "decode refs container")
	}

	doc := map[string]string{}
	if len(bytes.TrimSpace(payload)) > 0 {
		if err := json.Unmarshal(payload, &doc); err != nil {
			return nil, "", bkerrors.Wrap(bkerrors.Corruption, err, "parse refs document")
		}
	}
	return doc, version, nil
}

func (s *refStore) save(doc map[string]string, overwrite Version) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return bkerrors.Wrap(bkerrors.IoError, err, "encode refs document")
	}

	w, err := s.storage.GetWriter(refsName, KindRefs, overwrite)
	if err != nil {
		return err
	}
	bw, err := boxfile.NewWriter(w, boxfile.FileTypeRefs, boxfile.CompressionNone, s.keys)
	if err != nil {
		w.Close()
		return err
	}
	if err := bw.WriteObject(oid.KindBlob, payload); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func (s *refStore) Read(name string) (oid.OID, error) {
	doc, _, err := s.load()
	if err != nil {
		return oid.OID{}, err
	}
	hexVal, ok := doc[name]
	if !ok {
		return oid.OID{}, bkerrors.New(bkerrors.NotFound, "ref %q not found", name)
	}
	return oid.Parse(hexVal)
}

func (s *refStore) List(prefix string) ([]repository.RefUpdate, error) {
	doc, _, err := s.load()
	if err != nil {
		return nil, err
	}
	var out []repository.RefUpdate
	for name, hexVal := range doc {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		o, err := oid.Parse(hexVal)
		if err != nil {
			return nil, bkerrors.Wrap(bkerrors.Corruption, err, "ref %q has malformed value", name)
		}
		out = append(out, repository.RefUpdate{Name: name, New: o})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// mutate applies fn to the current refs document and writes the
// result back, retrying on a concurrent-writer CAS failure.
func (s *refStore) mutate(fn func(doc map[string]string) error) error {
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		doc, version, err := s.load()
		if err != nil {
			return err
		}
		if err := fn(doc); err != nil {
			return err
		}
		err = s.save(doc, version)
		if err == nil {
			return nil
		}
		if !bkerrors.Is(err, bkerrors.CASFailure) {
			return err
		}
	}
	return bkerrors.New(bkerrors.CASFailure, "refs: too many concurrent writers")
}

func (s *refStore) Update(name string, old, newOID oid.OID) error {
	return s.mutate(func(doc map[string]string) error {
		current := oid.Zero
		if hexVal, ok := doc[name]; ok {
			parsed, err := oid.Parse(hexVal)
			if err != nil {
				return bkerrors.Wrap(bkerrors.Corruption, err, "ref %q has malformed value", name)
			}
			current = parsed
		}
		if current != old {
			return bkerrors.New(bkerrors.CASFailure, "ref %q: expected %s, found %s", name, old, current)
		}
		doc[name] = newOID.String()
		return nil
	})
}

func (s *refStore) Delete(name string, old oid.OID) error {
	return s.mutate(func(doc map[string]string) error {
		hexVal, ok := doc[name]
		if !ok {
			return bkerrors.New(bkerrors.CASFailure, "ref %q: expected %s, found none", name, old)
		}
		current, err := oid.Parse(hexVal)
		if err != nil {
			return bkerrors.Wrap(bkerrors.Corruption, err, "ref %q has malformed value", name)
		}
		if current != old {
			return bkerrors.New(bkerrors.CASFailure, "ref %q: expected %s, found %s", name, old, current)
		}
		delete(doc, name)
		return nil
	})
}
