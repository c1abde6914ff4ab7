package encrepo

import (
	"bufio"
	"bytes"
	"sort"
	"strings"

	"github.com/coldvault/bupstore/internal/bkerrors"
	"github.com/coldvault/bupstore/internal/boxfile"
	"github.com/coldvault/bupstore/internal/oid"
	"github.com/coldvault/bupstore/internal/repository"
)

// configStore holds the repository's config as one encrypted
// container of opaque "name = value" ini-file bytes — the same
// dialect internal/localrepo's config uses, just stored sealed rather
// than as a plain file.
type configStore struct {
	storage Storage
	keys    boxfile.Keys
}

type configLine struct {
	raw     string
	name    string
	value   string
	isEntry bool
}

func parseConfigLines(data []byte) []configLine {
	var lines []configLine
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		raw := scanner.Text()
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, ";") {
			lines = append(lines, configLine{raw: raw})
			continue
		}
		eq := strings.Index(trimmed, "=")
		if eq < 0 {
			lines = append(lines, configLine{raw: raw})
			continue
		}
		name := strings.TrimSpace(trimmed[:eq])
		value := strings.TrimSpace(trimmed[eq+1:])
		lines = append(lines, configLine{name: name, value: value, isEntry: true})
	}
	return lines
}

func serializeConfigLines(lines []configLine) []byte {
	var buf bytes.Buffer
	for _, l := range lines {
		if l.isEntry {
			buf.WriteString(l.name + " = " + l.value + "\n")
			continue
		}
		buf.WriteString(l.raw + "\n")
	}
	return buf.Bytes()
}

func (s *configStore) load() ([]configLine, Version, error) {
	rc, version, err := s.storage.GetReader(configName, KindConfig)
	if err != nil {
		if bkerrors.Is(err, bkerrors.NotFound) {
			return nil, "", nil
		}
		return nil, "", err
	}
	defer rc.Close()

	r, err := boxfile.NewReader(rc, s.keys)
	if err != nil {
		return nil, "", bkerrors.Wrap(bkerrors.Corruption, err, "open config container")
	}
	if r.FileType != boxfile.FileTypeConfig {
		return nil, "", bkerrors.New(bkerrors.Corruption, "config: expected config container, got file type %d", r.FileType)
	}
	_, payload, err := r.ReadObject()
	if err != nil {
		return nil, "", bkerrors.Wrap(bkerrors.Corruption, err, "decode config container")
	}
	return parseConfigLines(payload), version, nil
}

func (s *configStore) save(lines []configLine, overwrite Version) error {
	w, err := s.storage.GetWriter(configName, KindConfig, overwrite)
	if err != nil {
		return err
	}
	bw, err := boxfile.NewWriter(w, boxfile.FileTypeConfig, boxfile.CompressionNone, s.keys)
	if err != nil {
		w.Close()
		return err
	}
	if err := bw.WriteObject(oid.KindBlob, serializeConfigLines(lines)); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func (s *configStore) Get(name string) (string, error) {
	lines, _, err := s.load()
	if err != nil {
		return "", err
	}
	for _, l := range lines {
		if l.isEntry && l.name == name {
			return l.value, nil
		}
	}
	return "", bkerrors.New(bkerrors.NotFound, "config %q not set", name)
}

func (s *configStore) List(prefix string) ([]repository.ConfigValue, error) {
	lines, _, err := s.load()
	if err != nil {
		return nil, err
	}
	var out []repository.ConfigValue
	for _, l := range lines {
		if l.isEntry && strings.HasPrefix(l.name, prefix) {
			out = append(out, repository.ConfigValue{Name: l.name, Value: l.value})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *configStore) Write(name, value string) error {
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		lines, version, err := s.load()
		if err != nil {
			return err
		}
		found := false
		for i, l := range lines {
			if l.isEntry && l.name == name {
				lines[i].value = value
				found = true
				break
			}
		}
		if !found {
			lines = append(lines, configLine{name: name, value: value, isEntry: true})
		}
		err = s.save(lines, version)
		if err == nil {
			return nil
		}
		if !bkerrors.Is(err, bkerrors.CASFailure) {
			return err
		}
	}
	return bkerrors.New(bkerrors.CASFailure, "config: too many concurrent writers")
}
