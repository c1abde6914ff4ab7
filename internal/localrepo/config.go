package localrepo

import (
	"bufio"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/coldvault/bupstore/internal/bkerrors"
)

// config is the repository's ini-like "name = value" store. Lines
// beginning with '#' or ';' are comments; blank lines are ignored.
// Names are dotted-section style ("bup.repo-id", "pack.compression"),
// matching the original's hand-parsed config grammar — there is no
// section-header syntax to worry about, so a general-purpose INI
// parser would bring dialect features (quoting rules, multi-line
// values, case folding) this format never asks for.
type config struct {
	mu   sync.Mutex
	path string
}

func newConfig(path string) *config {
	return &config{path: path}
}

func (c *config) load() ([]configLine, error) {
	f, err := os.Open(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, bkerrors.Wrap(bkerrors.IoError, err, "read config")
	}
	defer f.Close()

	var lines []configLine
	scanner := bufio.NewScanner(f)
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
	if err := scanner.Err(); err != nil {
		return nil, bkerrors.Wrap(bkerrors.IoError, err, "scan config")
	}
	return lines, nil
}

type configLine struct {
	raw     string
	name    string
	value   string
	isEntry bool
}

func (c *config) save(lines []configLine) error {
	tmp := c.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return bkerrors.Wrap(bkerrors.IoError, err, "create config temp file")
	}
	w := bufio.NewWriter(f)
	for _, l := range lines {
		if l.isEntry {
			if _, err := w.WriteString(l.name + " = " + l.value + "\n"); err != nil {
				f.Close()
				return bkerrors.Wrap(bkerrors.IoError, err, "write config")
			}
			continue
		}
		if _, err := w.WriteString(l.raw + "\n"); err != nil {
			f.Close()
			return bkerrors.Wrap(bkerrors.IoError, err, "write config")
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return bkerrors.Wrap(bkerrors.IoError, err, "flush config")
	}
	if err := f.Close(); err != nil {
		return bkerrors.Wrap(bkerrors.IoError, err, "close config")
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return bkerrors.Wrap(bkerrors.IoError, err, "rename config into place")
	}
	return nil
}

// Get returns name's current string value.
func (c *config) Get(name string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	lines, err := c.load()
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

// GetInt, GetBool, and GetPath are typed accessors over Get, matching
// the original's {int,bool,path,none} config value kinds.
func (c *config) GetInt(name string) (int, bool, error) {
	v, err := c.Get(name)
	if bkerrors.Is(err, bkerrors.NotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	n, convErr := strconv.Atoi(v)
	if convErr != nil {
		return 0, false, bkerrors.Wrap(bkerrors.ConfigError, convErr, "config %q is not an integer", name)
	}
	return n, true, nil
}

func (c *config) GetBool(name string) (bool, bool, error) {
	v, err := c.Get(name)
	if bkerrors.Is(err, bkerrors.NotFound) {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	switch strings.ToLower(v) {
	case "true", "yes", "1", "on":
		return true, true, nil
	case "false", "no", "0", "off", "":
		return false, true, nil
	default:
		return false, false, bkerrors.New(bkerrors.ConfigError, "config %q is not a boolean: %q", name, v)
	}
}

func (c *config) GetPath(name string) (string, bool, error) {
	v, err := c.Get(name)
	if bkerrors.Is(err, bkerrors.NotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// List returns every entry whose name has the given prefix, sorted by
// name.
func (c *config) List(prefix string) ([]configEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	lines, err := c.load()
	if err != nil {
		return nil, err
	}
	var out []configEntry
	for _, l := range lines {
		if l.isEntry && strings.HasPrefix(l.name, prefix) {
			out = append(out, configEntry{Name: l.name, Value: l.value})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

type configEntry struct {
	Name  string
	Value string
}

// Write sets name to value, appending a new entry if it wasn't
// already present.
func (c *config) Write(name, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	lines, err := c.load()
	if err != nil {
		return err
	}
	for i, l := range lines {
		if l.isEntry && l.name == name {
			lines[i].value = value
			return c.save(lines)
		}
	}
	lines = append(lines, configLine{name: name, value: value, isEntry: true})
	return c.save(lines)
}
