package objfmt

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/coldvault/bupstore/internal/oid"
)

// Identity is an author or committer line: a display name, an email
// address, a Unix epoch, and a signed timezone offset in minutes.
type Identity struct {
	Name    string
	Email   string
	Epoch   int64
	TZMinutes int
}

// Commit is the decoded form of a commit object's payload.
type Commit struct {
	Tree      oid.OID
	Parents   []oid.OID
	Author    Identity
	Committer Identity
	Message   string

	// ExtraHeaders preserves any header lines this decoder doesn't
	// recognize, in original order, so re-encoding round-trips
	// commits written by a newer or differently-configured peer.
	ExtraHeaders []string
}

func formatTZ(minutes int) string {
	sign := "+"
	if minutes < 0 {
		sign = "-"
		minutes = -minutes
	}
	return fmt.Sprintf("%s%02d%02d", sign, minutes/60, minutes%60)
}

func parseTZ(s string) (int, error) {
	if len(s) != 5 || (s[0] != '+' && s[0] != '-') {
		return 0, fmt.Errorf("objfmt: invalid timezone offset %q", s)
	}
	hh, err := strconv.Atoi(s[1:3])
	if err != nil {
		return 0, fmt.Errorf("objfmt: invalid timezone offset %q: %w", s, err)
	}
	mm, err := strconv.Atoi(s[3:5])
	if err != nil {
		return 0, fmt.Errorf("objfmt: invalid timezone offset %q: %w", s, err)
	}
	total := hh*60 + mm
	if s[0] == '-' {
		total = -total
	}
	return total, nil
}

func formatIdentity(id Identity) string {
	return fmt.Sprintf("%s <%s> %d %s", id.Name, id.Email, id.Epoch, formatTZ(id.TZMinutes))
}

// parseIdentity parses "Name <email> epoch +HHMM", tolerating a name
// that itself contains angle brackets by anchoring on the last "<...>"
// group before the trailing epoch/timezone pair.
func parseIdentity(line string) (Identity, error) {
	open := strings.LastIndex(line, "<")
	closeI := strings.LastIndex(line, ">")
	if open < 0 || closeI < open {
		return Identity{}, fmt.Errorf("objfmt: malformed identity line %q", line)
	}
	name := strings.TrimSpace(line[:open])
	email := line[open+1 : closeI]
	rest := strings.TrimSpace(line[closeI+1:])
	fields := strings.Fields(rest)
	if len(fields) != 2 {
		return Identity{}, fmt.Errorf("objfmt: malformed identity trailer %q", rest)
	}
	epoch, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return Identity{}, fmt.Errorf("objfmt: invalid epoch %q: %w", fields[0], err)
	}
	tz, err := parseTZ(fields[1])
	if err != nil {
		return Identity{}, err
	}
	return Identity{Name: name, Email: email, Epoch: epoch, TZMinutes: tz}, nil
}

// EncodeCommit renders c in the engine's text commit format.
func EncodeCommit(c Commit) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "tree %s\n", c.Tree)
	for _, p := range c.Parents {
		fmt.Fprintf(&buf, "parent %s\n", p)
	}
	fmt.Fprintf(&buf, "author %s\n", formatIdentity(c.Author))
	fmt.Fprintf(&buf, "committer %s\n", formatIdentity(c.Committer))
	for _, h := range c.ExtraHeaders {
		buf.WriteString(h)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	buf.WriteString(c.Message)
	return buf.Bytes()
}

// DecodeCommit parses a commit payload, tolerating multi-line
// author/committer variants (later lines with the same prefix
// override earlier ones, matching real-world commits rewritten by
// competing tools) and preserving unrecognized headers verbatim.
func DecodeCommit(data []byte) (Commit, error) {
	var c Commit
	r := bufio.NewReader(bytes.NewReader(data))
	for {
		line, err := r.ReadString('\n')
		trimmed := strings.TrimSuffix(line, "\n")
		if trimmed == "" {
			// Blank line: header section ends; everything else is
			// the message, verbatim including any trailing newline
			// semantics already consumed.
			rest, _ := readAll(r)
			c.Message = rest
			return c, nil
		}
		switch {
		case strings.HasPrefix(trimmed, "tree "):
			o, perr := oid.Parse(strings.TrimPrefix(trimmed, "tree "))
			if perr != nil {
				return Commit{}, fmt.Errorf("objfmt: commit tree: %w", perr)
			}
			c.Tree = o
		case strings.HasPrefix(trimmed, "parent "):
			o, perr := oid.Parse(strings.TrimPrefix(trimmed, "parent "))
			if perr != nil {
				return Commit{}, fmt.Errorf("objfmt: commit parent: %w", perr)
			}
			c.Parents = append(c.Parents, o)
		case strings.HasPrefix(trimmed, "author "):
			id, perr := parseIdentity(strings.TrimPrefix(trimmed, "author "))
			if perr != nil {
				return Commit{}, perr
			}
			c.Author = id
		case strings.HasPrefix(trimmed, "committer "):
			id, perr := parseIdentity(strings.TrimPrefix(trimmed, "committer "))
			if perr != nil {
				return Commit{}, perr
			}
			c.Committer = id
		default:
			c.ExtraHeaders = append(c.ExtraHeaders, trimmed)
		}
		if err != nil {
			// EOF with no blank line / message: still a valid,
			// message-less commit.
			return c, nil
		}
	}
}

func readAll(r *bufio.Reader) (string, error) {
	var buf bytes.Buffer
	_, err := buf.ReadFrom(r)
	return buf.String(), err
}
