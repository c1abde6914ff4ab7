// Package chunker implements content-defined chunking by rolling
// checksum: the boundary rule that turns an arbitrary byte stream into
// a deterministic sequence of (chunk, level) pairs.
//
// The algorithm is the same window-sum rollsum used by the reference
// implementation: a 64-byte sliding window feeds two accumulators
// (s1, s2); a chunk boundary fires the instant the low `Blobbits` bits
// of s2 are all ones. This keeps identical input producing an
// identical chunk sequence regardless of how many times it is split,
// which is the property the tree builder (internal/hashsplit) and the
// dedup store both rely on.
package chunker

import (
	"bufio"
	"io"
)

const (
	// windowSize is the width of the rolling checksum window.
	windowSize = 64
	// charOffset keeps the accumulators away from zero for short
	// windows, matching the reference rollsum.
	charOffset = 31
)

// Config controls the splitter's boundary rule.
type Config struct {
	// Blobbits sets the average chunk size to 1<<Blobbits bytes.
	// Valid range is 13–21; the zero value is normalized to 13.
	Blobbits uint
	// Fanout sets the branching factor the tree builder groups
	// chunks into; Fanbits = log2(Fanout). The zero value is
	// normalized to 16 (Fanbits=4).
	Fanout uint
	// KeepBoundaries forces a boundary at the end of every input
	// stream passed to Splitter, even mid-window.
	KeepBoundaries bool
}

func (c Config) normalized() Config {
	if c.Blobbits == 0 {
		c.Blobbits = 13
	}
	if c.Fanout == 0 {
		c.Fanout = 16
	}
	return c
}

func (c Config) fanbits() uint {
	bits := uint(0)
	for f := c.Fanout; f > 1; f >>= 1 {
		bits++
	}
	if bits == 0 {
		bits = 1
	}
	return bits
}

// MaxBlob is the forced-boundary ceiling for the given config.
func (c Config) MaxBlob() int {
	c = c.normalized()
	return 1 << (c.Blobbits + 2)
}

// MinBlob is the floor used by callers that want to avoid
// pathologically small chunks; the splitter itself never merges
// chunks, it only reports MinBlob for informational use.
func (c Config) MinBlob() int {
	c = c.normalized()
	return 1 << (c.Blobbits - 2)
}

// Chunk is one boundary-delimited piece of the input along with the
// hierarchy level the boundary hash agreed to.
type Chunk struct {
	Data  []byte
	Level int
}

// Splitter turns one or more input streams into a sequence of Chunks.
// It consumes arbitrarily large inputs in O(1) memory beyond one
// MaxBlob-sized buffer.
type Splitter struct {
	cfg     Config
	fanbits uint
	mask    uint32

	buf []byte // accumulated bytes since the last boundary
	s1  uint32
	s2  uint32
	win [windowSize]byte
	wpt int
}

// New creates a Splitter with the given configuration.
func New(cfg Config) *Splitter {
	cfg = cfg.normalized()
	s := &Splitter{
		cfg:     cfg,
		fanbits: cfg.fanbits(),
		mask:    uint32(1)<<cfg.Blobbits - 1,
		buf:     make([]byte, 0, cfg.MaxBlob()),
	}
	s.resetWindow()
	return s
}

func (s *Splitter) resetWindow() {
	s.s1 = windowSize * charOffset
	s.s2 = windowSize * (windowSize - 1) * charOffset
	s.win = [windowSize]byte{}
	s.wpt = 0
}

// roll folds one byte into the rolling checksum and returns the
// updated digest (s2, the half that the boundary rule inspects).
func (s *Splitter) roll(b byte) uint32 {
	drop := s.win[s.wpt]
	s.s1 += uint32(b) - uint32(drop)
	s.s2 += s.s1 - windowSize*(uint32(drop)+charOffset)
	s.win[s.wpt] = b
	s.wpt = (s.wpt + 1) % windowSize
	return s.s2
}

// level returns one plus the number of consecutive fanbits-wide groups
// above Blobbits that are also all-ones in sum, so the minimum
// returned level is 1.
func (s *Splitter) level(sum uint32) int {
	extra := 0
	for {
		shift := s.cfg.Blobbits + uint(extra)*s.fanbits
		if shift+s.fanbits > 32 {
			break
		}
		groupMask := uint32(1)<<s.fanbits - 1
		if (sum>>shift)&groupMask != groupMask {
			break
		}
		extra++
	}
	return extra + 1
}

// Split reads all of r, calling emit for every chunk boundary found.
// It forces a boundary at MaxBlob. If KeepBoundaries is set, it also
// forces a boundary at the end of r, so that bytes from this stream
// never share a chunk with bytes from whatever the caller splits
// next; if it is unset, any bytes accumulated since the last boundary
// stay buffered in the Splitter and will be chunked together with the
// next stream's leading bytes, letting multiple streams be hashsplit
// as one logical concatenation. Either way, Split itself never
// flushes a genuinely final remainder — that is SplitAll's job, since
// only SplitAll knows which stream in the sequence is last.
func (s *Splitter) Split(r io.Reader, emit func(Chunk) error) error {
	br := bufio.NewReaderSize(r, 64*1024)
	maxBlob := s.cfg.MaxBlob()
	for {
		b, err := br.ReadByte()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		s.buf = append(s.buf, b)
		sum := s.roll(b)

		if len(s.buf) >= maxBlob {
			if err := s.flush(emit, 0); err != nil {
				return err
			}
			continue
		}
		if sum&s.mask == s.mask {
			lvl := s.level(sum)
			if err := s.flush(emit, lvl); err != nil {
				return err
			}
		}
	}
	if s.cfg.KeepBoundaries && len(s.buf) > 0 {
		if err := s.flush(emit, 0); err != nil {
			return err
		}
	}
	return nil
}

func (s *Splitter) flush(emit func(Chunk) error, level int) error {
	if level < 1 {
		level = 1
	}
	data := make([]byte, len(s.buf))
	copy(data, s.buf)
	s.buf = s.buf[:0]
	s.resetWindow()
	return emit(Chunk{Data: data, Level: level})
}

// SplitAll splits every reader in streams in order, forcing a boundary
// between streams when cfg.KeepBoundaries is set. If the concatenated
// input is entirely empty, exactly one empty chunk is emitted (the
// "empty stream -> single empty blob" rule).
func SplitAll(cfg Config, streams []io.Reader, emit func(Chunk) error) error {
	s := New(cfg)
	emitted := false
	wrapped := func(c Chunk) error {
		emitted = true
		return emit(c)
	}
	for _, r := range streams {
		if err := s.Split(r, wrapped); err != nil {
			return err
		}
	}
	if len(s.buf) > 0 {
		if err := s.flush(wrapped, 0); err != nil {
			return err
		}
	}
	if !emitted {
		return emit(Chunk{Data: nil, Level: 1})
	}
	return nil
}
