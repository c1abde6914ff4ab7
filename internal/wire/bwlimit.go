package wire

import (
	"io"
	"time"
)

// bwBlockSize is the sub-block size outbound writes are split into
// before the rate limiter sleeps, matching the spec's "4 KiB
// sub-blocks" wording.
const bwBlockSize = 4096

// LimitedWriter wraps w, splitting every write into bwBlockSize
// sub-blocks and sleeping between them so the amortized rate across
// each block stays at or below limit bytes/sec. Deliberately does not
// track any cross-block backlog: a slow block (scheduler contention,
// a GC pause) is never made up for by writing faster afterward, since
// a "catch up" burst is exactly what this exists to prevent from
// hitting a router's queue. limit<=0 disables limiting entirely.
type LimitedWriter struct {
	w     io.Writer
	limit int64 // bytes/sec; <=0 means unlimited
	sleep func(time.Duration)
}

// NewLimitedWriter wraps w with a bwlimit of limit bytes/sec. limit<=0
// returns w unwrapped.
func NewLimitedWriter(w io.Writer, limit int64) io.Writer {
	if limit <= 0 {
		return w
	}
	return &LimitedWriter{w: w, limit: limit, sleep: time.Sleep}
}

func (l *LimitedWriter) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		block := p
		if len(block) > bwBlockSize {
			block = block[:bwBlockSize]
		}
		start := time.Now()
		n, err := l.w.Write(block)
		written += n
		if err != nil {
			return written, err
		}
		wantDuration := time.Duration(float64(n) / float64(l.limit) * float64(time.Second))
		elapsed := time.Since(start)
		if wantDuration > elapsed {
			l.sleep(wantDuration - elapsed)
		}
		p = p[n:]
	}
	return written, nil
}
