package wire

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"

	"github.com/coldvault/bupstore/internal/bkerrors"
)

const (
	frameKindData byte = 0
	frameKindErr  byte = 1
)

// maxDemuxFrame bounds a single outgoing data frame; larger writes
// are split across several frames transparently.
const maxDemuxFrame = 64 * 1024

// DemuxConn multiplexes the protocol's data stream and its
// out-of-band error/log stream onto one TCP connection, framing each
// as u8 kind, u32 big-endian length, bytes. Reading presents only
// data frames; every err frame encountered along the way is handed to
// logSink instead of being returned to the caller.
type DemuxConn struct {
	conn    net.Conn
	br      *bufio.Reader
	logSink io.Writer

	pending []byte // unread remainder of the current data frame
}

// NewDemuxConn wraps conn. logSink receives the payload of every err
// frame the peer sends, in order; it may be nil to discard them.
func NewDemuxConn(conn net.Conn, logSink io.Writer) *DemuxConn {
	return &DemuxConn{conn: conn, br: bufio.NewReader(conn), logSink: logSink}
}

func (d *DemuxConn) readFrame() (kind byte, payload []byte, err error) {
	kind, err = d.br.ReadByte()
	if err != nil {
		return 0, nil, bkerrors.Wrap(bkerrors.IoError, err, "read demux frame kind")
	}
	var lenBuf [4]byte
	if _, err := io.ReadFull(d.br, lenBuf[:]); err != nil {
		return 0, nil, bkerrors.Wrap(bkerrors.IoError, err, "read demux frame length")
	}
	l := binary.BigEndian.Uint32(lenBuf[:])
	payload = make([]byte, l)
	if _, err := io.ReadFull(d.br, payload); err != nil {
		return 0, nil, bkerrors.Wrap(bkerrors.IoError, err, "read demux frame body")
	}
	return kind, payload, nil
}

// Read implements io.Reader, returning only data-frame bytes. Err
// frames are consumed transparently and forwarded to logSink.
func (d *DemuxConn) Read(p []byte) (int, error) {
	for len(d.pending) == 0 {
		kind, payload, err := d.readFrame()
		if err != nil {
			return 0, err
		}
		switch kind {
		case frameKindErr:
			if d.logSink != nil {
				d.logSink.Write(payload)
			}
		case frameKindData:
			d.pending = payload
		default:
			return 0, bkerrors.New(bkerrors.ProtocolError, "demux: unknown frame kind %d", kind)
		}
	}
	n := copy(p, d.pending)
	d.pending = d.pending[n:]
	return n, nil
}

func writeFrame(w io.Writer, kind byte, payload []byte) error {
	var header [5]byte
	header[0] = kind
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

// Write implements io.Writer, framing p as one or more data frames.
func (d *DemuxConn) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		chunk := p
		if len(chunk) > maxDemuxFrame {
			chunk = chunk[:maxDemuxFrame]
		}
		if err := writeFrame(d.conn, frameKindData, chunk); err != nil {
			return total - len(p), err
		}
		p = p[len(chunk):]
	}
	return total, nil
}

// WriteLog sends b as an err frame, the log-sink side of the
// multiplex — used by the server to interleave progress/log lines
// with the response stream.
func (d *DemuxConn) WriteLog(b []byte) error {
	return writeFrame(d.conn, frameKindErr, b)
}

func (d *DemuxConn) Close() error { return d.conn.Close() }
