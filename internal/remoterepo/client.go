// Package remoterepo implements the client side of internal/wire: a
// Repository facade that translates every internal/repository.Repository
// call into one or more protocol commands against a remote server, the
// way internal/localrepo implements the same interface directly against
// the filesystem.
package remoterepo

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/coldvault/bupstore/internal/bkerrors"
	"github.com/coldvault/bupstore/internal/oid"
	"github.com/coldvault/bupstore/internal/wire"
)

// receiveSuspendMarker mirrors internal/wire's server-side constant of
// the same name: a length prefix of all-ones tells receive-objects-v2
// to suspend rather than finish, leaving objects already written on
// disk without rebuilding the remote's midx/bloom.
const receiveSuspendMarker uint32 = 0xFFFFFFFF

// Default reconnection parameters, matching the magnitudes the
// teacher's clients/go/reconnect.go hand-rolled loop used
// (DefaultMaxRetries, DefaultRetryDelay, DefaultMaxRetryDelay), now
// driven by github.com/cenkalti/backoff/v4 instead of a bespoke
// attempt-counting loop.
const (
	defaultMaxElapsedTime  = 30 * time.Second
	defaultInitialInterval = 100 * time.Millisecond
	defaultMaxInterval     = 5 * time.Second
	defaultDialTimeout     = 10 * time.Second
)

// client is the low-level, mutex-serialized connection to a wire
// server: one command is in flight at a time, mirroring the
// protocol's idle/busy state machine (spec.md §4.I) and
// clients/go/client.go's mutex-guarded sendRequest.
type client struct {
	addr string

	mu   sync.Mutex
	conn net.Conn
	rw   *wire.DemuxConn
	br   *bufio.Reader

	advertised map[string]bool
}

// dial opens a fresh TCP connection and performs the help handshake
// over it via newClient.
func dial(addr string) (*client, error) {
	conn, err := net.DialTimeout("tcp", addr, defaultDialTimeout)
	if err != nil {
		return nil, bkerrors.Wrap(bkerrors.IoError, err, "dial %s", addr)
	}
	return newClient(addr, conn)
}

// newClient wraps an already-open conn (a real net.Conn in production,
// a net.Pipe half in tests) in a DemuxConn so the server's out-of-band
// log frames never corrupt the command stream, and performs the help
// handshake.
func newClient(addr string, conn net.Conn) (*client, error) {
	demux := wire.NewDemuxConn(conn, nil)
	c := &client{addr: addr, conn: conn, rw: demux, br: bufio.NewReader(demux)}
	if err := c.handshake(); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *client) handshake() error {
	if err := wire.WriteLine(c.rw, "help"); err != nil {
		return bkerrors.Wrap(bkerrors.IoError, err, "write help")
	}
	header, err := wire.ReadLine(c.br)
	if err != nil {
		return bkerrors.Wrap(bkerrors.IoError, err, "read help header")
	}
	if header != "Commands:" {
		return bkerrors.New(bkerrors.ProtocolError, "unexpected help header %q", header)
	}
	advertised := make(map[string]bool)
	for {
		line, err := wire.ReadLine(c.br)
		if err != nil {
			return bkerrors.Wrap(bkerrors.IoError, err, "read help body")
		}
		if line == "" {
			break
		}
		advertised[strings.TrimSpace(line)] = true
	}
	if err := c.readStatus(); err != nil {
		return err
	}
	c.advertised = advertised
	return nil
}

// readStatus reads exactly one status line and turns "error ..." into
// a classified bkerrors.Error by the original's "KeyError:" message
// prefix convention, or nil for "ok".
func (c *client) readStatus() error {
	line, err := wire.ReadLine(c.br)
	if err != nil {
		return bkerrors.Wrap(bkerrors.IoError, err, "read status")
	}
	if line == "ok" {
		return nil
	}
	msg := strings.TrimPrefix(line, "error ")
	if strings.HasPrefix(msg, "KeyError:") {
		return bkerrors.New(bkerrors.NotFound, "%s", msg)
	}
	return bkerrors.New(bkerrors.ProtocolError, "%s", msg)
}

// command writes line as the command, runs fn to send any request body
// and consume the response, and on any error drains the connection
// back to its next resynchronization point (spec.md §4.I: "drain
// response lines until the next blank line + ok/error").
func (c *client) command(line string, fn func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := wire.WriteLine(c.rw, line); err != nil {
		return bkerrors.Wrap(bkerrors.IoError, err, "write command %q", line)
	}
	if err := fn(); err != nil {
		c.recover()
		return err
	}
	return nil
}

// recover drains lines until a blank line is seen, the
// resynchronization point the protocol defines for a connection whose
// command handler errored out partway through its response.
func (c *client) recover() {
	for {
		line, err := wire.ReadLine(c.br)
		if err != nil || line == "" {
			return
		}
	}
}

func (c *client) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}

// reconnect replaces c's underlying connection in place, retrying with
// exponential backoff. No Repository method calls it or
// isConnectionError: a command that fails with an IoError returns that
// error to the caller, and the connection is not redialed nor the
// operation retried.
func (c *client) reconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = defaultInitialInterval
	b.MaxInterval = defaultMaxInterval
	b.MaxElapsedTime = defaultMaxElapsedTime

	return backoff.Retry(func() error {
		conn, err := net.DialTimeout("tcp", c.addr, defaultDialTimeout)
		if err != nil {
			return err
		}
		nc, err := newClient(c.addr, conn)
		if err != nil {
			return backoff.Permanent(err)
		}
		c.conn.Close()
		c.conn, c.rw, c.br, c.advertised = nc.conn, nc.rw, nc.br, nc.advertised
		return nil
	}, b)
}

// beginReceiveSession locks c for the duration of a receive-objects-v2
// exchange and writes the command line. The caller must eventually
// call endReceiveSession or abortReceiveSession to release the lock,
// since unlike every other command this one stays open across many
// frames instead of completing in a single command() round trip.
func (c *client) beginReceiveSession() error {
	c.mu.Lock()
	if err := wire.WriteLine(c.rw, "receive-objects-v2"); err != nil {
		c.mu.Unlock()
		return bkerrors.Wrap(bkerrors.IoError, err, "write receive-objects-v2")
	}
	return nil
}

// sendReceiveFrame writes one object's frame: oid, crc32 of the
// encoded body, then the body itself, each length-prefixed per
// receive-objects-v2's framing. Callers must hold the lock acquired
// by beginReceiveSession.
func (c *client) sendReceiveFrame(o oid.OID, encoded []byte) error {
	frame := make([]byte, oid.Size+4+len(encoded))
	copy(frame, o[:])
	binary.BigEndian.PutUint32(frame[oid.Size:], crc32.ChecksumIEEE(encoded))
	copy(frame[oid.Size+4:], encoded)

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(frame)))
	if _, err := c.rw.Write(lenBuf[:]); err != nil {
		return bkerrors.Wrap(bkerrors.IoError, err, "write frame length")
	}
	if _, err := c.rw.Write(frame); err != nil {
		return bkerrors.Wrap(bkerrors.IoError, err, "write frame body")
	}
	return nil
}

// endReceiveSession sends the L=0 finish marker, which makes the
// server flush (rebuild midx/bloom) before replying, reads the final
// status, and releases the lock beginReceiveSession acquired.
func (c *client) endReceiveSession() error {
	defer c.mu.Unlock()
	var lenBuf [4]byte
	if _, err := c.rw.Write(lenBuf[:]); err != nil {
		return bkerrors.Wrap(bkerrors.IoError, err, "write finish marker")
	}
	if err := c.readStatus(); err != nil {
		c.recover()
		return err
	}
	return nil
}

// abortReceiveSession sends the suspend marker instead of finishing:
// objects already sent stay written on the remote, but no midx/bloom
// rebuild happens. Used when a Repository is closed with an open
// session it never explicitly flushed. Errors are not reported, since
// this only runs as a best-effort cleanup on an already-failing path.
func (c *client) abortReceiveSession() {
	defer c.mu.Unlock()
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], receiveSuspendMarker)
	if _, err := c.rw.Write(lenBuf[:]); err != nil {
		return
	}
	c.readStatus()
}

// isConnectionError reports whether err reflects a failed transport
// (worth reconnecting for) rather than a server-reported application
// error (not worth it — retrying would repeat the same failure).
func isConnectionError(err error) bool {
	return bkerrors.Is(err, bkerrors.IoError)
}
