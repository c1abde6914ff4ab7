// Command bupd serves one repository over the wire protocol
// (internal/wire), the daemon counterpart to a remote bup client. It
// supports the three transports spec.md describes: a TCP listener on
// port 1982 (error stream multiplexed via internal/wire.DemuxConn),
// an exec'd sub-process using stdin/stdout for the protocol and
// stderr for logs, and a "reverse" mode where the launching process
// has already opened file descriptors 3 and 4 as the protocol pair.
package main

import (
	"flag"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"

	"github.com/coldvault/bupstore/internal/bkerrors"
	"github.com/coldvault/bupstore/internal/localrepo"
	"github.com/coldvault/bupstore/internal/wire"
)

const defaultPort = "1982"

func main() {
	if err := run(); err != nil {
		slog.Error("bupd exiting", "error", err)
		os.Exit(1)
	}
}

func run() error {
	listen := flag.String("listen", "", "TCP address to listen on (e.g. :1982); unset serves a single exec/reverse session instead")
	mode := flag.String("mode", "unrestricted", "session mode: unrestricted, append, read-append, or read")
	flag.Parse()

	sessionMode, err := parseMode(*mode)
	if err != nil {
		return err
	}

	bupDir, err := resolveBupDir()
	if err != nil {
		return err
	}
	cacheDir := resolveCacheHome()

	repo, err := openOrInit(bupDir)
	if err != nil {
		return err
	}
	defer func() {
		if err := repo.Close(); err != nil {
			slog.Error("closing repository", "error", err)
		}
	}()

	slog.Info("bupd starting",
		"bup_dir", bupDir,
		"cache_home", cacheDir,
		"mode", *mode,
		"reverse", os.Getenv("BUP_SERVER_REVERSE") != "",
	)

	server := &wire.Server{
		Backend: repo,
		Mode:    sessionMode,
		LogSink: func(msg string) { slog.Info("client log", "message", msg) },
	}

	if reverseTarget := os.Getenv("BUP_SERVER_REVERSE"); reverseTarget != "" {
		slog.Info("serving in reverse mode", "target", reverseTarget)
		return serveReverse(server)
	}
	if *listen != "" {
		return serveTCP(server, *listen)
	}
	slog.Info("serving a single exec'd session over stdin/stdout")
	return serveOnce(server, os.Stdin, os.Stdout)
}

func parseMode(s string) (wire.Mode, error) {
	switch s {
	case "unrestricted":
		return wire.ModeUnrestricted, nil
	case "append":
		return wire.ModeAppend, nil
	case "read-append":
		return wire.ModeReadAppend, nil
	case "read":
		return wire.ModeRead, nil
	default:
		return 0, bkerrors.New(bkerrors.ConfigError, "unknown -mode %q", s)
	}
}

// resolveBupDir implements spec.md's BUP_DIR lookup: the environment
// variable if set, else ~/.bup.
func resolveBupDir() (string, error) {
	if dir := os.Getenv("BUP_DIR"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", bkerrors.Wrap(bkerrors.ConfigError, err, "resolve home directory for BUP_DIR default")
	}
	return filepath.Join(home, ".bup"), nil
}

// resolveCacheHome implements spec.md's XDG_CACHE_HOME lookup. bupd
// itself serves a local repository and never grows a remote index
// cache, so this is surfaced only in the startup log — a remote bup
// client reads this same variable to pick its own cache directory.
func resolveCacheHome() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".cache")
}

func openOrInit(dir string) (*localrepo.Repository, error) {
	repo, err := localrepo.Open(dir)
	if err == nil {
		return repo, nil
	}
	if !bkerrors.Is(err, bkerrors.NotFound) {
		return nil, err
	}
	slog.Info("repository not found, initializing", "dir", dir)
	return localrepo.Init(dir)
}

func serveOnce(server *wire.Server, r io.Reader, w io.Writer) error {
	if err := server.Serve(rwPair{r, w}); err != nil {
		return bkerrors.Wrap(bkerrors.ProtocolError, err, "session ended")
	}
	return nil
}

// serveReverse serves a single session over file descriptors 3 and 4,
// which the launching process has already opened as the protocol
// pair before exec'ing bupd — fd 3 carries the client's requests, fd
// 4 carries this process's responses, mirroring the stdin/stdout
// roles those fds would play one position earlier.
func serveReverse(server *wire.Server) error {
	in := os.NewFile(3, "bupd-reverse-in")
	out := os.NewFile(4, "bupd-reverse-out")
	if in == nil || out == nil {
		return bkerrors.New(bkerrors.ConfigError, "BUP_SERVER_REVERSE set but fds 3/4 are not open")
	}
	defer in.Close()
	defer out.Close()
	return serveOnce(server, in, out)
}

func serveTCP(server *wire.Server, addr string) error {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, defaultPort)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return bkerrors.Wrap(bkerrors.IoError, err, "listen on %s", addr)
	}
	defer ln.Close()
	slog.Info("listening", "addr", ln.Addr())

	for {
		conn, err := ln.Accept()
		if err != nil {
			return bkerrors.Wrap(bkerrors.IoError, err, "accept connection")
		}
		go handleConn(server, conn)
	}
}

func handleConn(server *wire.Server, conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr()
	slog.Info("connection accepted", "remote", remote)

	demux := wire.NewDemuxConn(conn, logWriter{})
	if err := server.Serve(demux); err != nil {
		slog.Error("connection ended with error", "remote", remote, "error", err)
		return
	}
	slog.Info("connection closed", "remote", remote)
}

// logWriter adapts the demux connection's incoming err-frame stream
// (the client's own log lines) onto slog.
type logWriter struct{}

func (logWriter) Write(p []byte) (int, error) {
	slog.Info("peer log", "message", string(p))
	return len(p), nil
}

// rwPair combines a separate reader and writer into one
// io.ReadWriter, for the stdin/stdout and fd-3/4 transports which
// never share a single net.Conn-like handle.
type rwPair struct {
	io.Reader
	io.Writer
}
