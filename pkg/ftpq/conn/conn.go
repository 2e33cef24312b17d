// Package conn is the engine's seam to the FTP wire: workers drive
// the synchronous Conn command surface and consume structured listing
// entries; the real implementation sits on jlaffaye/ftp behind a
// Dialer that handles proxy traversal and login.
package conn

import (
	"errors"
	"io"
	"time"
)

// ErrNotSupported is returned by a Conn for commands the underlying
// control library cannot issue (raw SITE commands, for one). Workers
// translate it into the matching decision-point problem.
var ErrNotSupported = errors.New("command not supported by this connection")

// EntryType classifies a directory entry.
type EntryType int

const (
	// EntryFile is a regular file.
	EntryFile EntryType = iota
	// EntryDir is a directory.
	EntryDir
	// EntryLink is a symbolic link whose kind needs a probe to resolve.
	EntryLink
)

// Entry is one structured directory entry. Listing parsing happens
// below this seam; the engine never sees raw LIST lines.
type Entry struct {
	Name string
	Type EntryType
	Size int64
	// SizeInBlocks marks servers reporting sizes in allocation blocks.
	SizeInBlocks bool
	// Rights is the server's permission string, kept for display and
	// for change-attributes items.
	Rights string
	Time   time.Time
	// Target is the link target for EntryLink entries, when known.
	Target string
}

// Conn is one logical FTP control connection. Every method blocks
// until the server replies; exactly one command is ever in flight per
// connection because the surface is synchronous.
type Conn interface {
	// ChangeDir issues CWD.
	ChangeDir(path string) error
	// CurrentDir issues PWD.
	CurrentDir() (string, error)
	// List retrieves the directory listing over a data connection.
	List(path string) ([]Entry, error)
	// Delete issues DELE.
	Delete(path string) error
	// RemoveDir issues RMD.
	RemoveDir(path string) error
	// MakeDir issues MKD.
	MakeDir(path string) error
	// Rename issues RNFR/RNTO.
	Rename(from, to string) error
	// ChangeMode changes permissions (SITE CHMOD where available).
	ChangeMode(path string, mode uint32) error
	// Type switches the transfer mode between ASCII and binary.
	Type(ascii bool) error
	// Retr opens a download data connection from the given offset;
	// the caller must Close the reader to finish the transfer.
	Retr(path string, offset int64) (io.ReadCloser, error)
	// Stor uploads r to path starting at the given offset.
	Stor(path string, r io.Reader, offset int64) error
	// FileSize issues SIZE.
	FileSize(path string) (int64, error)
	// Exec sends a raw command line (init-command replay).
	Exec(command string) error
	// NoOp issues NOOP to keep the connection alive.
	NoOp() error
	// Banner returns the server's first reply, captured at dial time.
	Banner() string
	// Quit closes gracefully: QUIT after the in-flight command.
	Quit() error
	// Close drops the socket unconditionally (force close).
	Close() error
}

// ProxyKind selects the protocol of one proxy hop.
type ProxyKind int

const (
	// ProxySOCKS5 is a SOCKS5 hop.
	ProxySOCKS5 ProxyKind = iota
	// ProxyHTTPConnect is an HTTP CONNECT hop.
	ProxyHTTPConnect
)

// ProxyHop is one entry of the proxy chain traversed before the FTP
// control connection is established.
type ProxyHop struct {
	Kind     ProxyKind
	Host     string
	Port     int
	User     string
	Password string
}

// Params are the connection parameters of one operation; every worker
// of the operation dials with the same set.
type Params struct {
	Host     string
	Port     int
	User     string
	Password string

	// Proxy is traversed in order; empty means a direct connection.
	Proxy []ProxyHop

	// InitCommands are replayed on the control connection right after
	// login; connections that cannot send raw commands log and skip
	// them.
	InitCommands []string

	// DisableEPSV forces the legacy PASV handshake for servers that
	// mishandle EPSV.
	DisableEPSV bool

	// Timeout bounds the dial and every command round-trip.
	Timeout time.Duration
}

// Address returns the dialable host:port.
func (p Params) Address() string {
	return joinHostPort(p.Host, p.Port)
}
