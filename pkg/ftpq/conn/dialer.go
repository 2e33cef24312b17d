package conn

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rs/zerolog"
	"golang.org/x/net/proxy"
)

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Dialer establishes logged-in FTP connections for one parameter set,
// traversing the configured proxy chain first.
type Dialer struct {
	params Params
	logger zerolog.Logger
}

// NewDialer creates a dialer for the given parameters.
func NewDialer(params Params, logger zerolog.Logger) *Dialer {
	if params.Timeout == 0 {
		params.Timeout = 30 * time.Second
	}
	return &Dialer{params: params, logger: logger}
}

// Dial connects, logs in, and replays the init commands. The returned
// Conn is ready for work.
func (d *Dialer) Dial() (Conn, error) {
	capture := &bannerCapture{}
	opts := []ftp.DialOption{
		ftp.DialWithTimeout(d.params.Timeout),
		ftp.DialWithDebugOutput(capture),
	}
	if d.params.DisableEPSV {
		opts = append(opts, ftp.DialWithDisabledEPSV(true))
	}
	base, err := d.chainDialFunc()
	if err != nil {
		return nil, err
	}
	tracker := &rawConnTracker{}
	opts = append(opts, ftp.DialWithDialFunc(func(network, address string) (net.Conn, error) {
		c, err := base(network, address)
		if err == nil {
			tracker.track(c)
		}
		return c, err
	}))

	sc, err := ftp.Dial(d.params.Address(), opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.params.Address(), err)
	}
	if err := sc.Login(d.params.User, d.params.Password); err != nil {
		_ = sc.Quit()
		return nil, fmt.Errorf("login as %s: %w", d.params.User, err)
	}

	c := &ftpConn{sc: sc, banner: capture.Banner(), raw: tracker}
	for _, cmd := range d.params.InitCommands {
		if err := c.Exec(cmd); err != nil {
			// The control library has no raw command channel; init
			// commands cannot fail the whole connect.
			d.logger.Warn().Str("command", cmd).Err(err).Msg("init command not replayed")
		}
	}
	return c, nil
}

// chainDialFunc composes the proxy chain into a single dial function;
// a direct connection gets a plain timed dialer.
func (d *Dialer) chainDialFunc() (func(network, address string) (net.Conn, error), error) {
	if len(d.params.Proxy) == 0 {
		direct := &net.Dialer{Timeout: d.params.Timeout}
		return direct.Dial, nil
	}
	var forward proxy.Dialer = &net.Dialer{Timeout: d.params.Timeout}
	for _, hop := range d.params.Proxy {
		addr := joinHostPort(hop.Host, hop.Port)
		switch hop.Kind {
		case ProxySOCKS5:
			var auth *proxy.Auth
			if hop.User != "" {
				auth = &proxy.Auth{User: hop.User, Password: hop.Password}
			}
			next, err := proxy.SOCKS5("tcp", addr, auth, forward)
			if err != nil {
				return nil, fmt.Errorf("socks5 proxy %s: %w", addr, err)
			}
			forward = next
		case ProxyHTTPConnect:
			forward = &httpConnectDialer{forward: forward, addr: addr, user: hop.User, password: hop.Password}
		default:
			return nil, fmt.Errorf("unknown proxy kind %d", hop.Kind)
		}
	}
	final := forward
	return func(network, address string) (net.Conn, error) {
		return final.Dial(network, address)
	}, nil
}

// httpConnectDialer tunnels through an HTTP proxy with CONNECT.
type httpConnectDialer struct {
	forward  proxy.Dialer
	addr     string
	user     string
	password string
}

func (h *httpConnectDialer) Dial(network, address string) (net.Conn, error) {
	c, err := h.forward.Dial(network, h.addr)
	if err != nil {
		return nil, fmt.Errorf("http proxy %s: %w", h.addr, err)
	}
	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", address, address)
	if h.user != "" {
		cred := base64.StdEncoding.EncodeToString([]byte(h.user + ":" + h.password))
		req += "Proxy-Authorization: Basic " + cred + "\r\n"
	}
	req += "\r\n"
	if _, err := io.WriteString(c, req); err != nil {
		_ = c.Close()
		return nil, err
	}
	br := bufio.NewReader(c)
	status, err := br.ReadString('\n')
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	if !strings.Contains(status, " 200 ") {
		_ = c.Close()
		return nil, fmt.Errorf("http proxy %s refused CONNECT: %s", h.addr, strings.TrimSpace(status))
	}
	// Drain the remaining response headers.
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			_ = c.Close()
			return nil, err
		}
		if line == "\r\n" || line == "\n" {
			break
		}
	}
	if br.Buffered() > 0 {
		// Data after the headers belongs to the tunneled stream.
		buffered := make([]byte, br.Buffered())
		_, _ = io.ReadFull(br, buffered)
		return &bufferedConn{Conn: c, rest: buffered}, nil
	}
	return c, nil
}

type bufferedConn struct {
	net.Conn
	rest []byte
}

func (b *bufferedConn) Read(p []byte) (int, error) {
	if len(b.rest) > 0 {
		n := copy(p, b.rest)
		b.rest = b.rest[n:]
		return n, nil
	}
	return b.Conn.Read(p)
}

// bannerCapture grabs the server's 220 greeting from the control-
// conversation debug stream; the library exposes it no other way.
type bannerCapture struct {
	mu     sync.Mutex
	banner string
}

func (b *bannerCapture) Write(p []byte) (int, error) {
	b.mu.Lock()
	if b.banner == "" {
		for _, line := range strings.Split(string(p), "\n") {
			line = strings.TrimSpace(line)
			if strings.HasPrefix(line, "220") {
				b.banner = line
				break
			}
		}
	}
	b.mu.Unlock()
	return len(p), nil
}

func (b *bannerCapture) Banner() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.banner
}

// rawConnTracker remembers the first connection the dial function
// produced, which is the control connection; later calls open data
// connections and are not recorded. Force-close drops it at the
// transport level instead of negotiating QUIT with a server that may
// already be dead.
type rawConnTracker struct {
	mu   sync.Mutex
	conn net.Conn
}

func (t *rawConnTracker) track(c net.Conn) {
	t.mu.Lock()
	if t.conn == nil {
		t.conn = c
	}
	t.mu.Unlock()
}

func (t *rawConnTracker) take() net.Conn {
	t.mu.Lock()
	c := t.conn
	t.conn = nil
	t.mu.Unlock()
	return c
}

// ftpConn adapts *ftp.ServerConn to the Conn surface.
type ftpConn struct {
	sc     *ftp.ServerConn
	banner string
	raw    *rawConnTracker
}

func (c *ftpConn) ChangeDir(path string) error { return c.sc.ChangeDir(path) }

func (c *ftpConn) CurrentDir() (string, error) { return c.sc.CurrentDir() }

func (c *ftpConn) List(path string) ([]Entry, error) {
	raw, err := c.sc.List(path)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(raw))
	for _, e := range raw {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		out := Entry{
			Name: e.Name,
			Size: int64(e.Size),
			Time: e.Time,
			// Link targets arrive as "name -> target" on some servers;
			// the parser below the seam already split them.
			Target: e.Target,
		}
		switch e.Type {
		case ftp.EntryTypeFolder:
			out.Type = EntryDir
		case ftp.EntryTypeLink:
			out.Type = EntryLink
		default:
			out.Type = EntryFile
		}
		entries = append(entries, out)
	}
	return entries, nil
}

func (c *ftpConn) Delete(path string) error { return c.sc.Delete(path) }

func (c *ftpConn) RemoveDir(path string) error { return c.sc.RemoveDir(path) }

func (c *ftpConn) MakeDir(path string) error { return c.sc.MakeDir(path) }

func (c *ftpConn) Rename(from, to string) error { return c.sc.Rename(from, to) }

func (c *ftpConn) ChangeMode(string, uint32) error { return ErrNotSupported }

func (c *ftpConn) Type(ascii bool) error {
	if ascii {
		return c.sc.Type(ftp.TransferTypeASCII)
	}
	return c.sc.Type(ftp.TransferTypeBinary)
}

func (c *ftpConn) Retr(path string, offset int64) (io.ReadCloser, error) {
	if offset > 0 {
		return c.sc.RetrFrom(path, uint64(offset))
	}
	return c.sc.Retr(path)
}

func (c *ftpConn) Stor(path string, r io.Reader, offset int64) error {
	if offset > 0 {
		return c.sc.StorFrom(path, r, uint64(offset))
	}
	return c.sc.Stor(path, r)
}

func (c *ftpConn) FileSize(path string) (int64, error) { return c.sc.FileSize(path) }

func (c *ftpConn) Exec(string) error { return ErrNotSupported }

func (c *ftpConn) NoOp() error { return c.sc.NoOp() }

func (c *ftpConn) Banner() string { return c.banner }

func (c *ftpConn) Quit() error { return c.sc.Quit() }

// Close drops the control transport without the QUIT round-trip; a
// graceful goodbye goes through Quit instead.
func (c *ftpConn) Close() error {
	if c.raw != nil {
		if raw := c.raw.take(); raw != nil {
			return raw.Close()
		}
	}
	return c.sc.Quit()
}
