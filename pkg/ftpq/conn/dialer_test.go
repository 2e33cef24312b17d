package conn

import (
	"io"
	"net"
	"sync"
	"testing"
	"time"
)

type fakeNetConn struct {
	mu     sync.Mutex
	closed bool
}

func (c *fakeNetConn) Read([]byte) (int, error)    { return 0, io.EOF }
func (c *fakeNetConn) Write(p []byte) (int, error) { return len(p), nil }
func (c *fakeNetConn) LocalAddr() net.Addr         { return &net.TCPAddr{} }
func (c *fakeNetConn) RemoteAddr() net.Addr        { return &net.TCPAddr{} }
func (c *fakeNetConn) SetDeadline(time.Time) error { return nil }
func (c *fakeNetConn) SetReadDeadline(time.Time) error  { return nil }
func (c *fakeNetConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeNetConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeNetConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func TestForceCloseDropsControlTransport(t *testing.T) {
	tracker := &rawConnTracker{}
	control, data := &fakeNetConn{}, &fakeNetConn{}
	tracker.track(control)
	tracker.track(data) // later dials open data connections

	c := &ftpConn{raw: tracker}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !control.isClosed() {
		t.Error("force close must drop the control transport without a QUIT exchange")
	}
	if data.isClosed() {
		t.Error("only the first tracked connection is the control transport")
	}
	if tracker.take() != nil {
		t.Error("closing must consume the tracked connection")
	}
}
