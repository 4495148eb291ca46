package defense

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn reports a fixed remote address and records Close.
type fakeConn struct {
	net.Conn
	remote net.Addr
	closed bool
}

func (c *fakeConn) RemoteAddr() net.Addr { return c.remote }
func (c *fakeConn) Close() error         { c.closed = true; return nil }

// fakeListener hands out queued connections, then fails.
type fakeListener struct {
	conns []net.Conn
}

func (l *fakeListener) Accept() (net.Conn, error) {
	if len(l.conns) == 0 {
		return nil, net.ErrClosed
	}
	c := l.conns[0]
	l.conns = l.conns[1:]
	return c, nil
}
func (l *fakeListener) Close() error   { return nil }
func (l *fakeListener) Addr() net.Addr { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)} }

func tcpAddr(ip string) net.Addr {
	return &net.TCPAddr{IP: net.ParseIP(ip), Port: 50000}
}

func TestFilteredListener(t *testing.T) {
	d, now := newTestDefense(t, testConfig())
	d.blocklist.Add(BlockEntry{IP: "203.0.113.66", ExpiresAt: now.Add(time.Hour), Reason: ReasonRateLimit})

	blocked := &fakeConn{remote: tcpAddr("203.0.113.66")}
	allowed := &fakeConn{remote: tcpAddr("198.51.100.2")}
	ln := d.Listener(&fakeListener{conns: []net.Conn{blocked, allowed}})

	conn, err := ln.Accept()
	require.NoError(t, err)
	assert.Same(t, allowed, conn)
	assert.True(t, blocked.closed)
	assert.False(t, allowed.closed)
	assert.Equal(t, uint64(1), d.Stats().Rejected)

	_, err = ln.Accept()
	assert.True(t, errors.Is(err, net.ErrClosed))
}
