package checker

import (
	"context"
	"net"
	"sync/atomic"
)

// byteCounter totals traffic on every connection a relay dials, proxy
// handshakes and TLS included.
type byteCounter struct {
	sent     atomic.Int64
	received atomic.Int64
}

func (c *byteCounter) wrap(dial dialFunc) dialFunc {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := dial(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		return &countingConn{Conn: conn, c: c}, nil
	}
}

type countingConn struct {
	net.Conn
	c *byteCounter
}

func (cc *countingConn) Read(p []byte) (int, error) {
	n, err := cc.Conn.Read(p)
	if n > 0 {
		cc.c.received.Add(int64(n))
	}
	return n, err
}

func (cc *countingConn) Write(p []byte) (int, error) {
	n, err := cc.Conn.Write(p)
	if n > 0 {
		cc.c.sent.Add(int64(n))
	}
	return n, err
}

// forwardDialer adapts a dialFunc to proxy.Dialer and proxy.ContextDialer.
type forwardDialer dialFunc

func (f forwardDialer) Dial(network, addr string) (net.Conn, error) {
	return f(context.Background(), network, addr)
}

func (f forwardDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return f(ctx, network, addr)
}
