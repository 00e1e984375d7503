package checker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"
)

// socks4Dialer tunnels TCP connections through a SOCKS4 proxy. Hostnames
// that are not IPv4 literals are sent with the SOCKS4a extension so the
// proxy resolves them.
type socks4Dialer struct {
	proxyAddr string
	userID    string
	forward   dialFunc
}

func (d *socks4Dialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if network != "tcp" && network != "tcp4" {
		return nil, fmt.Errorf("socks4: unsupported network %q", network)
	}
	req, err := socks4ConnectRequest(addr, d.userID)
	if err != nil {
		return nil, err
	}

	conn, err := d.forward(ctx, "tcp", d.proxyAddr)
	if err != nil {
		return nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	if err := socks4Handshake(conn, req); err != nil {
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return conn, nil
}

// socks4ConnectRequest builds:
//
//	VER=0x04 CMD=0x01 DSTPORT(2) DSTIP(4) USERID 0x00 [HOST 0x00]
func socks4ConnectRequest(addr, userID string) ([]byte, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return nil, fmt.Errorf("socks4: invalid port %q", portStr)
	}

	req := []byte{0x04, 0x01, byte(port >> 8), byte(port)}

	ip := net.ParseIP(host)
	switch {
	case ip == nil:
		if len(host) > 255 {
			return nil, errors.New("socks4: hostname too long")
		}
		req = append(req, 0x00, 0x00, 0x00, 0x01)
		req = append(req, userID...)
		req = append(req, 0x00)
		req = append(req, host...)
		req = append(req, 0x00)
	case ip.To4() != nil:
		req = append(req, ip.To4()...)
		req = append(req, userID...)
		req = append(req, 0x00)
	default:
		return nil, errors.New("socks4: IPv6 destinations are not supported")
	}
	return req, nil
}

func socks4Handshake(conn net.Conn, req []byte) error {
	if _, err := conn.Write(req); err != nil {
		return err
	}

	// VN CD DSTPORT(2) DSTIP(4)
	reply := make([]byte, 8)
	if _, err := io.ReadFull(conn, reply); err != nil {
		return fmt.Errorf("socks4: read reply: %w", err)
	}
	if reply[0] != 0x00 && reply[0] != 0x04 {
		return fmt.Errorf("socks4: unexpected reply version %#x", reply[0])
	}

	switch reply[1] {
	case 0x5a:
		return nil
	case 0x5b:
		return errors.New("socks4: request rejected or failed")
	case 0x5c:
		return errors.New("socks4: request rejected, identd unreachable")
	case 0x5d:
		return errors.New("socks4: request rejected, identd user mismatch")
	default:
		return fmt.Errorf("socks4: unknown reply code %#x", reply[1])
	}
}
