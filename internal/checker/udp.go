package checker

import (
	"errors"
	"fmt"
	"io"
	"net"
)

// socks5UDPAssociate runs a SOCKS5 greeting, username/password auth when
// credentials are set, and a UDP ASSOCIATE request over conn. A nil error
// means the proxy agreed to open a UDP relay.
//
// This is a light check: no datagram is sent through the relay.
func socks5UDPAssociate(conn net.Conn, username, password string) error {
	// 1. greeting
	//   0x00 = no auth
	//   0x02 = username/password
	methods := []byte{0x00}
	useAuth := username != "" || password != ""
	if useAuth {
		methods = append(methods, 0x02)
	}
	req := append([]byte{0x05, byte(len(methods))}, methods...)
	if _, err := conn.Write(req); err != nil {
		return err
	}

	// server chooses method
	buf := make([]byte, 2)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return fmt.Errorf("socks5: read method: %w", err)
	}
	if buf[0] != 0x05 {
		return fmt.Errorf("socks5: unexpected version %#x", buf[0])
	}

	// 2. auth if required
	switch buf[1] {
	case 0x00:
	case 0x02:
		if !useAuth {
			return errors.New("socks5: proxy wants credentials")
		}
		if err := socks5UserPassAuth(conn, username, password); err != nil {
			return err
		}
	default:
		return fmt.Errorf("socks5: no acceptable auth method (%#x)", buf[1])
	}

	// 3. UDP ASSOCIATE from 0.0.0.0:0
	// VER CMD=0x03 RSV ATYP=0x01 ADDR(4) PORT(2)
	cmd := []byte{0x05, 0x03, 0x00, 0x01, 0, 0, 0, 0, 0, 0}
	if _, err := conn.Write(cmd); err != nil {
		return err
	}

	// 4. reply: VER REP RSV ATYP BND.ADDR BND.PORT
	head := make([]byte, 4)
	if _, err := io.ReadFull(conn, head); err != nil {
		return fmt.Errorf("socks5: read reply: %w", err)
	}
	if head[0] != 0x05 {
		return fmt.Errorf("socks5: unexpected reply version %#x", head[0])
	}
	if head[1] != 0x00 {
		return fmt.Errorf("socks5: udp associate refused (code %#x)", head[1])
	}

	var rest int
	switch head[3] {
	case 0x01:
		rest = net.IPv4len + 2
	case 0x04:
		rest = net.IPv6len + 2
	case 0x03:
		l := make([]byte, 1)
		if _, err := io.ReadFull(conn, l); err != nil {
			return fmt.Errorf("socks5: read reply: %w", err)
		}
		rest = int(l[0]) + 2
	default:
		return fmt.Errorf("socks5: unknown address type %#x", head[3])
	}
	if _, err := io.ReadFull(conn, make([]byte, rest)); err != nil {
		return fmt.Errorf("socks5: read reply: %w", err)
	}
	return nil
}

// socks5UserPassAuth is the RFC 1929 subnegotiation:
//
//	VER=0x01 ULEN U PLEN P
func socks5UserPassAuth(conn net.Conn, username, password string) error {
	if len(username) > 255 || len(password) > 255 {
		return errors.New("socks5: username/password too long")
	}
	req := []byte{0x01, byte(len(username))}
	req = append(req, username...)
	req = append(req, byte(len(password)))
	req = append(req, password...)
	if _, err := conn.Write(req); err != nil {
		return err
	}

	resp := make([]byte, 2)
	if _, err := io.ReadFull(conn, resp); err != nil {
		return fmt.Errorf("socks5: read auth reply: %w", err)
	}
	if resp[0] != 0x01 {
		return errors.New("socks5: invalid auth response version")
	}
	if resp[1] != 0x00 {
		return errors.New("socks5: auth failed")
	}
	return nil
}
