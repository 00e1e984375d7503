package checker

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/sourcegraph/conc/pool"
	"golang.org/x/net/proxy"

	"github.com/August26/proxytest-go/internal/model"
)

// DefaultCapabilityTimeout bounds the whole capability stage.
const DefaultCapabilityTimeout = 10 * time.Second

// MailTargets are the endpoints tried per protocol, in order. One
// successful TCP connect through the proxy is enough.
type MailTargets struct {
	SMTP []string
	POP3 []string
	IMAP []string
}

var DefaultMailTargets = MailTargets{
	SMTP: []string{"smtp.gmail.com:587", "smtp.gmail.com:465"},
	POP3: []string{"pop.gmail.com:995", "pop.gmail.com:110"},
	IMAP: []string{"imap.gmail.com:993", "imap.gmail.com:143"},
}

// CapabilityChecker reports what a proxy carries besides HTTP. ok is false
// when the proxy type is not supported.
type CapabilityChecker interface {
	Capabilities(ctx context.Context, cred model.ProxyCredential) (caps model.Capabilities, ok bool)
}

// SOCKS5Capabilities checks SOCKS5 proxies for mail reachability and UDP
// ASSOCIATE support. Other proxy types are skipped.
type SOCKS5Capabilities struct {
	dialTimeout time.Duration
	targets     MailTargets
	dial        dialFunc
}

func NewSOCKS5Capabilities(dialTimeout time.Duration, targets MailTargets) *SOCKS5Capabilities {
	if dialTimeout <= 0 {
		dialTimeout = 4 * time.Second
	}
	d := &net.Dialer{KeepAlive: -1}
	return &SOCKS5Capabilities{dialTimeout: dialTimeout, targets: targets, dial: d.DialContext}
}

func (c *SOCKS5Capabilities) Capabilities(ctx context.Context, cred model.ProxyCredential) (model.Capabilities, bool) {
	if cred.Type.Scheme() != "socks5" {
		return model.Capabilities{}, false
	}

	// Each goroutine owns one field.
	var caps model.Capabilities
	p := pool.New()
	p.Go(func() { caps.SMTP = c.anyReachable(ctx, cred, c.targets.SMTP) })
	p.Go(func() { caps.POP3 = c.anyReachable(ctx, cred, c.targets.POP3) })
	p.Go(func() { caps.IMAP = c.anyReachable(ctx, cred, c.targets.IMAP) })
	p.Go(func() { caps.UDP = c.udp(ctx, cred) == nil })
	p.Wait()
	return caps, true
}

func (c *SOCKS5Capabilities) anyReachable(ctx context.Context, cred model.ProxyCredential, addrs []string) bool {
	for _, addr := range addrs {
		if ctx.Err() != nil {
			return false
		}
		if c.connect(ctx, cred, addr) == nil {
			return true
		}
	}
	return false
}

// connect opens and closes one TCP connection to addr through the proxy.
func (c *SOCKS5Capabilities) connect(ctx context.Context, cred model.ProxyCredential, addr string) error {
	var auth *proxy.Auth
	if cred.HasAuth() {
		auth = &proxy.Auth{User: cred.Username, Password: cred.Password}
	}
	d, err := proxy.SOCKS5("tcp", cred.Address(), auth, forwardDialer(c.dial))
	if err != nil {
		return err
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return errors.New("socks5 dialer does not support contexts")
	}

	ctx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()
	conn, err := cd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

func (c *SOCKS5Capabilities) udp(ctx context.Context, cred model.ProxyCredential) error {
	ctx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()

	conn, err := c.dial(ctx, "tcp", cred.Address())
	if err != nil {
		return err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	return socks5UDPAssociate(conn, cred.Username, cred.Password)
}
