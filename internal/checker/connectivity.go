package checker

import (
	"context"
	"net"
	"time"

	"github.com/August26/proxytest-go/internal/model"
)

// DefaultConnectTimeout bounds a single reachability dial.
const DefaultConnectTimeout = 10 * time.Second

// ProbeResult reports whether the proxy endpoint accepted a TCP connection.
type ProbeResult struct {
	Reachable bool
	Elapsed   time.Duration
	ErrorKind ConnectErrorKind
	Err       error
}

// Prober checks raw reachability of a proxy endpoint.
type Prober interface {
	Probe(ctx context.Context, cred model.ProxyCredential) ProbeResult
}

type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// DialProbe opens one TCP connection to host:port and closes it
// immediately. It never retries.
type DialProbe struct {
	timeout time.Duration
	dial    dialFunc
}

func NewDialProbe(timeout time.Duration) *DialProbe {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	d := &net.Dialer{KeepAlive: -1}
	return &DialProbe{timeout: timeout, dial: d.DialContext}
}

func (p *DialProbe) Probe(ctx context.Context, cred model.ProxyCredential) ProbeResult {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	conn, err := p.dial(ctx, "tcp", cred.Address())
	elapsed := time.Since(start)
	if err != nil {
		return ProbeResult{
			Elapsed:   elapsed,
			ErrorKind: classifyDialError(err),
			Err:       err,
		}
	}
	_ = conn.Close()

	return ProbeResult{Reachable: true, Elapsed: elapsed}
}
