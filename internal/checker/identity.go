package checker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"

	"github.com/August26/proxytest-go/internal/geo"
	"github.com/August26/proxytest-go/internal/model"
)

// DefaultRealIPURL answers with the caller's public address.
const DefaultRealIPURL = "https://api.ipify.org?format=json"

// Identity is what could be learned about the proxy's exit from a relay
// response. Empty fields mean unknown.
type Identity struct {
	PublicIP  string
	Geo       model.GeoInfo
	Anonymity model.Anonymity
	RiskScore *float64
}

// IdentityResolver derives exit identity from a successful relay. It never
// fails: missing information leaves fields empty.
type IdentityResolver interface {
	Resolve(ctx context.Context, relay RelayResult) Identity
}

// RealIPSource reports the client's own public address.
type RealIPSource interface {
	RealIP(ctx context.Context) (string, error)
}

// StaticRealIP is a configured real address.
type StaticRealIP string

func (s StaticRealIP) RealIP(context.Context) (string, error) {
	ip := strings.TrimSpace(string(s))
	if net.ParseIP(ip) == nil {
		return "", fmt.Errorf("invalid real IP %q", ip)
	}
	return ip, nil
}

// DefaultRealIPRetry is how long a failed real IP lookup is remembered
// before the next caller tries again.
const DefaultRealIPRetry = 30 * time.Second

// DirectEcho asks an echo service for the real address without any proxy.
// The first successful answer is kept for the life of the value. Callers
// share one lookup at a time and stop waiting when their context ends.
type DirectEcho struct {
	url        string
	client     *http.Client
	retryAfter time.Duration
	now        func() time.Time

	mu       sync.Mutex
	ip       string
	err      error
	failedAt time.Time
	inflight chan struct{}
}

func NewDirectEcho(url string, timeout time.Duration) *DirectEcho {
	if url == "" {
		url = DefaultRealIPURL
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &DirectEcho{
		url:        url,
		client:     &http.Client{Timeout: timeout},
		retryAfter: DefaultRealIPRetry,
		now:        time.Now,
	}
}

func (d *DirectEcho) RealIP(ctx context.Context) (string, error) {
	d.mu.Lock()
	if d.ip != "" {
		ip := d.ip
		d.mu.Unlock()
		return ip, nil
	}
	if d.err != nil && d.now().Sub(d.failedAt) < d.retryAfter {
		err := d.err
		d.mu.Unlock()
		return "", err
	}
	wait := d.inflight
	if wait == nil {
		wait = make(chan struct{})
		d.inflight = wait
		go d.refresh(wait)
	}
	d.mu.Unlock()

	select {
	case <-wait:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ip != "" {
		return d.ip, nil
	}
	return "", d.err
}

// refresh runs one lookup bounded by the client timeout, not by any
// caller's context, and wakes everyone waiting on done.
func (d *DirectEcho) refresh(done chan struct{}) {
	ip, err := d.lookup(context.Background())

	d.mu.Lock()
	if err != nil {
		d.err = err
		d.failedAt = d.now()
	} else {
		d.ip = ip
		d.err = nil
	}
	d.inflight = nil
	d.mu.Unlock()
	close(done)
}

func (d *DirectEcho) lookup(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("real IP lookup: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("real IP lookup: HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("real IP lookup: %w", err)
	}

	echo, ok := parseEcho(body)
	if !ok || len(echo.IPs) == 0 {
		return "", errors.New("real IP lookup: no address in response")
	}
	return echo.IPs[len(echo.IPs)-1], nil
}

// EchoResolver reads the exit address from an echo-style body
// (httpbin /get, ipify, ip-api or a bare address), then asks geo and the
// real-IP source to fill in the rest.
type EchoResolver struct {
	geo    geo.Resolver
	real   RealIPSource
	logger *slog.Logger
}

// NewEchoResolver accepts nil geo and real sources; the matching fields
// then stay unknown.
func NewEchoResolver(g geo.Resolver, real RealIPSource, logger *slog.Logger) *EchoResolver {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &EchoResolver{geo: g, real: real, logger: logger}
}

// Resolve returns by the time ctx ends. The real IP and geo lookups run
// side by side; whichever has not answered by then is left unknown.
func (e *EchoResolver) Resolve(ctx context.Context, relay RelayResult) Identity {
	out, echo := bodyIdentity(relay.Body)
	if out.PublicIP == "" {
		return out
	}

	var (
		mu     sync.Mutex
		realIP string
		info   model.GeoInfo
	)
	p := pool.New()
	if e.real != nil {
		p.Go(func() {
			ip, err := e.real.RealIP(ctx)
			if err != nil {
				e.logger.Debug("real IP unavailable", "error", err)
				return
			}
			mu.Lock()
			realIP = ip
			mu.Unlock()
		})
	}
	if e.geo != nil {
		p.Go(func() {
			g, err := e.geo.Lookup(ctx, out.PublicIP)
			if err != nil {
				e.logger.Debug("geo lookup failed", "ip", out.PublicIP, "error", err)
				return
			}
			mu.Lock()
			info = g
			mu.Unlock()
		})
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		var pc panics.Catcher
		pc.Try(p.Wait)
		if r := pc.Recovered(); r != nil {
			e.logger.Error("identity lookup panicked", "panic", r.Value)
		}
	}()
	select {
	case <-done:
	case <-ctx.Done():
		e.logger.Debug("identity lookups cut short", "ip", out.PublicIP, "error", ctx.Err())
	}

	mu.Lock()
	defer mu.Unlock()
	out.Anonymity = DetermineAnonymity(AnonymityInput{
		ReportedIPs:     echo.IPs,
		RealIP:          realIP,
		HeadersObserved: echo.Headers,
	})
	out.Geo = info
	score := EstimateRiskScore(out.PublicIP, info.ISP)
	out.RiskScore = &score
	return out
}

// bodyIdentity is what the relay body alone says about the exit, without
// any network call.
func bodyIdentity(body []byte) (Identity, echoBody) {
	out := Identity{Anonymity: model.AnonymityUnknown}
	echo, ok := parseEcho(body)
	if !ok || len(echo.IPs) == 0 {
		return out, echo
	}
	// With chained proxies the origin lists client first and exit last.
	out.PublicIP = echo.IPs[len(echo.IPs)-1]
	score := EstimateRiskScore(out.PublicIP, "")
	out.RiskScore = &score
	return out, echo
}

type echoBody struct {
	IPs     []string
	Headers map[string]string
}

type echoJSON struct {
	Origin  string         `json:"origin"`
	IP      string         `json:"ip"`
	Query   string         `json:"query"`
	Headers map[string]any `json:"headers"`
}

// parseEcho extracts reported addresses and echoed headers. A JSON body
// is read from origin, ip or query in that order; anything else must be a
// comma separated list of addresses.
func parseEcho(body []byte) (echoBody, bool) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return echoBody{}, false
	}

	if body[0] != '{' {
		ips := splitIPs(string(body))
		return echoBody{IPs: ips}, len(ips) > 0
	}

	var raw echoJSON
	if err := json.Unmarshal(body, &raw); err != nil {
		return echoBody{}, false
	}
	var out echoBody
	for _, field := range []string{raw.Origin, raw.IP, raw.Query} {
		if ips := splitIPs(field); len(ips) > 0 {
			out.IPs = ips
			break
		}
	}
	if raw.Headers != nil {
		out.Headers = make(map[string]string, len(raw.Headers))
		for k, v := range raw.Headers {
			out.Headers[http.CanonicalHeaderKey(k)] = headerValue(v)
		}
	}
	return out, true
}

func headerValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		parts := make([]string, 0, len(t))
		for _, p := range t {
			parts = append(parts, fmt.Sprint(p))
		}
		return strings.Join(parts, ", ")
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

// splitIPs returns the valid addresses in a comma separated list, or nil
// if any token is not an address.
func splitIPs(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var out []string
	for _, tok := range strings.Split(s, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		if net.ParseIP(tok) == nil {
			return nil
		}
		out = append(out, tok)
	}
	return out
}
