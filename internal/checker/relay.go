package checker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/proxy"

	"github.com/August26/proxytest-go/internal/model"
)

const (
	DefaultRelayTimeout = 15 * time.Second
	DefaultMaxRedirects = 10
	DefaultMaxBodyBytes = 1 << 20
	DefaultUserAgent    = "proxytest-go/1.0"
)

// RelayOptions configures HTTPRelay. Zero values fall back to defaults.
type RelayOptions struct {
	Timeout             time.Duration
	DialTimeout         time.Duration
	TLSHandshakeTimeout time.Duration
	MaxRedirects        int
	MaxBodyBytes        int64
	UserAgent           string
	InsecureTLS         bool
}

func (o RelayOptions) withDefaults() RelayOptions {
	if o.Timeout <= 0 {
		o.Timeout = DefaultRelayTimeout
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultConnectTimeout
	}
	if o.TLSHandshakeTimeout <= 0 {
		o.TLSHandshakeTimeout = 10 * time.Second
	}
	if o.MaxRedirects <= 0 {
		o.MaxRedirects = DefaultMaxRedirects
	}
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if o.UserAgent == "" {
		o.UserAgent = DefaultUserAgent
	}
	return o
}

// RelayResult is the outcome of one request sent through a proxy.
// StatusCode is 0 when no response was received.
type RelayResult struct {
	Success       bool
	StatusCode    int
	ResponseTime  time.Duration
	BytesSent     int64
	BytesReceived int64
	FinalURL      string
	RedirectCount int
	Headers       http.Header
	Body          []byte

	Err  string
	Kind model.FailureKind
}

// Relayer sends a request to a target through a proxy.
type Relayer interface {
	Relay(ctx context.Context, cred model.ProxyCredential, target model.TestTarget) RelayResult
}

// HTTPRelay performs the request with net/http. HTTP-family proxies are
// used through CONNECT/absolute-form requests, SOCKS proxies through a
// custom dialer. Every call builds its own transport and never reuses
// connections across calls.
type HTTPRelay struct {
	opts RelayOptions
}

func NewHTTPRelay(opts RelayOptions) *HTTPRelay {
	return &HTTPRelay{opts: opts.withDefaults()}
}

func (r *HTTPRelay) Relay(ctx context.Context, cred model.ProxyCredential, target model.TestTarget) (res RelayResult) {
	start := time.Now()
	counter := &byteCounter{}
	defer func() {
		if rec := recover(); rec != nil {
			res = RelayResult{Err: "Internal error", Kind: model.FailureInternal}
		}
		res.ResponseTime = time.Since(start)
		res.BytesSent = counter.sent.Load()
		res.BytesReceived = counter.received.Load()
	}()

	method, err := requestMethod(target)
	if err != nil {
		return relayFailure(model.FailureConfiguration, err.Error())
	}
	if _, err := parseTargetURL(target.URL); err != nil {
		return relayFailure(model.FailureConfiguration, err.Error())
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	transport, err := r.transportFor(cred, counter)
	if err != nil {
		return relayFailure(model.FailureRelay, "Proxy setup failed: "+err.Error())
	}
	defer transport.CloseIdleConnections()

	redirects := 0
	client := &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > r.opts.MaxRedirects {
				return http.ErrUseLastResponse
			}
			redirects = len(via)
			return nil
		},
	}

	req, err := http.NewRequestWithContext(ctx, method, target.URL, nil)
	if err != nil {
		return relayFailure(model.FailureConfiguration, "Invalid target URL: "+err.Error())
	}
	ua := target.UserAgent
	if ua == "" {
		ua = r.opts.UserAgent
	}
	req.Header.Set("User-Agent", ua)
	req.Header.Set("Accept", "*/*")
	if target.Referer != "" {
		req.Header.Set("Referer", target.Referer)
	}

	resp, err := client.Do(req)
	if err != nil {
		return classifyRelayFailure(ctx, err)
	}
	defer resp.Body.Close()

	res.StatusCode = resp.StatusCode
	res.RedirectCount = redirects
	res.Headers = resp.Header.Clone()
	if resp.Request != nil && resp.Request.URL != nil {
		res.FinalURL = resp.Request.URL.String()
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, r.opts.MaxBodyBytes))
	if err != nil {
		failed := classifyRelayFailure(ctx, err)
		res.Err, res.Kind = failed.Err, failed.Kind
		return res
	}
	res.Body = body

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		res.Err = strings.TrimSpace(fmt.Sprintf("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode)))
		res.Kind = model.FailureRelay
		return res
	}

	res.Success = true
	return res
}

func (r *HTTPRelay) transportFor(cred model.ProxyCredential, counter *byteCounter) (*http.Transport, error) {
	dialer := &net.Dialer{
		Timeout:   r.opts.DialTimeout,
		KeepAlive: -1,
	}

	transport := &http.Transport{
		DisableKeepAlives:     true,
		DisableCompression:    true,
		TLSHandshakeTimeout:   r.opts.TLSHandshakeTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: r.opts.InsecureTLS, //nolint:gosec // opt-in for self-signed test targets
		},
	}

	// Counting sits on the connection to the proxy itself so proxy
	// handshakes are included in the byte totals.
	forward := counter.wrap(dialer.DialContext)

	switch cred.Type.Scheme() {
	case "socks5":
		var auth *proxy.Auth
		if cred.HasAuth() {
			auth = &proxy.Auth{
				User:     cred.Username,
				Password: cred.Password,
			}
		}
		d, err := proxy.SOCKS5("tcp", cred.Address(), auth, forwardDialer(forward))
		if err != nil {
			return nil, err
		}
		cd, ok := d.(proxy.ContextDialer)
		if !ok {
			return nil, errors.New("socks5 dialer does not support contexts")
		}
		transport.DialContext = cd.DialContext
	case "socks4":
		s4 := &socks4Dialer{
			proxyAddr: cred.Address(),
			userID:    cred.Username,
			forward:   forward,
		}
		transport.DialContext = s4.DialContext
	default:
		transport.Proxy = http.ProxyURL(cred.URL())
		transport.DialContext = forward
	}

	return transport, nil
}

func requestMethod(target model.TestTarget) (string, error) {
	m := strings.ToUpper(strings.TrimSpace(target.Method))
	switch m {
	case "":
		return http.MethodGet, nil
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return m, nil
	default:
		return "", fmt.Errorf("unsupported request method %q", target.Method)
	}
}

func parseTargetURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid target URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid target URL %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid target URL %q: missing host", raw)
	}
	return u, nil
}

func relayFailure(kind model.FailureKind, msg string) RelayResult {
	return RelayResult{Err: msg, Kind: kind}
}

func classifyRelayFailure(ctx context.Context, err error) RelayResult {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded), isTimeoutError(err):
		return relayFailure(model.FailureTimeout, "Request timeout")
	case errors.Is(ctx.Err(), context.Canceled):
		return relayFailure(model.FailureCanceled, "Request aborted")
	default:
		return relayFailure(model.FailureRelay, describeRelayError(err))
	}
}
