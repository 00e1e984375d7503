// Package api serves proxy tests over a small JSON HTTP API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cast"

	"github.com/August26/proxytest-go/internal/checker"
	"github.com/August26/proxytest-go/internal/model"
	"github.com/August26/proxytest-go/internal/store"
)

// Constants for route prefixing.
const (
	APIVersion     = "v1"
	DefaultAddress = "127.0.0.1:8787"
)

// BatchRunner runs many tests. *checker.Runner implements it.
type BatchRunner interface {
	RunBatch(ctx context.Context, creds []model.ProxyCredential, targets []model.TestTarget) model.BatchReport
	RunForProxy(ctx context.Context, cred model.ProxyCredential, urls []model.URLTarget) model.URLBatchReport
}

// ServerOptions configures the HTTP server.
type ServerOptions struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	// MaxBatchSize caps proxies x targets per request.
	MaxBatchSize int
	// TestURL is used when a request names no target.
	TestURL string
	Logger  *slog.Logger
}

// Server hosts the HTTP API.
type Server struct {
	http   *http.Server
	tester checker.ProxyTester
	runner BatchRunner
	repo   store.Repository
	logger *slog.Logger
	opts   ServerOptions
	now    func() time.Time
}

// NewServer wires the handlers. repo may be nil.
func NewServer(tester checker.ProxyTester, runner BatchRunner, repo store.Repository, opts ServerOptions) *Server {
	if tester == nil || runner == nil {
		panic("api.NewServer: tester and runner are required")
	}
	if repo == nil {
		repo = store.Nop{}
	}
	if opts.Addr == "" {
		opts.Addr = DefaultAddress
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = 30 * time.Second
	}
	// Batches can run for minutes.
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = 10 * time.Minute
	}
	if opts.IdleTimeout == 0 {
		opts.IdleTimeout = 60 * time.Second
	}
	if opts.ShutdownTimeout == 0 {
		opts.ShutdownTimeout = 15 * time.Second
	}
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = 1000
	}
	if opts.TestURL == "" {
		opts.TestURL = "https://httpbin.org/get"
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	mux := http.NewServeMux()
	s := &Server{
		tester: tester,
		runner: runner,
		repo:   repo,
		logger: opts.Logger,
		opts:   opts,
		now:    time.Now,
		http: &http.Server{
			Addr:              opts.Addr,
			Handler:           withBasicMiddleware(mux, opts.Logger),
			ReadTimeout:       opts.ReadTimeout,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      opts.WriteTimeout,
			IdleTimeout:       opts.IdleTimeout,
			ErrorLog:          slog.NewLogLogger(opts.Logger.Handler(), slog.LevelError),
			BaseContext: func(net.Listener) context.Context {
				return context.Background()
			},
		},
	}

	// Routes
	mux.HandleFunc("/"+APIVersion+"/healthz", s.handleHealthz)
	mux.HandleFunc("/"+APIVersion+"/test", s.handleTest)
	mux.HandleFunc("/"+APIVersion+"/test-urls", s.handleTestURLs)
	mux.HandleFunc("/"+APIVersion+"/batch", s.handleBatch)
	mux.HandleFunc("/"+APIVersion+"/validate", s.handleValidate)
	mux.HandleFunc("/"+APIVersion+"/results", s.handleResults)

	return s
}

// Handler exposes the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

// handleHealthz is a simple readiness/liveness endpoint.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": s.stamp(),
	})
}

// handleTest runs one proxy test.
// Method: POST
// Request: ProxyRequest JSON
// Response (200): TestResult JSON, success or not
// Errors:
//   - 400 for malformed JSON or a non-numeric port
func (s *Server) handleTest(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodPost) {
		return
	}
	var req ProxyRequest
	if !s.decode(w, r, &req) {
		return
	}
	cred, err := req.credential()
	if err != nil {
		s.fail(w, http.StatusBadRequest, err.Error())
		return
	}

	target := model.TestTarget{URL: req.TestURL}
	if target.URL == "" {
		target.URL = s.opts.TestURL
	}

	res := s.tester.Test(r.Context(), cred, target)
	s.save(r.Context(), uuid.NewString(), []model.BatchItem{{Proxy: cred.Masked(), Target: target, Result: res}})
	writeJSON(w, http.StatusOK, res)
}

// handleTestURLs tests one proxy against several named URLs.
// Method: POST
// Request: URLTestRequest JSON
// Response (200): URLBatchReport JSON
func (s *Server) handleTestURLs(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodPost) {
		return
	}
	var req URLTestRequest
	if !s.decode(w, r, &req) {
		return
	}
	cred, err := req.Proxy.credential()
	if err != nil {
		s.fail(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.URLs) == 0 {
		s.fail(w, http.StatusBadRequest, "urls is required")
		return
	}
	if len(req.URLs) > s.opts.MaxBatchSize {
		s.fail(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("at most %d urls per request", s.opts.MaxBatchSize))
		return
	}

	report := s.runner.RunForProxy(r.Context(), cred, req.URLs)

	items := make([]model.BatchItem, len(report.Results))
	for i, res := range report.Results {
		items[i] = model.BatchItem{Index: i, Proxy: cred.Masked(), Target: model.TestTarget{URL: res.URL}, Result: res.TestResult}
	}
	s.save(r.Context(), report.ID, items)
	writeJSON(w, http.StatusOK, report)
}

// handleBatch tests every proxy against every target.
// Method: POST
// Request: BatchRequest JSON
// Response (200): BatchReport JSON
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodPost) {
		return
	}
	var req BatchRequest
	if !s.decode(w, r, &req) {
		return
	}
	if len(req.Proxies) == 0 {
		s.fail(w, http.StatusBadRequest, "proxies is required")
		return
	}

	creds := make([]model.ProxyCredential, 0, len(req.Proxies))
	for i, p := range req.Proxies {
		cred, err := p.credential()
		if err != nil {
			s.fail(w, http.StatusBadRequest, fmt.Sprintf("proxies[%d]: %v", i, err))
			return
		}
		creds = append(creds, cred)
	}

	targets := append([]model.TestTarget(nil), req.Targets...)
	for _, u := range req.URLs {
		targets = append(targets, model.TestTarget{URL: u})
	}
	if len(targets) == 0 {
		targets = []model.TestTarget{{URL: s.opts.TestURL}}
	}
	if n := len(creds) * len(targets); n > s.opts.MaxBatchSize {
		s.fail(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("batch of %d tests exceeds limit %d", n, s.opts.MaxBatchSize))
		return
	}

	report := s.runner.RunBatch(r.Context(), creds, targets)
	s.save(r.Context(), report.ID, report.Items)
	writeJSON(w, http.StatusOK, report)
}

// handleValidate checks a proxy without any network I/O.
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodPost) {
		return
	}
	var req ProxyRequest
	if !s.decode(w, r, &req) {
		return
	}
	cred, err := req.credential()
	if err != nil {
		writeJSON(w, http.StatusOK, model.ValidationResult{Valid: false, Error: model.ErrInvalidProxy + ": " + err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, model.ValidateProxy(cred))
}

// handleResults lists stored results.
// Query: host, port, batchId, limit
func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodGet) {
		return
	}
	q := r.URL.Query()
	f := store.Filter{
		Host:    q.Get("host"),
		BatchID: q.Get("batchId"),
	}
	var err error
	if v := q.Get("port"); v != "" {
		if f.Port, err = parsePort(v); err != nil {
			s.fail(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if v := q.Get("limit"); v != "" {
		if f.Limit, err = cast.ToIntE(v); err != nil {
			s.fail(w, http.StatusBadRequest, "invalid limit")
			return
		}
	}

	records, err := s.repo.List(r.Context(), f)
	if err != nil {
		s.logger.Error("list results", "error", err)
		s.fail(w, http.StatusInternalServerError, "failed to list results")
		return
	}
	if records == nil {
		records = []store.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) save(ctx context.Context, batchID string, items []model.BatchItem) {
	// A cancelled request still gets its completed results stored.
	ctx = context.WithoutCancel(ctx)
	if err := s.repo.Save(ctx, batchID, items); err != nil {
		s.logger.Error("store results", "batch_id", batchID, "error", err)
	}
}

func (s *Server) allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		w.Header().Set("Allow", method)
		s.fail(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}
	return true
}

// decode reads a JSON body with a 1 MiB cap.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		s.fail(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

func (s *Server) fail(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, APIError{
		Error:     msg,
		Timestamp: s.stamp(),
	})
}

func (s *Server) stamp() string {
	return s.now().UTC().Format(time.RFC3339)
}

// Basic middleware: sets JSON content type and logs each request.
func withBasicMiddleware(next http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		next.ServeHTTP(w, r)
		logger.Info("api request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration_ms", time.Since(start).Milliseconds(),
			"ua", r.UserAgent(),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(v)
}
