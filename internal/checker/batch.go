package checker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/stream"

	"github.com/August26/proxytest-go/internal/analytics"
	"github.com/August26/proxytest-go/internal/model"
)

// DefaultBatchDelay separates consecutive tests in a batch.
const DefaultBatchDelay = time.Second

// ProxyTester runs a single test. *Tester implements it.
type ProxyTester interface {
	Test(ctx context.Context, cred model.ProxyCredential, target model.TestTarget) model.TestResult
}

// BatchOptions controls pacing. Concurrency <= 1 runs tests one at a time
// with Delay between the end of one test and the start of the next; higher
// concurrency spaces start times by Delay. Retries re-runs connectivity
// failures.
type BatchOptions struct {
	Concurrency int
	Delay       time.Duration
	Retries     int
}

// Pair is one unit of batch work.
type Pair struct {
	Proxy  model.ProxyCredential
	Target model.TestTarget
}

// Runner runs many tests and returns results in submission order.
type Runner struct {
	tester ProxyTester
	opts   BatchOptions
	logger *slog.Logger
	now    func() time.Time
}

func NewRunner(tester ProxyTester, opts BatchOptions, logger *slog.Logger) *Runner {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Delay < 0 {
		opts.Delay = 0
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Runner{tester: tester, opts: opts, logger: logger, now: time.Now}
}

// RunBatch tests every credential against every target, proxy-major.
func (r *Runner) RunBatch(ctx context.Context, creds []model.ProxyCredential, targets []model.TestTarget) model.BatchReport {
	pairs := make([]Pair, 0, len(creds)*len(targets))
	for _, c := range creds {
		for _, t := range targets {
			pairs = append(pairs, Pair{Proxy: c, Target: t})
		}
	}
	return r.Run(ctx, pairs)
}

// RunForProxy tests one credential against several named URLs.
func (r *Runner) RunForProxy(ctx context.Context, cred model.ProxyCredential, urls []model.URLTarget) model.URLBatchReport {
	pairs := make([]Pair, len(urls))
	for i, u := range urls {
		pairs[i] = Pair{Proxy: cred, Target: u.Target()}
	}
	report := r.Run(ctx, pairs)

	out := model.URLBatchReport{
		ID:         report.ID,
		Results:    make([]model.UrlTestResult, 0, len(report.Items)),
		Statistics: report.Summary,
		Timestamp:  report.FinishedAt,
		Canceled:   report.Canceled,
	}
	for _, it := range report.Items {
		u := urls[it.Index]
		out.Results = append(out.Results, model.UrlTestResult{
			ID:         u.ID,
			Name:       u.Name,
			URL:        u.URL,
			Type:       u.Type,
			TestResult: it.Result,
		})
	}
	return out
}

// Run tests pairs and returns them in input order. A failed item never
// stops the batch. After ctx is cancelled no new test starts and tests it
// interrupted are left out of the report.
func (r *Runner) Run(ctx context.Context, pairs []Pair) model.BatchReport {
	report := model.BatchReport{
		ID:        uuid.NewString(),
		Items:     make([]model.BatchItem, 0, len(pairs)),
		StartedAt: r.now().UTC(),
	}
	r.logger.Info("batch started", "batch_id", report.ID, "total", len(pairs), "concurrency", r.opts.Concurrency)

	pace := &pacer{
		delay:      r.opts.Delay,
		sequential: r.opts.Concurrency <= 1,
		now:        r.now,
	}

	s := stream.New().WithMaxGoroutines(r.opts.Concurrency)
	for i, p := range pairs {
		if ctx.Err() != nil {
			break
		}
		s.Go(func() stream.Callback {
			if err := sleepCtx(ctx, pace.reserve()); err != nil {
				return func() {}
			}
			res := r.testWithRetries(ctx, p)
			pace.release()
			if ctx.Err() != nil && res.ErrorKind == model.FailureCanceled {
				return func() {}
			}
			return func() {
				report.Items = append(report.Items, model.BatchItem{
					Index:  i,
					Proxy:  p.Proxy.Masked(),
					Target: p.Target,
					Result: res,
				})
			}
		})
	}
	s.Wait()

	report.Canceled = ctx.Err() != nil && len(report.Items) < len(pairs)
	report.Summary = analytics.Summarize(report.Results())
	report.FinishedAt = r.now().UTC()

	r.logger.Info("batch finished",
		"batch_id", report.ID,
		"total", report.Summary.Total,
		"successful", report.Summary.Successful,
		"canceled", report.Canceled,
		"duration", report.FinishedAt.Sub(report.StartedAt),
	)
	return report
}

// testWithRetries re-runs a test while it fails to reach the proxy. The
// last attempt's result is returned.
func (r *Runner) testWithRetries(ctx context.Context, p Pair) model.TestResult {
	res := r.tester.Test(ctx, p.Proxy, p.Target)
	for attempt := 1; attempt <= r.opts.Retries; attempt++ {
		if res.Success || res.ErrorKind != model.FailureConnectivity {
			break
		}
		if err := sleepCtx(ctx, r.opts.Delay); err != nil {
			break
		}
		r.logger.Debug("retrying proxy", "proxy", p.Proxy.Redacted(), "attempt", attempt+1)
		res = r.tester.Test(ctx, p.Proxy, p.Target)
	}
	return res
}

// pacer hands out start times. In sequential mode the next slot opens
// Delay after the previous test finished; otherwise slots are Delay apart.
type pacer struct {
	delay      time.Duration
	sequential bool
	now        func() time.Time

	mu   sync.Mutex
	next time.Time
}

// reserve returns how long the caller must wait before starting.
func (p *pacer) reserve() time.Duration {
	if p.delay <= 0 {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	slot := now
	if p.next.After(now) {
		slot = p.next
	}
	if !p.sequential {
		p.next = slot.Add(p.delay)
	}
	return slot.Sub(now)
}

func (p *pacer) release() {
	if p.delay <= 0 || !p.sequential {
		return
	}
	p.mu.Lock()
	p.next = p.now().Add(p.delay)
	p.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
