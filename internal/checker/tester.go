package checker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/sourcegraph/conc/panics"

	"github.com/August26/proxytest-go/internal/model"
)

// Default stage budgets.
const (
	DefaultResolveTimeout = 5 * time.Second
	DefaultOverallTimeout = 30 * time.Second
)

// maxTextData caps how much of a non-JSON body is kept in TestResult.Data.
const maxTextData = 1024

// Options bounds each stage of a test and the test as a whole.
type Options struct {
	ConnectTimeout    time.Duration
	RelayTimeout      time.Duration
	ResolveTimeout    time.Duration
	CapabilityTimeout time.Duration
	OverallTimeout    time.Duration
}

func DefaultOptions() Options {
	return Options{
		ConnectTimeout:    DefaultConnectTimeout,
		RelayTimeout:      DefaultRelayTimeout,
		ResolveTimeout:    DefaultResolveTimeout,
		CapabilityTimeout: DefaultCapabilityTimeout,
		OverallTimeout:    DefaultOverallTimeout,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = d.ConnectTimeout
	}
	if o.RelayTimeout <= 0 {
		o.RelayTimeout = d.RelayTimeout
	}
	if o.ResolveTimeout <= 0 {
		o.ResolveTimeout = d.ResolveTimeout
	}
	if o.CapabilityTimeout <= 0 {
		o.CapabilityTimeout = d.CapabilityTimeout
	}
	if o.OverallTimeout <= 0 {
		o.OverallTimeout = d.OverallTimeout
	}
	return o
}

var (
	errStageTimeout = errors.New("stage timeout")
	errStagePanic   = errors.New("stage panicked")
)

// Tester runs one proxy test: connect, relay, resolve and, when a checker
// is set, capabilities. Every call returns a TestResult, whatever the
// stages do.
type Tester struct {
	probe    Prober
	relay    Relayer
	identity IdentityResolver
	caps     CapabilityChecker
	opts     Options
	logger   *slog.Logger
	now      func() time.Time
}

func NewTester(probe Prober, relay Relayer, identity IdentityResolver, opts Options, logger *slog.Logger) *Tester {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Tester{
		probe:    probe,
		relay:    relay,
		identity: identity,
		opts:     opts.withDefaults(),
		logger:   logger,
		now:      time.Now,
	}
}

// WithCapabilities enables the capability stage after a successful
// resolve.
func (t *Tester) WithCapabilities(c CapabilityChecker) *Tester {
	t.caps = c
	return t
}

// Test checks cred against target. Once the overall deadline passes the
// result is a timeout failure even if a stage never returns.
func (t *Tester) Test(parent context.Context, cred model.ProxyCredential, target model.TestTarget) model.TestResult {
	res := t.test(parent, cred.Normalized(), target)
	t.logger.Debug("proxy test finished",
		"proxy", cred.Redacted(),
		"target", target.URL,
		"success", res.Success,
		"stage", res.Stage,
		"failed_stage", res.FailedStage,
		"error", model.Deref(res.Error),
		"response_time_ms", res.ResponseTime,
	)
	return res
}

func (t *Tester) test(parent context.Context, cred model.ProxyCredential, target model.TestTarget) model.TestResult {
	start := t.now()

	if err := cred.Validate(); err != nil {
		return t.finish(start, model.Failed(model.FailureConfiguration, err.Error(), model.StagePending, start))
	}
	if _, err := parseTargetURL(target.URL); err != nil {
		return t.finish(start, model.Failed(model.FailureConfiguration, err.Error(), model.StagePending, start))
	}
	if _, err := requestMethod(target); err != nil {
		return t.finish(start, model.Failed(model.FailureConfiguration, err.Error(), model.StagePending, start))
	}

	ctx, cancel := context.WithTimeout(parent, t.opts.OverallTimeout)
	defer cancel()

	t.enter(model.StageConnecting, cred)
	probe, err := runStage(ctx, t.opts.ConnectTimeout, func(sctx context.Context) ProbeResult {
		return t.probe.Probe(sctx, cred)
	})
	if err != nil {
		if errors.Is(err, errStageTimeout) {
			return t.finish(start, model.Failed(model.FailureConnectivity, ConnectTimeout.Message(), model.StageConnecting, start))
		}
		return t.finish(start, t.aborted(parent, err, model.StageConnecting, start))
	}
	if !probe.Reachable {
		msg := probe.ErrorKind.Message()
		if probe.Err != nil {
			msg = fmt.Sprintf("%s: %v", msg, probe.Err)
		}
		r := model.Failed(model.FailureConnectivity, msg, model.StageConnecting, start)
		return t.finish(start, r)
	}
	ping := probe.Elapsed.Milliseconds()

	t.enter(model.StageRelaying, cred)
	relay, err := runStage(ctx, t.opts.RelayTimeout, func(sctx context.Context) RelayResult {
		return t.relay.Relay(sctx, cred, target)
	})
	if err != nil {
		var r model.TestResult
		if errors.Is(err, errStageTimeout) {
			r = model.Failed(model.FailureTimeout, "Request timeout", model.StageRelaying, start)
		} else {
			r = t.aborted(parent, err, model.StageRelaying, start)
		}
		r.Ping = &ping
		return t.finish(start, r)
	}
	if !relay.Success {
		kind := relay.Kind
		if kind == "" {
			kind = model.FailureRelay
		}
		r := model.Failed(kind, relay.Err, model.StageRelaying, start)
		r.Ping = &ping
		applyRelay(&r, relay)
		return t.finish(start, r)
	}

	// resolving: a failure here degrades identity, never the result.
	t.enter(model.StageResolving, cred)
	ident, err := runStage(ctx, t.opts.ResolveTimeout, func(sctx context.Context) Identity {
		// The resolver gets a slightly shorter deadline so its partial
		// answer arrives before the stage gives up on it.
		rctx, cancel := context.WithTimeout(sctx, softBudget(t.opts.ResolveTimeout))
		defer cancel()
		return t.identity.Resolve(rctx, relay)
	})
	if err != nil {
		if !errors.Is(err, errStageTimeout) && !errors.Is(err, errStagePanic) {
			r := t.aborted(parent, err, model.StageResolving, start)
			r.Ping = &ping
			applyRelay(&r, relay)
			return t.finish(start, r)
		}
		t.logger.Debug("identity resolution degraded", "proxy", cred.Redacted(), "error", err)
		ident, _ = bodyIdentity(relay.Body)
	}

	r := model.TestResult{
		Success: true,
		Ping:    &ping,
		Stage:   model.StageCompleted,
		Data:    bodyData(relay.Body),
	}
	applyRelay(&r, relay)
	applyIdentity(&r, ident)

	if t.caps != nil {
		t.enter(model.StageCapabilities, cred)
		caps, err := runStage(ctx, t.opts.CapabilityTimeout, func(sctx context.Context) *model.Capabilities {
			c, ok := t.caps.Capabilities(sctx, cred)
			if !ok {
				return nil
			}
			return &c
		})
		switch {
		case err == nil:
			r.Capabilities = caps
		case errors.Is(err, errStageTimeout), errors.Is(err, errStagePanic):
			t.logger.Debug("capability check degraded", "proxy", cred.Redacted(), "error", err)
		default:
			a := t.aborted(parent, err, model.StageCapabilities, start)
			a.Ping = &ping
			applyRelay(&a, relay)
			return t.finish(start, a)
		}
	}
	return t.finish(start, r)
}

func (t *Tester) enter(stage model.Stage, cred model.ProxyCredential) {
	t.logger.Debug("proxy test stage", "proxy", cred.Redacted(), "stage", stage)
}

// softBudget leaves the resolver a grace period of a tenth of the stage,
// at most 250ms.
func softBudget(stage time.Duration) time.Duration {
	grace := stage / 10
	if grace > 250*time.Millisecond {
		grace = 250 * time.Millisecond
	}
	return stage - grace
}

// aborted maps a context error from runStage to a failure during stage.
func (t *Tester) aborted(parent context.Context, err error, stage model.Stage, start time.Time) model.TestResult {
	switch {
	case errors.Is(err, errStagePanic):
		return model.Failed(model.FailureInternal, "Internal error", stage, start)
	case errors.Is(parent.Err(), context.Canceled):
		return model.Failed(model.FailureCanceled, "Test cancelled", stage, start)
	default:
		return model.Failed(model.FailureTimeout, "Internal timeout", stage, start)
	}
}

func (t *Tester) finish(start time.Time, r model.TestResult) model.TestResult {
	end := t.now()
	r.ResponseTime = end.Sub(start).Milliseconds()
	r.Timestamp = end.UTC()
	return r
}

// runStage runs fn with its own deadline and returns as soon as either fn
// completes or ctx/the stage deadline expires. fn keeps running in the
// background after an expiry; its result is discarded.
func runStage[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) T) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan T, 1)
	failed := make(chan error, 1)
	go func() {
		var pc panics.Catcher
		pc.Try(func() { done <- fn(sctx) })
		if r := pc.Recovered(); r != nil {
			failed <- fmt.Errorf("%w: %v", errStagePanic, r.Value)
		}
	}()

	select {
	case v := <-done:
		// The overall deadline wins over whatever the stage made of it,
		// then the stage deadline.
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		if sctx.Err() != nil {
			return zero, errStageTimeout
		}
		return v, nil
	case err := <-failed:
		return zero, err
	case <-sctx.Done():
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		return zero, errStageTimeout
	}
}

func applyRelay(r *model.TestResult, relay RelayResult) {
	speed := relay.ResponseTime.Milliseconds()
	r.Speed = &speed
	if relay.StatusCode != 0 {
		code := relay.StatusCode
		r.StatusCode = &code
	}
	r.BytesSent = relay.BytesSent
	r.BytesReceived = relay.BytesReceived
	r.FinalURL = relay.FinalURL
	r.RedirectCount = relay.RedirectCount
}

func applyIdentity(r *model.TestResult, id Identity) {
	r.PublicIP = optional(id.PublicIP)
	r.Country = optional(id.Geo.Country)
	r.Region = optional(id.Geo.Region)
	r.City = optional(id.Geo.City)
	r.ISP = optional(id.Geo.ISP)
	anonymity := id.Anonymity
	if anonymity == "" {
		anonymity = model.AnonymityUnknown
	}
	r.Anonymity = &anonymity
	r.RiskScore = id.RiskScore
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// bodyData decodes a JSON body, or keeps the head of a text body.
func bodyData(body []byte) any {
	if len(body) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(body, &v); err == nil {
		return v
	}
	if !utf8.Valid(body) {
		return nil
	}
	if len(body) > maxTextData {
		body = body[:maxTextData]
		for !utf8.Valid(body) && len(body) > 0 {
			body = body[:len(body)-1]
		}
	}
	return string(body)
}
