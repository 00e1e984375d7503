package model

import "time"

// Anonymity describes how much of the client's identity a proxy hides.
type Anonymity string

const (
	AnonymityTransparent Anonymity = "transparent"
	AnonymityAnonymous   Anonymity = "anonymous"
	AnonymityElite       Anonymity = "elite"
	AnonymityUnknown     Anonymity = "unknown"
)

// Stage is a step of a single proxy test. A finished result is completed
// or failed; FailedStage then names the step that was running.
type Stage string

const (
	StagePending      Stage = "pending"
	StageConnecting   Stage = "connecting"
	StageRelaying     Stage = "relaying"
	StageResolving    Stage = "resolving"
	StageCapabilities Stage = "capabilities"
	StageCompleted    Stage = "completed"
	StageFailed       Stage = "failed"
)

// FailureKind classifies why a test failed.
type FailureKind string

const (
	FailureConfiguration FailureKind = "configuration"
	FailureConnectivity  FailureKind = "connectivity"
	FailureRelay         FailureKind = "relay"
	FailureTimeout       FailureKind = "timeout"
	FailureCanceled      FailureKind = "canceled"
	FailureInternal      FailureKind = "internal"
)

// Failure is the failed variant of a test outcome.
type Failure struct {
	Kind    FailureKind
	Stage   Stage
	Message string
}

func (f Failure) Error() string {
	return string(f.Kind) + ": " + f.Message
}

// Success is the successful variant of a test outcome.
type Success struct {
	StatusCode int
	PublicIP   string
}

// Outcome is either Success or Failure.
type Outcome interface {
	outcome()
}

func (Success) outcome() {}
func (Failure) outcome() {}

// TestResult is produced once per (ProxyCredential, TestTarget) pair.
// Nullable fields are pointers so they serialize as JSON null.
type TestResult struct {
	Success       bool          `json:"success" yaml:"success"`
	Ping          *int64        `json:"ping" yaml:"ping"`
	Speed         *int64        `json:"speed" yaml:"speed"`
	ResponseTime  int64         `json:"responseTime" yaml:"responseTime"`
	StatusCode    *int          `json:"statusCode" yaml:"statusCode"`
	BytesSent     int64         `json:"bytesSent" yaml:"bytesSent"`
	BytesReceived int64         `json:"bytesReceived" yaml:"bytesReceived"`
	FinalURL      string        `json:"finalUrl,omitempty" yaml:"finalUrl,omitempty"`
	RedirectCount int           `json:"redirectCount" yaml:"redirectCount"`
	Data          any           `json:"data" yaml:"data,omitempty"`
	PublicIP      *string       `json:"publicIP" yaml:"publicIP"`
	Country       *string       `json:"country" yaml:"country"`
	Region        *string       `json:"region" yaml:"region"`
	City          *string       `json:"city" yaml:"city"`
	ISP           *string       `json:"isp" yaml:"isp"`
	Anonymity     *Anonymity    `json:"anonymity" yaml:"anonymity"`
	RiskScore     *float64      `json:"riskScore" yaml:"riskScore"`
	Capabilities  *Capabilities `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	Error         *string       `json:"error" yaml:"error"`
	ErrorKind     FailureKind   `json:"errorKind,omitempty" yaml:"errorKind,omitempty"`
	Stage         Stage         `json:"stage" yaml:"stage"`
	FailedStage   Stage         `json:"failedStage,omitempty" yaml:"failedStage,omitempty"`
	Timestamp     time.Time     `json:"timestamp" yaml:"timestamp"`
}

// Capabilities describes what non-HTTP traffic appears allowed through a
// SOCKS5 proxy.
type Capabilities struct {
	SMTP bool `json:"smtp" yaml:"smtp"` // TCP to smtp ports (587/465)
	POP3 bool `json:"pop3" yaml:"pop3"` // TCP to pop3 ports (995/110)
	IMAP bool `json:"imap" yaml:"imap"` // TCP to imap ports (993/143)
	UDP  bool `json:"udp" yaml:"udp"`   // UDP ASSOCIATE accepted
}

// Outcome returns the tagged view of r.
func (r TestResult) Outcome() Outcome {
	if !r.Success {
		f := Failure{Kind: r.ErrorKind, Stage: r.FailedStage}
		if r.Error != nil {
			f.Message = *r.Error
		}
		return f
	}
	s := Success{}
	if r.StatusCode != nil {
		s.StatusCode = *r.StatusCode
	}
	if r.PublicIP != nil {
		s.PublicIP = *r.PublicIP
	}
	return s
}

// Failed builds a failed result for a test that stopped during stage.
// Identity fields stay nil.
func Failed(kind FailureKind, msg string, during Stage, at time.Time) TestResult {
	return TestResult{
		Success:     false,
		Error:       &msg,
		ErrorKind:   kind,
		Stage:       StageFailed,
		FailedStage: during,
		Timestamp:   at.UTC(),
	}
}

// UrlTestResult is a TestResult tagged with the URL target it ran against.
type UrlTestResult struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
	Type string `json:"type"`
	TestResult
}

// BatchSummary is derived from a set of results.
type BatchSummary struct {
	Total               int     `json:"total" yaml:"total"`
	Successful          int     `json:"successful" yaml:"successful"`
	Failed              int     `json:"failed" yaml:"failed"`
	SuccessRate         float64 `json:"successRate" yaml:"successRate"`
	AverageResponseTime float64 `json:"averageResponseTime" yaml:"averageResponseTime"`
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}

// Deref returns *p, or the zero value when p is nil.
func Deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
