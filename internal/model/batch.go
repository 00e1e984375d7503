package model

import "time"

// BatchItem is one (proxy, target) result in a batch, in submission order.
// Proxy has its password masked.
type BatchItem struct {
	Index  int             `json:"index" yaml:"index"`
	Proxy  ProxyCredential `json:"proxy" yaml:"proxy"`
	Target TestTarget      `json:"target" yaml:"target"`
	Result TestResult      `json:"result" yaml:"result"`
}

// BatchReport is the ordered outcome of a batch run. When Canceled is
// true it holds only the items that completed before cancellation.
type BatchReport struct {
	ID         string       `json:"id" yaml:"id"`
	Items      []BatchItem  `json:"items" yaml:"items"`
	Summary    BatchSummary `json:"summary" yaml:"summary"`
	Canceled   bool         `json:"canceled" yaml:"canceled"`
	StartedAt  time.Time    `json:"startedAt" yaml:"startedAt"`
	FinishedAt time.Time    `json:"finishedAt" yaml:"finishedAt"`
}

// Results returns the TestResult of every item.
func (r BatchReport) Results() []TestResult {
	out := make([]TestResult, len(r.Items))
	for i, it := range r.Items {
		out[i] = it.Result
	}
	return out
}

// URLBatchReport answers a multi-URL test of a single proxy.
type URLBatchReport struct {
	ID         string          `json:"id"`
	Results    []UrlTestResult `json:"results"`
	Statistics BatchSummary    `json:"statistics"`
	Timestamp  time.Time       `json:"timestamp"`
	Canceled   bool            `json:"canceled,omitempty"`
}

// Masked returns p with a non-empty password replaced.
func (p ProxyCredential) Masked() ProxyCredential {
	if p.Password != "" {
		p.Password = "xxxxx"
	}
	return p
}
