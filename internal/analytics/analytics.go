// Package analytics derives summaries from test results.
package analytics

import (
	"math"
	"time"

	"github.com/August26/proxytest-go/internal/model"
)

// Summarize counts successes and averages the response time of the
// successful results. An empty input yields all zeros.
func Summarize(results []model.TestResult) model.BatchSummary {
	summary := model.BatchSummary{Total: len(results)}
	if len(results) == 0 {
		return summary
	}

	var responseSum int64
	for _, r := range results {
		if r.Success {
			summary.Successful++
			responseSum += r.ResponseTime
		}
	}
	summary.Failed = summary.Total - summary.Successful
	summary.SuccessRate = math.Round(float64(summary.Successful) / float64(summary.Total) * 100)
	if summary.Successful > 0 {
		summary.AverageResponseTime = float64(responseSum) / float64(summary.Successful)
	}
	return summary
}

// Stats is the extended report printed after a batch.
type Stats struct {
	Total                 int                       `json:"total" yaml:"total"`
	UniqueProxies         int                       `json:"uniqueProxies" yaml:"uniqueProxies"`
	Successful            int                       `json:"successful" yaml:"successful"`
	AvgPingMs             float64                   `json:"avgPingMs" yaml:"avgPingMs"`
	AvgRiskScore          float64                   `json:"avgRiskScore" yaml:"avgRiskScore"`
	ByAnonymity           map[model.Anonymity]int   `json:"byAnonymity" yaml:"byAnonymity"`
	ByFailure             map[model.FailureKind]int `json:"byFailure" yaml:"byFailure"`
	ByCountry             map[string]int            `json:"byCountry" yaml:"byCountry"`
	TotalProcessingTimeMs int64                     `json:"totalProcessingTimeMs" yaml:"totalProcessingTimeMs"`
}

// Breakdown groups batch items: successes by anonymity and country,
// failures by kind.
func Breakdown(items []model.BatchItem, duration time.Duration) Stats {
	stats := Stats{
		Total:                 len(items),
		ByAnonymity:           make(map[model.Anonymity]int),
		ByFailure:             make(map[model.FailureKind]int),
		ByCountry:             make(map[string]int),
		TotalProcessingTimeMs: duration.Milliseconds(),
	}

	seen := make(map[string]struct{})

	var pingSum int64
	var pingCount int64

	var riskSum float64
	var riskCount int64

	for _, it := range items {
		seen[it.Proxy.Address()] = struct{}{}

		r := it.Result
		if !r.Success {
			stats.ByFailure[r.ErrorKind]++
			continue
		}

		stats.Successful++
		anonymity := model.AnonymityUnknown
		if r.Anonymity != nil {
			anonymity = *r.Anonymity
		}
		stats.ByAnonymity[anonymity]++
		if r.Country != nil {
			stats.ByCountry[*r.Country]++
		}
		if r.Ping != nil {
			pingSum += *r.Ping
			pingCount++
		}
		if r.RiskScore != nil {
			riskSum += *r.RiskScore
			riskCount++
		}
	}

	stats.UniqueProxies = len(seen)
	if pingCount > 0 {
		stats.AvgPingMs = float64(pingSum) / float64(pingCount)
	}
	if riskCount > 0 {
		stats.AvgRiskScore = riskSum / float64(riskCount)
	}

	return stats
}
