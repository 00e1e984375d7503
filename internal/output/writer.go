package output

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/August26/proxytest-go/internal/analytics"
	"github.com/August26/proxytest-go/internal/model"
)

// Formats accepted by WriteFile and Encode.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
	FormatYAML = "yaml"
)

// PrintResultsTable prints a human-readable table of per-test results.
func PrintResultsTable(w io.Writer, items []model.BatchItem) {
	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)

	// header
	fmt.Fprintln(tw, "PROXY\tTYPE\tTARGET\tOK\tPING(ms)\tTIME(ms)\tIP\tCOUNTRY\tCITY\tISP\tANONYMITY\tRISK\tTRAFFIC\tSTATUS")

	for _, it := range items {
		r := it.Result

		ok := "no"
		if r.Success {
			ok = "yes"
		}

		status := "-"
		if r.StatusCode != nil {
			status = strconv.Itoa(*r.StatusCode)
		}
		if r.Error != nil {
			status = *r.Error
		}

		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			it.Proxy.Address(),
			it.Proxy.Type,
			it.Target.URL,
			ok,
			intOrDash(r.Ping),
			r.ResponseTime,
			strOrDash(r.PublicIP),
			strOrDash(r.Country),
			strOrDash(r.City),
			strOrDash(r.ISP),
			anonymityOrDash(r.Anonymity),
			floatOrDash(r.RiskScore),
			traffic(r),
			status,
		)
	}

	tw.Flush()
}

// PrintSummary prints the aggregated batch stats.
func PrintSummary(w io.Writer, summary model.BatchSummary, stats analytics.Stats) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Summary:")
	fmt.Fprintf(w, "  Total tests:              %s\n", humanize.Comma(int64(summary.Total)))
	fmt.Fprintf(w, "  Unique proxies:           %s\n", humanize.Comma(int64(stats.UniqueProxies)))
	fmt.Fprintf(w, "  Successful:               %s (%.0f%%)\n", humanize.Comma(int64(summary.Successful)), summary.SuccessRate)
	fmt.Fprintf(w, "  Failed:                   %s\n", humanize.Comma(int64(summary.Failed)))
	fmt.Fprintf(w, "  Avg response (success):   %.1f ms\n", summary.AverageResponseTime)
	fmt.Fprintf(w, "  Avg ping (success):       %.1f ms\n", stats.AvgPingMs)
	fmt.Fprintf(w, "  Avg risk score (success): %.1f\n", stats.AvgRiskScore)
	for kind, n := range stats.ByFailure {
		fmt.Fprintf(w, "  Failed (%s): %d\n", kind, n)
	}
	fmt.Fprintf(w, "  Batch time:               %s\n", time.Duration(stats.TotalProcessingTimeMs)*time.Millisecond)
}

func strOrDash(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}

func intOrDash(v *int64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatInt(*v, 10)
}

func floatOrDash(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.1f", *v)
}

func anonymityOrDash(a *model.Anonymity) string {
	if a == nil {
		return "-"
	}
	return string(*a)
}

func traffic(r model.TestResult) string {
	if r.BytesSent == 0 && r.BytesReceived == 0 {
		return "-"
	}
	return humanize.Bytes(uint64(r.BytesSent)) + "/" + humanize.Bytes(uint64(r.BytesReceived))
}

// WriteFile writes the batch report + summary stats to a file in json,
// yaml or csv format.
func WriteFile(fs afero.Fs, path string, format string, report model.BatchReport, stats analytics.Stats) error {
	f, err := fs.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return Encode(f, format, report, stats)
}

// Encode writes report in format to w.
func Encode(w io.Writer, format string, report model.BatchReport, stats analytics.Stats) error {
	switch format {
	case FormatJSON:
		return writeJSON(w, report, stats)
	case FormatYAML:
		return writeYAML(w, report, stats)
	case FormatCSV:
		return writeCSV(w, report.Items)
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
}

type filePayload struct {
	Report model.BatchReport `json:"report" yaml:"report"`
	Stats  analytics.Stats   `json:"stats" yaml:"stats"`
}

// writeJSON writes an object with "report" and "stats".
func writeJSON(w io.Writer, report model.BatchReport, stats analytics.Stats) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(filePayload{Report: report, Stats: stats})
}

func writeYAML(w io.Writer, report model.BatchReport, stats analytics.Stats) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(filePayload{Report: report, Stats: stats}); err != nil {
		return err
	}
	return enc.Close()
}

// WriteJSON pretty-prints any value, used for single results.
func WriteJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// writeCSV writes per-test rows (no summary in CSV).
func writeCSV(w io.Writer, items []model.BatchItem) error {
	cw := csv.NewWriter(w)

	// header
	header := []string{
		"host",
		"port",
		"type",
		"target",
		"success",
		"ping_ms",
		"speed_ms",
		"response_time_ms",
		"status_code",
		"bytes_sent",
		"bytes_received",
		"public_ip",
		"country",
		"region",
		"city",
		"isp",
		"anonymity",
		"risk_score",
		"error_kind",
		"error",
		"timestamp",
		"failed_stage",
		"capabilities",
	}
	if err := cw.Write(header); err != nil {
		return err
	}

	for _, it := range items {
		r := it.Result
		status := ""
		if r.StatusCode != nil {
			status = strconv.Itoa(*r.StatusCode)
		}
		risk := ""
		if r.RiskScore != nil {
			risk = fmt.Sprintf("%.1f", *r.RiskScore)
		}
		row := []string{
			it.Proxy.Host,
			strconv.Itoa(it.Proxy.Port),
			string(it.Proxy.Type),
			it.Target.URL,
			strconv.FormatBool(r.Success),
			optInt(r.Ping),
			optInt(r.Speed),
			strconv.FormatInt(r.ResponseTime, 10),
			status,
			strconv.FormatInt(r.BytesSent, 10),
			strconv.FormatInt(r.BytesReceived, 10),
			model.Deref(r.PublicIP),
			model.Deref(r.Country),
			model.Deref(r.Region),
			model.Deref(r.City),
			model.Deref(r.ISP),
			string(model.Deref(r.Anonymity)),
			risk,
			string(r.ErrorKind),
			model.Deref(r.Error),
			r.Timestamp.Format(time.RFC3339),
			string(r.FailedStage),
			capabilityList(r.Capabilities),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}

// capabilityList is "smtp;imap;udp" style, empty when not checked.
func capabilityList(c *model.Capabilities) string {
	if c == nil {
		return ""
	}
	var out []string
	for _, p := range []struct {
		name string
		ok   bool
	}{{"smtp", c.SMTP}, {"pop3", c.POP3}, {"imap", c.IMAP}, {"udp", c.UDP}} {
		if p.ok {
			out = append(out, p.name)
		}
	}
	if len(out) == 0 {
		return "none"
	}
	return strings.Join(out, ";")
}

func optInt(v *int64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(*v, 10)
}
