// Package store persists test results for later inspection. It is used by
// the CLI and the API; the checker never touches it.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/August26/proxytest-go/internal/model"
)

// Record is one stored test result.
type Record struct {
	ID        string                `json:"id"`
	BatchID   string                `json:"batchId"`
	Proxy     model.ProxyCredential `json:"proxy"`
	TargetURL string                `json:"targetUrl"`
	Result    model.TestResult      `json:"result"`
	CreatedAt time.Time             `json:"createdAt"`
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	Host    string
	Port    int
	BatchID string
	Limit   int
}

// DefaultListLimit caps List when Filter.Limit is zero.
const DefaultListLimit = 100

func (f Filter) limit() int {
	if f.Limit <= 0 || f.Limit > 10*DefaultListLimit {
		return DefaultListLimit
	}
	return f.Limit
}

// Repository stores results. Passwords never reach it.
type Repository interface {
	Save(ctx context.Context, batchID string, items []model.BatchItem) error
	List(ctx context.Context, f Filter) ([]Record, error)
	Close() error
}

// Open returns the repository for driver: "none", "sqlite" (dsn is a file
// path) or "postgres" (dsn is a connection URL).
func Open(ctx context.Context, driver, dsn string) (Repository, error) {
	switch driver {
	case "", "none":
		return Nop{}, nil
	case "sqlite":
		return NewSQLite(dsn)
	case "postgres":
		return NewPostgres(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

// Nop discards everything.
type Nop struct{}

func (Nop) Save(context.Context, string, []model.BatchItem) error { return nil }
func (Nop) List(context.Context, Filter) ([]Record, error)        { return nil, nil }
func (Nop) Close() error                                          { return nil }

// row is the flattened form shared by the SQL drivers.
type row struct {
	id           string
	host         string
	port         int
	proxyType    string
	username     string
	targetURL    string
	success      bool
	statusCode   *int
	responseTime int64
	publicIP     *string
	country      *string
	anonymity    *string
	errorKind    string
	errorMsg     *string
	result       []byte
	createdAt    time.Time
}

func toRow(it model.BatchItem) (row, error) {
	raw, err := json.Marshal(it.Result)
	if err != nil {
		return row{}, fmt.Errorf("encode result: %w", err)
	}
	r := row{
		id:           uuid.NewString(),
		host:         it.Proxy.Host,
		port:         it.Proxy.Port,
		proxyType:    string(it.Proxy.Type),
		username:     it.Proxy.Username,
		targetURL:    it.Target.URL,
		success:      it.Result.Success,
		statusCode:   it.Result.StatusCode,
		responseTime: it.Result.ResponseTime,
		publicIP:     it.Result.PublicIP,
		country:      it.Result.Country,
		errorKind:    string(it.Result.ErrorKind),
		errorMsg:     it.Result.Error,
		result:       raw,
		createdAt:    it.Result.Timestamp.UTC(),
	}
	if it.Result.Anonymity != nil {
		a := string(*it.Result.Anonymity)
		r.anonymity = &a
	}
	if r.createdAt.IsZero() {
		r.createdAt = time.Now().UTC()
	}
	return r, nil
}

func (r row) record(batchID string) (Record, error) {
	rec := Record{
		ID:      r.id,
		BatchID: batchID,
		Proxy: model.ProxyCredential{
			Host:     r.host,
			Port:     r.port,
			Username: r.username,
			Type:     model.ProxyType(r.proxyType),
		},
		TargetURL: r.targetURL,
		CreatedAt: r.createdAt.UTC(),
	}
	if err := json.Unmarshal(r.result, &rec.Result); err != nil {
		return Record{}, fmt.Errorf("decode result %s: %w", r.id, err)
	}
	return rec, nil
}
