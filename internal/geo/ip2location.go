package geo

import (
	"context"
	"fmt"
	"strings"

	"github.com/ip2location/ip2location-go/v9"

	"github.com/August26/proxytest-go/internal/model"
)

// IP2Location reads an IP2Location BIN database.
type IP2Location struct {
	db *ip2location.DB
}

func OpenIP2Location(path string) (*IP2Location, error) {
	db, err := ip2location.OpenDB(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ip2location db: %w", err)
	}
	return &IP2Location{db: db}, nil
}

func (l *IP2Location) Close() error {
	l.db.Close()
	return nil
}

func (l *IP2Location) Lookup(ctx context.Context, ipStr string) (model.GeoInfo, error) {
	if _, err := parseIP(ipStr); err != nil {
		return model.GeoInfo{}, err
	}
	rec, err := l.db.Get_all(ipStr)
	if err != nil {
		return model.GeoInfo{}, fmt.Errorf("ip2location lookup failed: %w", err)
	}

	info := model.GeoInfo{
		Country: known(rec.Country_long),
		Region:  known(rec.Region),
		City:    known(rec.City),
		ISP:     known(rec.Isp),
	}
	if info.Empty() {
		return info, ErrNotFound
	}
	return info, nil
}

// known drops the placeholders IP2Location uses for fields missing from
// the database edition.
func known(s string) string {
	s = strings.TrimSpace(s)
	if s == "-" || strings.HasPrefix(s, "This parameter is unavailable") || strings.HasPrefix(s, "Invalid") {
		return ""
	}
	return s
}
