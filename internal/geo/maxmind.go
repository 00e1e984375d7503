package geo

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/oschwald/geoip2-golang"

	"github.com/August26/proxytest-go/internal/model"
)

// MaxMind reads GeoIP2/GeoLite2 databases. The city database is required;
// an ISP or ASN database is optional and fills GeoInfo.ISP.
type MaxMind struct {
	city *geoip2.Reader
	org  *geoip2.Reader
}

// OpenMaxMind opens the databases at cityPath and (when non-empty) orgPath.
func OpenMaxMind(cityPath, orgPath string) (*MaxMind, error) {
	city, err := geoip2.Open(cityPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open geoip db: %w", err)
	}
	m := &MaxMind{city: city}
	if orgPath != "" {
		org, err := geoip2.Open(orgPath)
		if err != nil {
			city.Close()
			return nil, fmt.Errorf("failed to open geoip org db: %w", err)
		}
		m.org = org
	}
	return m, nil
}

func (m *MaxMind) Close() error {
	var err error
	if m.org != nil {
		err = m.org.Close()
	}
	if cerr := m.city.Close(); cerr != nil {
		err = cerr
	}
	return err
}

func (m *MaxMind) Lookup(ctx context.Context, ipStr string) (model.GeoInfo, error) {
	ip, err := parseIP(ipStr)
	if err != nil {
		return model.GeoInfo{}, err
	}

	record, err := m.city.City(ip)
	if err != nil {
		return model.GeoInfo{}, fmt.Errorf("geoip lookup failed: %w", err)
	}

	info := model.GeoInfo{
		Country: record.Country.Names["en"],
		City:    record.City.Names["en"],
	}
	if info.Country == "" {
		info.Country = record.Country.IsoCode
	}
	if len(record.Subdivisions) > 0 {
		info.Region = record.Subdivisions[0].Names["en"]
	}

	if m.org != nil {
		info.ISP = m.lookupOrg(ip)
	}

	if info.Empty() {
		return info, ErrNotFound
	}
	return info, nil
}

// lookupOrg picks the reader method that matches the database edition.
func (m *MaxMind) lookupOrg(ip net.IP) string {
	dbType := m.org.Metadata().DatabaseType
	switch {
	case strings.Contains(dbType, "ISP"):
		rec, err := m.org.ISP(ip)
		if err != nil {
			return ""
		}
		if rec.ISP != "" {
			return rec.ISP
		}
		return rec.AutonomousSystemOrganization
	case strings.Contains(dbType, "ASN"):
		rec, err := m.org.ASN(ip)
		if err != nil {
			return ""
		}
		return rec.AutonomousSystemOrganization
	default:
		return ""
	}
}
