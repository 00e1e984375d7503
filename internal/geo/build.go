package geo

import (
	"errors"
	"fmt"
	"io"
	"time"
)

// Options selects and configures providers. Providers are tried in the
// order given: "maxmind", "ip2location", "http".
type Options struct {
	Providers     []string
	MaxMindCityDB string
	MaxMindOrgDB  string
	IP2LocationDB string
	HTTPURL       string
	Timeout       time.Duration
	CacheTTL      time.Duration
}

type closers []io.Closer

func (c closers) Close() error {
	var errs []error
	for _, cl := range c {
		if err := cl.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// New builds the resolver described by opts. The returned closer releases
// any opened database files.
func New(opts Options) (Resolver, io.Closer, error) {
	var (
		chain Chain
		open  closers
	)
	for _, p := range opts.Providers {
		switch p {
		case "maxmind":
			m, err := OpenMaxMind(opts.MaxMindCityDB, opts.MaxMindOrgDB)
			if err != nil {
				open.Close()
				return nil, nil, err
			}
			open = append(open, m)
			chain = append(chain, m)
		case "ip2location":
			l, err := OpenIP2Location(opts.IP2LocationDB)
			if err != nil {
				open.Close()
				return nil, nil, err
			}
			open = append(open, l)
			chain = append(chain, l)
		case "http":
			chain = append(chain, NewHTTPLookup(opts.HTTPURL, opts.Timeout))
		case "none", "":
		default:
			open.Close()
			return nil, nil, fmt.Errorf("unknown geo provider %q", p)
		}
	}

	var r Resolver = Nop{}
	switch len(chain) {
	case 0:
	case 1:
		r = chain[0]
	default:
		r = chain
	}
	if opts.CacheTTL > 0 && len(chain) > 0 {
		r = NewCache(r, opts.CacheTTL)
	}
	return r, open, nil
}
