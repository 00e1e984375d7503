package geo

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/August26/proxytest-go/internal/model"
)

// Chain asks each resolver in turn and merges their answers: a later
// provider only fills fields the earlier ones left empty.
type Chain []Resolver

func (c Chain) Lookup(ctx context.Context, ip string) (model.GeoInfo, error) {
	var (
		info model.GeoInfo
		errs []error
	)
	for _, r := range c {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		got, err := r.Lookup(ctx, ip)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		info = merge(info, got)
		if info.Country != "" && info.Region != "" && info.City != "" && info.ISP != "" {
			break
		}
	}
	if info.Empty() {
		if len(errs) == 0 {
			return info, ErrNotFound
		}
		return info, errors.Join(errs...)
	}
	return info, nil
}

func merge(dst, src model.GeoInfo) model.GeoInfo {
	if dst.Country == "" {
		dst.Country = src.Country
	}
	if dst.Region == "" {
		dst.Region = src.Region
	}
	if dst.City == "" {
		dst.City = src.City
	}
	if dst.ISP == "" {
		dst.ISP = src.ISP
	}
	return dst
}

type cacheEntry struct {
	info    model.GeoInfo
	expires time.Time
}

// Cache memoizes successful lookups for ttl. Failures are not cached.
type Cache struct {
	next Resolver
	ttl  time.Duration
	now  func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
}

func NewCache(next Resolver, ttl time.Duration) *Cache {
	return &Cache{
		next:    next,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

func (c *Cache) Lookup(ctx context.Context, ip string) (model.GeoInfo, error) {
	now := c.now()

	c.mu.Lock()
	e, ok := c.entries[ip]
	if ok && now.Before(e.expires) {
		c.mu.Unlock()
		return e.info, nil
	}
	delete(c.entries, ip)
	c.mu.Unlock()

	info, err := c.next.Lookup(ctx, ip)
	if err != nil {
		return info, err
	}

	c.mu.Lock()
	c.entries[ip] = cacheEntry{info: info, expires: now.Add(c.ttl)}
	c.mu.Unlock()
	return info, nil
}
