package enforce

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// ErrDNSResolution marks a failed or empty lookup. Enforcement treats it as
// a deny; it never escapes as an API error.
var ErrDNSResolution = errors.New("dns resolution failed")

const (
	defaultDNSTimeout = 2 * time.Second
	defaultMaxTTL     = 60 * time.Second
	defaultCacheSize  = 1024
)

// LookupFunc resolves a hostname to its addresses plus the minimum record
// TTL. Production uses the miekg/dns path; tests inject a fake.
type LookupFunc func(ctx context.Context, host string) ([]netip.Addr, time.Duration, error)

// ResolverConfig tunes the resolver; zero values take defaults.
type ResolverConfig struct {
	Timeout   time.Duration
	MaxTTL    time.Duration
	CacheSize int
	Lookup    LookupFunc
}

type cacheEntry struct {
	addrs  []netip.Addr
	expiry time.Time
}

// Resolver resolves hostnames with a TTL-bounded cache. Lookups query A and
// AAAA against the first resolv.conf nameserver, falling back to the system
// resolver when none is configured. Cache entries expire at the minimum
// answer TTL, capped at MaxTTL so a revoked DNS record cannot pin a stale
// allow decision for long.
type Resolver struct {
	timeout time.Duration
	maxTTL  time.Duration
	maxEnt  int
	lookup  LookupFunc
	client  *dns.Client

	mu        sync.Mutex
	cache     map[string]cacheEntry
	hits      uint64
	misses    uint64
	evictions uint64
}

// NewResolver builds a resolver from cfg.
func NewResolver(cfg ResolverConfig) *Resolver {
	r := &Resolver{
		timeout: cfg.Timeout,
		maxTTL:  cfg.MaxTTL,
		maxEnt:  cfg.CacheSize,
		lookup:  cfg.Lookup,
		cache:   make(map[string]cacheEntry),
	}
	if r.timeout <= 0 {
		r.timeout = defaultDNSTimeout
	}
	if r.maxTTL <= 0 {
		r.maxTTL = defaultMaxTTL
	}
	if r.maxEnt <= 0 {
		r.maxEnt = defaultCacheSize
	}
	r.client = &dns.Client{
		Net:          "udp",
		Timeout:      r.timeout,
		DialTimeout:  r.timeout,
		ReadTimeout:  r.timeout,
		WriteTimeout: r.timeout,
	}
	if r.lookup == nil {
		r.lookup = r.query
	}
	return r
}

// Resolve returns all addresses for host. An error means fail-closed: the
// caller must deny. Resolve never returns an empty slice with a nil error.
func (r *Resolver) Resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return nil, fmt.Errorf("resolve: empty host: %w", ErrDNSResolution)
	}

	now := time.Now()
	r.mu.Lock()
	if ent, ok := r.cache[host]; ok && now.Before(ent.expiry) {
		r.hits++
		r.mu.Unlock()
		return ent.addrs, nil
	}
	r.misses++
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	addrs, ttl, err := r.lookup(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w: %v", host, ErrDNSResolution, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("resolve %q: no addresses: %w", host, ErrDNSResolution)
	}

	if ttl <= 0 || ttl > r.maxTTL {
		ttl = r.maxTTL
	}
	r.store(host, addrs, now.Add(ttl))
	return addrs, nil
}

func (r *Resolver) store(host string, addrs []netip.Addr, expiry time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.cache) >= r.maxEnt {
		var oldestKey string
		var oldest time.Time
		for k, v := range r.cache {
			if oldestKey == "" || v.expiry.Before(oldest) {
				oldest = v.expiry
				oldestKey = k
			}
		}
		if oldestKey != "" {
			delete(r.cache, oldestKey)
			r.evictions++
		}
	}
	r.cache[host] = cacheEntry{addrs: addrs, expiry: expiry}
}

// query is the production lookup: A and AAAA against the first resolv.conf
// nameserver, system resolver when resolv.conf gives none.
func (r *Resolver) query(ctx context.Context, host string) ([]netip.Addr, time.Duration, error) {
	nameserver := ""
	if conf, err := dns.ClientConfigFromFile("/etc/resolv.conf"); err == nil && len(conf.Servers) > 0 {
		nameserver = net.JoinHostPort(conf.Servers[0], conf.Port)
	}
	if nameserver == "" {
		return r.querySystem(ctx, host)
	}

	var addrs []netip.Addr
	var minTTL time.Duration
	var lastErr error
	for _, qt := range []uint16{dns.TypeA, dns.TypeAAAA} {
		msg := new(dns.Msg)
		msg.SetQuestion(dns.Fqdn(host), qt)
		resp, _, err := r.client.ExchangeContext(ctx, msg, nameserver)
		if err != nil || resp == nil {
			lastErr = err
			continue
		}
		for _, ans := range resp.Answer {
			switch rr := ans.(type) {
			case *dns.A:
				if a, ok := netip.AddrFromSlice(rr.A); ok {
					addrs = append(addrs, a.Unmap())
					minTTL = minTTLDur(minTTL, rr.Hdr.Ttl)
				}
			case *dns.AAAA:
				if a, ok := netip.AddrFromSlice(rr.AAAA); ok {
					addrs = append(addrs, a.Unmap())
					minTTL = minTTLDur(minTTL, rr.Hdr.Ttl)
				}
			}
		}
	}
	if len(addrs) == 0 {
		// Direct queries got nothing; the system resolver may still know
		// the name (hosts file, search domains).
		if sysAddrs, ttl, err := r.querySystem(ctx, host); err == nil {
			return sysAddrs, ttl, nil
		}
		if lastErr != nil {
			return nil, 0, lastErr
		}
		return nil, 0, errors.New("no answers")
	}
	return addrs, minTTL, nil
}

func (r *Resolver) querySystem(ctx context.Context, host string) ([]netip.Addr, time.Duration, error) {
	ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, 0, err
	}
	addrs := make([]netip.Addr, 0, len(ips))
	for _, ip := range ips {
		addrs = append(addrs, ip.Unmap())
	}
	// TTL unknown on the system path; the cache cap applies.
	return addrs, 0, nil
}

// CacheLen returns the number of cached hostnames.
func (r *Resolver) CacheLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cache)
}

// CacheStats returns hit/miss/eviction counters since construction.
func (r *Resolver) CacheStats() (hits, misses, evictions uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hits, r.misses, r.evictions
}

func minTTLDur(current time.Duration, ttlSec uint32) time.Duration {
	d := time.Duration(ttlSec) * time.Second
	if current == 0 || d < current {
		return d
	}
	return current
}
