// Package dns provides a caching reverse resolver used to annotate
// report records with the hostname behind a source IP.
package dns

import (
	"context"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"
)

type cacheEntry struct {
	host      string
	timestamp time.Time
}

// Resolver caches reverse lookups so repeated source IPs across
// reports do not hammer the DNS server. Lookups are best effort, a
// failure caches an empty result.
type Resolver struct {
	timeout      time.Duration
	cacheTimeout time.Duration
	resolver     *net.Resolver
	logger       *slog.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry
}

func NewResolver(timeout, cacheTimeout time.Duration, logger *slog.Logger) *Resolver {
	return &Resolver{
		timeout:      timeout,
		cacheTimeout: cacheTimeout,
		resolver:     net.DefaultResolver,
		logger:       logger,
		cache:        make(map[string]cacheEntry),
	}
}

// ReverseLookup returns the primary hostname for ip, or an empty
// string when it cannot be resolved.
func (r *Resolver) ReverseLookup(ctx context.Context, ip string) string {
	if host, ok := r.cached(ip); ok {
		return host
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	names, err := r.resolver.LookupAddr(ctx, ip)
	if err != nil || len(names) == 0 {
		r.logger.Debug("reverse lookup failed", "ip", ip, "err", err)
		// cache the miss so we do not re-resolve the ip
		r.update(ip, "")
		return ""
	}

	host := strings.TrimSuffix(names[0], ".")
	r.update(ip, host)
	return host
}

func (r *Resolver) update(ip, host string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[ip] = cacheEntry{host: host, timestamp: time.Now()}
}

func (r *Resolver) cached(ip string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.cache[ip]
	if !ok {
		return "", false
	}
	if time.Now().Add(-1 * r.cacheTimeout).After(entry.timestamp) {
		delete(r.cache, ip)
		return "", false
	}
	return entry.host, true
}
