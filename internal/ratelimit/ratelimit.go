// Package ratelimit is a per-client token bucket limiter for the edge gateway.
package ratelimit

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter keeps one token bucket per client key. Buckets idle for longer
// than the idle TTL are dropped by Cleanup.
type Limiter struct {
	mu      sync.Mutex
	clients map[string]*client
	limit   rate.Limit
	burst   int
	idleTTL time.Duration
	trusted []netip.Prefix
	now     func() time.Time
	logger  *slog.Logger
}

type Option func(*Limiter)

// WithTrustedProxies lets peers inside prefixes name the client through
// X-Forwarded-For or X-Real-IP. Headers from any other peer are ignored.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(l *Limiter) {
		l.trusted = prefixes
	}
}

func New(requestsPerSecond float64, burst int, logger *slog.Logger, opts ...Option) *Limiter {
	l := &Limiter{
		clients: make(map[string]*client),
		limit:   rate.Limit(requestsPerSecond),
		burst:   burst,
		idleTTL: 10 * time.Minute,
		now:     time.Now,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// ParseTrustedProxies accepts CIDR prefixes and bare addresses.
func ParseTrustedProxies(entries []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(entries))
	for _, entry := range entries {
		if prefix, err := netip.ParsePrefix(entry); err == nil {
			prefixes = append(prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q", entry)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

// Decision is the result of a single Allow call.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

func (l *Limiter) Allow(key string) Decision {
	now := l.now()

	l.mu.Lock()
	c, ok := l.clients[key]
	if !ok {
		c = &client{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[key] = c
	}
	c.lastSeen = now
	l.mu.Unlock()

	d := Decision{Limit: l.burst}
	d.Allowed = c.limiter.AllowN(now, 1)

	tokens := c.limiter.TokensAt(now)
	d.Remaining = max(int(math.Floor(tokens)), 0)
	if !d.Allowed {
		d.RetryAfter = l.retryAfter(tokens)
	}
	return d
}

func (l *Limiter) retryAfter(tokens float64) time.Duration {
	if l.limit <= 0 {
		return time.Minute
	}
	seconds := math.Ceil((1 - tokens) / float64(l.limit))
	return time.Duration(max(seconds, 1)) * time.Second
}

// Cleanup drops buckets that have not been used within the idle TTL.
func (l *Limiter) Cleanup() int {
	cutoff := l.now().Add(-l.idleTTL)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, c := range l.clients {
		if c.lastSeen.Before(cutoff) {
			delete(l.clients, key)
			removed++
		}
	}
	return removed
}

// Run calls Cleanup every interval until ctx is cancelled.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := l.Cleanup(); removed > 0 {
				l.logger.Debug("rate limiter buckets dropped", "count", removed)
			}
		}
	}
}

// Wrap limits h by client IP and answers 429 with Retry-After when the
// bucket is empty.
func (l *Limiter) Wrap(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := l.ClientIP(r)
		d := l.Allow(key)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))

		if !d.Allowed {
			l.logger.Warn("rate limit exceeded",
				"security_event", "rate_limit_exceeded",
				"client_ip", key,
				"method", r.Method,
				"path", r.URL.Path,
			)
			w.Header().Set("Retry-After", strconv.Itoa(int(d.RetryAfter.Seconds())))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "too many requests"})
			return
		}

		h(w, r)
	}
}

// ClientIP returns the address the bucket is keyed by. It is the connection's
// peer unless that peer is a trusted proxy, in which case it is the nearest
// untrusted X-Forwarded-For hop, then X-Real-IP.
func (l *Limiter) ClientIP(r *http.Request) string {
	peer := remoteHost(r.RemoteAddr)
	if !l.isTrusted(peer) {
		return peer
	}

	if forwarded := r.Header.Values("X-Forwarded-For"); len(forwarded) > 0 {
		hops := strings.Split(strings.Join(forwarded, ","), ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if hop == "" || l.isTrusted(hop) {
				continue
			}
			if _, err := netip.ParseAddr(hop); err != nil {
				break
			}
			return hop
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		if _, err := netip.ParseAddr(ip); err == nil {
			return ip
		}
	}
	return peer
}

func (l *Limiter) isTrusted(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range l.trusted {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func remoteHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
