// Package ratelimit provides per-peer request throttling for the federation
// and DAV endpoints. Remote federation servers are untrusted, so both the
// OCM inbox and the remote-calendar mount sit behind an IP-keyed limiter.
package ratelimit

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// PeerLimiter hands out one token bucket per client IP.
type PeerLimiter struct {
	mu      sync.Mutex
	peers   map[string]*peerEntry
	rate    rate.Limit
	burst   int
	idleTTL time.Duration

	trustedProxies []*net.IPNet
}

type peerEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// maxPeers bounds the limiter table; beyond it the stalest entry is dropped.
const maxPeers = 10000

// NewPeerLimiter creates an IP-keyed limiter allowing r requests per second
// with the given burst. Entries idle longer than idleTTL are pruned.
// trustedProxies lists CIDRs (or bare IPs) whose forwarding headers are
// honored; with none configured, forwarding headers are always honored.
func NewPeerLimiter(r rate.Limit, burst int, idleTTL time.Duration, trustedProxies []string) *PeerLimiter {
	l := &PeerLimiter{
		peers:   make(map[string]*peerEntry),
		rate:    r,
		burst:   burst,
		idleTTL: idleTTL,
	}
	for _, cidr := range trustedProxies {
		if ipnet := parseCIDROrIP(cidr); ipnet != nil {
			l.trustedProxies = append(l.trustedProxies, ipnet)
		}
	}
	go l.prune()
	return l
}

// Middleware rejects requests exceeding the peer's budget with 429.
func (l *PeerLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.allow(l.clientIP(r)) {
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (l *PeerLimiter) allow(ip string) bool {
	l.mu.Lock()
	entry, ok := l.peers[ip]
	if !ok {
		if len(l.peers) >= maxPeers {
			l.evictStalest()
		}
		entry = &peerEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.peers[ip] = entry
	}
	entry.lastSeen = time.Now()
	l.mu.Unlock()
	return entry.limiter.Allow()
}

func (l *PeerLimiter) evictStalest() {
	var stalest string
	var when time.Time
	for ip, entry := range l.peers {
		if stalest == "" || entry.lastSeen.Before(when) {
			stalest, when = ip, entry.lastSeen
		}
	}
	if stalest != "" {
		delete(l.peers, stalest)
	}
}

func (l *PeerLimiter) prune() {
	ticker := time.NewTicker(l.idleTTL)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-2 * l.idleTTL)
		l.mu.Lock()
		for ip, entry := range l.peers {
			if entry.lastSeen.Before(cutoff) {
				delete(l.peers, ip)
			}
		}
		l.mu.Unlock()
	}
}

// clientIP resolves the originating IP, honoring X-Forwarded-For / X-Real-IP
// only when the direct peer is a trusted proxy.
func (l *PeerLimiter) clientIP(r *http.Request) string {
	remote := hostIP(r.RemoteAddr)

	if len(l.trustedProxies) > 0 {
		trusted := false
		for _, ipnet := range l.trustedProxies {
			if ipnet.Contains(remote) {
				trusted = true
				break
			}
		}
		if !trusted {
			return remote.String()
		}
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if parsed := net.ParseIP(first); parsed != nil {
			return parsed.String()
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		if parsed := net.ParseIP(xri); parsed != nil {
			return parsed.String()
		}
	}
	return remote.String()
}

func parseCIDROrIP(s string) *net.IPNet {
	if _, ipnet, err := net.ParseCIDR(s); err == nil {
		return ipnet
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return nil
	}
	if ip.To4() != nil {
		_, ipnet, _ := net.ParseCIDR(s + "/32")
		return ipnet
	}
	_, ipnet, _ := net.ParseCIDR(s + "/128")
	return ipnet
}

func hostIP(addr string) net.IP {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return net.ParseIP(host)
	}
	return net.ParseIP(addr)
}
