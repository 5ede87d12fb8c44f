// Package ratelimit implements the admission gate: one token bucket per client
// identity, created lazily and held in a bounded LRU.
package ratelimit

import (
	"encoding/json"
	"log"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/FraMan97/modsync/internal/config"
	"github.com/FraMan97/modsync/internal/models"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

const (
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderRetryAfter = "Retry-After"
)

type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

type Gate struct {
	capacity       int
	limit          rate.Limit
	interval       time.Duration
	trustForwarded bool
	now            func() time.Time

	mu      sync.Mutex
	buckets *lru.Cache
}

func New(cfg config.Admission) (*Gate, error) {
	if cfg.Capacity <= 0 || cfg.RefillTokens <= 0 || cfg.RefillInterval <= 0 || cfg.MaxIdentities <= 0 {
		return nil, config.ErrInvalidAdmission
	}
	cache, err := lru.New(cfg.MaxIdentities)
	if err != nil {
		return nil, errors.Wrap(err, "bucket cache")
	}
	return &Gate{
		capacity:       cfg.Capacity,
		limit:          rate.Limit(float64(cfg.RefillTokens) / cfg.RefillInterval.Seconds()),
		interval:       cfg.RefillInterval,
		trustForwarded: cfg.TrustForwarded,
		now:            time.Now,
		buckets:        cache,
	}, nil
}

// WithClock replaces the time source; used by tests.
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

func (g *Gate) bucket(identity string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	if v, ok := g.buckets.Get(identity); ok {
		return v.(*rate.Limiter)
	}
	lim := rate.NewLimiter(g.limit, g.capacity)
	g.buckets.Add(identity, lim)
	return lim
}

// TryConsume takes cost tokens from the identity's bucket if available.
func (g *Gate) TryConsume(identity string, cost int) Decision {
	if cost < 1 {
		cost = 1
	}
	now := g.now()
	lim := g.bucket(identity)
	if cost > g.capacity {
		return Decision{RetryAfter: g.interval}
	}
	if lim.AllowN(now, cost) {
		return Decision{Allowed: true, Remaining: int(math.Floor(lim.TokensAt(now)))}
	}
	deficit := float64(cost) - lim.TokensAt(now)
	wait := time.Duration(math.Ceil(deficit/float64(g.limit))) * time.Second
	if wait < time.Second {
		wait = time.Second
	}
	return Decision{RetryAfter: wait}
}

// Identities is the number of buckets currently cached.
func (g *Gate) Identities() int {
	return g.buckets.Len()
}

// Identity derives the bucket key for a request.
func Identity(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware admits every request through the gate before next runs.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := Identity(r, g.trustForwarded)
		d := g.TryConsume(id, 1)
		if !d.Allowed {
			secs := int(d.RetryAfter / time.Second)
			log.Printf("[Admission] - Denied '%s' %s %s, retry in %ds\n", id, r.Method, r.URL.Path, secs)
			w.Header().Set(HeaderRetryAfter, strconv.Itoa(secs))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(models.ErrorResponse{Error: "rate limit exceeded", RetryAfter: secs})
			return
		}
		w.Header().Set(HeaderRemaining, strconv.Itoa(d.Remaining))
		next.ServeHTTP(w, r)
	})
}
