package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/FraMan97/modsync/internal/config"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newGate(t *testing.T, capacity, refill int, interval time.Duration, identities int) (*Gate, *clock) {
	t.Helper()
	g, err := New(config.Admission{Capacity: capacity, RefillTokens: refill, RefillInterval: interval, MaxIdentities: identities})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	return g.WithClock(c.now), c
}

func TestCapacityTenPerMinute(t *testing.T) {
	g, c := newGate(t, 10, 10, time.Minute, 100)

	for i := 0; i < 10; i++ {
		if d := g.TryConsume("10.0.0.1", 1); !d.Allowed {
			t.Fatalf("request %d denied", i+1)
		} else if d.Remaining != 9-i {
			t.Fatalf("request %d remaining = %d", i+1, d.Remaining)
		}
	}
	d := g.TryConsume("10.0.0.1", 1)
	if d.Allowed {
		t.Fatalf("11th request admitted")
	}
	if d.RetryAfter != 6*time.Second {
		t.Fatalf("RetryAfter = %v", d.RetryAfter)
	}

	c.advance(time.Minute)
	if d := g.TryConsume("10.0.0.1", 1); !d.Allowed {
		t.Fatalf("request after refill interval denied")
	}
}

func TestIdentitiesAreIndependentAndBounded(t *testing.T) {
	g, _ := newGate(t, 1, 1, time.Hour, 2)
	if !g.TryConsume("a", 1).Allowed || !g.TryConsume("b", 1).Allowed {
		t.Fatalf("fresh identities must be admitted")
	}
	if g.TryConsume("a", 1).Allowed {
		t.Fatalf("exhausted identity admitted")
	}
	g.TryConsume("c", 1)
	if n := g.Identities(); n != 2 {
		t.Fatalf("cache holds %d identities", n)
	}
}

func TestConcurrentConsumeLosesNoTokens(t *testing.T) {
	g, _ := newGate(t, 100, 1, time.Hour, 10)
	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.TryConsume("shared", 1).Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if allowed != 100 {
		t.Fatalf("allowed = %d, want 100", allowed)
	}
}

func TestMiddleware(t *testing.T) {
	g, _ := newGate(t, 1, 1, time.Minute, 10)
	h := g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/packages", nil)
	req.RemoteAddr = "192.0.2.7:5000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent || rec.Header().Get(HeaderRemaining) != "0" {
		t.Fatalf("first request: %d remaining=%q", rec.Code, rec.Header().Get(HeaderRemaining))
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get(HeaderRetryAfter) != "60" {
		t.Fatalf("second request: %d retry=%q", rec.Code, rec.Header().Get(HeaderRetryAfter))
	}
}

func TestIdentity(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.1:1234"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if id := Identity(req, false); id != "198.51.100.1" {
		t.Fatalf("Identity = %q", id)
	}
	if id := Identity(req, true); id != "203.0.113.9" {
		t.Fatalf("forwarded Identity = %q", id)
	}
}
