package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/TFMV/queryscope/pkg/infrastructure/metrics"
)

// RateLimitMiddleware applies a token bucket per client address. The table
// of buckets is bounded; a client evicted from it starts with a full bucket.
type RateLimitMiddleware struct {
	limit     rate.Limit
	burst     int
	collector MetricsCollector

	mu       sync.Mutex
	limiters *lru.Cache[string, *rate.Limiter]
}

// NewRateLimitMiddleware creates a limiter allowing rps requests per second
// with the given burst for each of at most maxClients clients.
func NewRateLimitMiddleware(rps float64, burst, maxClients int, collector MetricsCollector) (*RateLimitMiddleware, error) {
	limiters, err := lru.New[string, *rate.Limiter](maxClients)
	if err != nil {
		return nil, err
	}
	return &RateLimitMiddleware{
		limit:     rate.Limit(rps),
		burst:     burst,
		collector: collector,
		limiters:  limiters,
	}, nil
}

// Handler rejects requests over the client's budget with 429.
func (m *RateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := clientKey(r)
		if !m.limiter(client).Allow() {
			m.collector.IncrementCounter(metrics.RateLimitedTotal, "route", routeTemplate(r))
			w.Header().Set("Retry-After", "1")
			writeJSONError(w, http.StatusTooManyRequests, "RESOURCE_EXHAUSTED", "rate limit exceeded", true)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m *RateLimitMiddleware) limiter(client string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l, ok := m.limiters.Get(client); ok {
		return l
	}
	l := rate.NewLimiter(m.limit, m.burst)
	m.limiters.Add(client, l)
	return l
}

// clientKey identifies the caller by the first X-Forwarded-For hop, falling
// back to the connection's remote host.
func clientKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
