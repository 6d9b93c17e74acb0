package middleware

import (
	"net/http"
	"sync"
)

// UsageCounter tallies requests per method+path pattern in memory. The
// aggregate_api_usage cron step drains it into the log on schedule.
type UsageCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func NewUsageCounter() *UsageCounter {
	return &UsageCounter{counts: map[string]int{}}
}

// Middleware counts every request.
func (u *UsageCounter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.mu.Lock()
		u.counts[r.Method+" "+r.URL.Path]++
		u.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

// Drain returns the counters accumulated since the last drain and resets
// them.
func (u *UsageCounter) Drain() map[string]int {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := u.counts
	u.counts = map[string]int{}
	return out
}
