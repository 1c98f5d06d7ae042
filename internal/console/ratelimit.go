package console

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterIdle is how long an address's bucket is kept after its last attempt.
const limiterIdle = 10 * time.Minute

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// loginLimiter throttles console sign-in attempts per remote address.
type loginLimiter struct {
	mu      sync.Mutex
	perMin  float64
	burst   int
	entries map[string]*limiterEntry
	now     func() time.Time
}

func newLoginLimiter(perMin float64, now func() time.Time) *loginLimiter {
	burst := int(perMin)
	if burst < 1 {
		burst = 1
	}
	return &loginLimiter{
		perMin:  perMin,
		burst:   burst,
		entries: make(map[string]*limiterEntry),
		now:     now,
	}
}

// allow reports whether addr may attempt another sign-in now.
func (l *loginLimiter) allow(addr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for key, e := range l.entries {
		if now.Sub(e.lastSeen) > limiterIdle {
			delete(l.entries, key)
		}
	}

	e, ok := l.entries[addr]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(l.perMin/60), l.burst)}
		l.entries[addr] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// remoteHost strips the port from r.RemoteAddr.
func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
