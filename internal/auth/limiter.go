package auth

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdleTTL = 10 * time.Minute

// Limiter is a per-client token bucket keyed by remote IP.
type Limiter struct {
	perMinute int

	mu      sync.Mutex
	clients map[string]*clientLimit
	lastGC  time.Time
}

type clientLimit struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewLimiter allows perMinute requests per client with a burst of the same
// size. perMinute <= 0 disables limiting.
func NewLimiter(perMinute int) *Limiter {
	return &Limiter{perMinute: perMinute, clients: make(map[string]*clientLimit)}
}

func (l *Limiter) Allow(remoteAddr string) bool {
	if l.perMinute <= 0 {
		return true
	}
	ip := remoteIP(remoteAddr)
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.gcLocked(now)
	c, ok := l.clients[ip]
	if !ok {
		c = &clientLimit{lim: rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.perMinute)), l.perMinute)}
		l.clients[ip] = c
	}
	c.lastSeen = now
	return c.lim.AllowN(now, 1)
}

func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(r.RemoteAddr) {
			w.Header().Set("Retry-After", strconv.Itoa(int(time.Minute/time.Second)/l.perMinute+1))
			deny(w, http.StatusTooManyRequests, "too many requests; slow down")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *Limiter) gcLocked(now time.Time) {
	if now.Sub(l.lastGC) < time.Minute {
		return
	}
	l.lastGC = now
	for ip, c := range l.clients {
		if now.Sub(c.lastSeen) > limiterIdleTTL {
			delete(l.clients, ip)
		}
	}
}
