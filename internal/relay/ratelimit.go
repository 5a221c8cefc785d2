package relay

import (
	"sync"
	"time"
)

// rateWindow is a rolling-window event counter. Allow records an event
// and reports whether it fits within limit events per window.
type rateWindow struct {
	mu     sync.Mutex
	window time.Duration
	limit  int
	events []time.Time
}

func newRateWindow(window time.Duration, limit int) *rateWindow {
	return &rateWindow{window: window, limit: limit}
}

// Allow records an event at now. It returns false when the event is
// the limit+1'th inside the rolling window; the event still counts.
func (w *rateWindow) Allow(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-w.window)
	keep := w.events[:0]
	for _, t := range w.events {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	w.events = append(keep, now)
	return len(w.events) <= w.limit
}

// ipRateLimiter tracks one rolling window per client IP.
type ipRateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	limit   int
	windows map[string]*rateWindow
}

func newIPRateLimiter(window time.Duration, limit int) *ipRateLimiter {
	return &ipRateLimiter{
		window:  window,
		limit:   limit,
		windows: make(map[string]*rateWindow),
	}
}

// Allow records an event for ip and reports whether it is admitted.
func (l *ipRateLimiter) Allow(ip string, now time.Time) bool {
	l.mu.Lock()
	w, ok := l.windows[ip]
	if !ok {
		w = newRateWindow(l.window, l.limit)
		l.windows[ip] = w
	}
	l.mu.Unlock()
	return w.Allow(now)
}

// Prune drops windows with no events newer than the window duration.
// Called from the heartbeat tick so idle IPs do not accumulate.
func (l *ipRateLimiter) Prune(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := now.Add(-l.window)
	for ip, w := range l.windows {
		w.mu.Lock()
		empty := len(w.events) == 0 || !w.events[len(w.events)-1].After(cutoff)
		w.mu.Unlock()
		if empty {
			delete(l.windows, ip)
		}
	}
}
