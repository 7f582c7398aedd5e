package ratelimit

import (
	"sync"
	"time"
)

// localWindows keeps fixed windows in memory for when the store is down.
// Limits are then per process rather than shared.
type localWindows struct {
	mu        sync.Mutex
	windows   map[string]*localWindow
	lastSweep time.Time
}

type localWindow struct {
	count   int64
	resetAt time.Time
}

// sweepInterval bounds how often expired windows are dropped.
const sweepInterval = time.Minute

func newLocalWindows() *localWindows {
	return &localWindows{windows: make(map[string]*localWindow)}
}

func (l *localWindows) allow(key string, tier Tier, now time.Time) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) > sweepInterval {
		for k, w := range l.windows {
			if !now.Before(w.resetAt) {
				delete(l.windows, k)
			}
		}
		l.lastSweep = now
	}

	w, ok := l.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &localWindow{resetAt: now.Add(tier.Window)}
		l.windows[key] = w
	}
	w.count++
	return decide(tier, w.count, w.resetAt, true)
}

func (l *localWindows) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}
