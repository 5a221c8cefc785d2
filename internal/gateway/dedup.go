package gateway

import (
	"sync"
	"time"
)

const dedupTTL = 5 * time.Minute

// dedup is a rolling set of recently seen chat event ids.
type dedup struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

func newDedup() *dedup {
	return &dedup{seen: make(map[string]time.Time)}
}

// Seen records id and reports whether it was already present within
// the TTL. Expired entries are pruned opportunistically.
func (d *dedup) Seen(id string) bool {
	if id == "" {
		return false
	}
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, at := range d.seen {
		if now.Sub(at) > dedupTTL {
			delete(d.seen, k)
		}
	}
	if _, ok := d.seen[id]; ok {
		return true
	}
	d.seen[id] = now
	return false
}
