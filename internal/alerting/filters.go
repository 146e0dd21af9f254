package alerting

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// MinPriorityFilter drops alerts below floor.
func MinPriorityFilter(floor Priority) Filter {
	return func(a Alert) bool {
		return a.Priority >= floor
	}
}

// TypeFilter drops alerts of the listed types.
func TypeFilter(excluded ...AlertType) Filter {
	set := make(map[AlertType]struct{}, len(excluded))
	for _, t := range excluded {
		set[t] = struct{}{}
	}
	return func(a Alert) bool {
		_, drop := set[a.Type]
		return !drop
	}
}

// ----- Deduplication -----

// Dedup is a short-lived cache that suppresses repeats of the same alert.
// The fingerprint covers type, source, message and the listed detail keys.
type Dedup struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	ttl     time.Duration
	maxSize int
	keys    []string
	now     func() time.Time
}

// NewDedup creates a dedup cache. maxSize caps memory by evicting expired
// entries first and then an arbitrary half.
func NewDedup(ttl time.Duration, maxSize int, detailKeys ...string) *Dedup {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if maxSize <= 0 {
		maxSize = 10000
	}
	keys := append([]string(nil), detailKeys...)
	sort.Strings(keys)
	return &Dedup{
		seen:    make(map[string]time.Time),
		ttl:     ttl,
		maxSize: maxSize,
		keys:    keys,
		now:     time.Now,
	}
}

// Filter returns the dedup cache as an alert filter.
func (d *Dedup) Filter() Filter {
	return func(a Alert) bool {
		return !d.IsDuplicate(a)
	}
}

// IsDuplicate reports whether an equivalent alert was seen within the TTL.
// A non-duplicate is recorded.
func (d *Dedup) IsDuplicate(a Alert) bool {
	hash := d.hash(a)

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if seenAt, ok := d.seen[hash]; ok && now.Sub(seenAt) < d.ttl {
		return true
	}

	d.seen[hash] = now
	if len(d.seen) > d.maxSize {
		d.evictLocked(now)
	}
	return false
}

func (d *Dedup) hash(a Alert) string {
	h := sha256.New()
	h.Write([]byte(a.Type))
	h.Write([]byte{0})
	h.Write([]byte(a.Source))
	h.Write([]byte{0})
	h.Write([]byte(a.Message))
	for _, k := range d.keys {
		h.Write([]byte{0})
		fmt.Fprintf(h, "%s=%v", k, a.Details[k])
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}

func (d *Dedup) evictLocked(now time.Time) {
	for k, t := range d.seen {
		if now.Sub(t) >= d.ttl {
			delete(d.seen, k)
		}
	}
	if len(d.seen) > d.maxSize {
		target := len(d.seen) / 2
		for k := range d.seen {
			delete(d.seen, k)
			target--
			if target <= 0 {
				break
			}
		}
	}
}

// Size returns the number of remembered fingerprints.
func (d *Dedup) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// ----- Rate limiting -----

// RateLimitFilter admits at most perSecond alerts per source with the given
// burst. Each source gets its own token bucket.
func RateLimitFilter(perSecond float64, burst int) Filter {
	if burst <= 0 {
		burst = 1
	}
	var mu sync.Mutex
	limiters := make(map[string]*rate.Limiter)
	return func(a Alert) bool {
		mu.Lock()
		lim, ok := limiters[a.Source]
		if !ok {
			lim = rate.NewLimiter(rate.Limit(perSecond), burst)
			limiters[a.Source] = lim
		}
		mu.Unlock()
		return lim.Allow()
	}
}
