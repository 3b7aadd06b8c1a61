// Package bloomcache provides a rolling generational bloom filter for
// approximate duplicate suppression of high-volume content. Entries age
// out by generation rotation rather than explicit deletion, so memory is
// bounded regardless of traffic volume.
package bloomcache

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/willf/bloom"
)

// Rolling keeps two bloom filter generations. Adds go to the current
// generation; membership checks consult both. A rotation discards the
// elder generation, so an entry survives at least one and at most two
// rotation intervals.
type Rolling struct {
	mu sync.Mutex

	current  *bloom.BloomFilter
	previous *bloom.BloomFilter

	entries uint
	fpRate  float64

	interval   time.Duration
	lastRotate time.Time
	clk        clock.Clock
}

// New creates a rolling filter sized for expectedEntries per generation at
// the given false positive rate, rotating on the given time interval.
func New(expectedEntries uint, fpRate float64, rotateEvery time.Duration, clk clock.Clock) *Rolling {
	if clk == nil {
		clk = clock.New()
	}

	return &Rolling{
		current:    bloom.NewWithEstimates(expectedEntries, fpRate),
		previous:   bloom.NewWithEstimates(expectedEntries, fpRate),
		entries:    expectedEntries,
		fpRate:     fpRate,
		interval:   rotateEvery,
		lastRotate: clk.Now(),
		clk:        clk,
	}
}

func (r *Rolling) Add(x []byte) {
	r.mu.Lock()
	r.current.Add(x)
	r.mu.Unlock()
}

func (r *Rolling) Contains(x []byte) bool {
	r.mu.Lock()
	ok := r.current.Test(x) || r.previous.Test(x)
	r.mu.Unlock()
	return ok
}

// TestAndAdd reports whether x was already present in either generation
// and adds it to the current one.
func (r *Rolling) TestAndAdd(x []byte) bool {
	r.mu.Lock()
	seen := r.current.TestAndAdd(x) || r.previous.Test(x)
	r.mu.Unlock()
	return seen
}

// Rotate discards the elder generation and starts a fresh one.
func (r *Rolling) Rotate() {
	r.mu.Lock()
	r.rotate()
	r.mu.Unlock()
}

func (r *Rolling) rotate() {
	r.previous = r.current
	r.current = bloom.NewWithEstimates(r.entries, r.fpRate)
	r.lastRotate = r.clk.Now()
}

// MaybeRotate rotates if the rotation interval has elapsed since the last
// rotation, and reports whether it did. The cadence is time based,
// independent of traffic volume.
func (r *Rolling) MaybeRotate(now time.Time) bool {
	r.mu.Lock()
	if now.Sub(r.lastRotate) < r.interval {
		r.mu.Unlock()
		return false
	}
	r.rotate()
	r.mu.Unlock()
	return true
}
