// Package ratelimit provides keyed token buckets for ingress and egress
// message budgets. Buckets are byte denominated and keyed per
// (peer, topic) pair so one noisy peer cannot exhaust another's budget.
package ratelimit

import (
	"strconv"

	leakybucket "github.com/kevinms/leakybucket-go"
)

// Limiter applies a per-key token bucket with a fixed capacity and
// per-second refill rate.
type Limiter struct {
	collector *leakybucket.Collector
	capacity  int64
}

func NewLimiter(refillPerSecond float64, capacity int64) *Limiter {
	return &Limiter{
		collector: leakybucket.NewCollector(refillPerSecond, capacity, true /* deleteEmptyBuckets */),
		capacity:  capacity,
	}
}

// Allow consumes cost tokens from key's bucket if available and reports
// whether the caller may proceed. A cost above the bucket capacity never
// succeeds.
func (l *Limiter) Allow(key string, cost int64) bool {
	if cost > l.capacity {
		return false
	}
	if l.collector.Remaining(key) < cost {
		return false
	}
	return l.collector.Add(key, cost) == cost
}

func (l *Limiter) Remaining(key string) int64 {
	return l.collector.Remaining(key)
}

func (l *Limiter) Free() {
	l.collector.Free()
}

// Key builds the canonical bucket key for a (peer, topic id) pair.
func Key(peer string, topicID uint64) string {
	return peer + "|" + strconv.FormatUint(topicID, 10)
}
