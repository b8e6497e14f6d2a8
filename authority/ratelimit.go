// Copyright (c) 2024-2026 The privgate developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package authority

import (
	"sync"
	"time"
)

const (
	// rateLimitBurst is how many attempts a uid may make back to back
	// before the bucket runs dry.
	rateLimitBurst = 10

	// rateLimitRefill is how many tokens a uid earns per second.
	rateLimitRefill = 1.0

	// backoffBase is the penalty after the first failed authentication.
	// Each further failure doubles it up to backoffMax, then a success
	// clears it. Escalation instead of a permanent lock tolerates
	// legitimate retries while bounding brute force throughput.
	backoffBase = 500 * time.Millisecond
	backoffMax  = time.Minute

	// bucketIdleEvict is how long an untouched bucket survives sweeps.
	bucketIdleEvict = 10 * time.Minute
)

type bucket struct {
	tokens       float64
	lastRefill   time.Time
	failures     uint
	backoffUntil time.Time
	lastSeen     time.Time
}

// rateLimiter tracks per-uid attempt budgets: a token bucket for raw
// attempt volume plus an escalating backoff penalty driven by failed
// authentications.
type rateLimiter struct {
	mtx     sync.Mutex
	buckets map[uint32]*bucket
}

func newRateLimiter() *rateLimiter {
	return &rateLimiter{buckets: make(map[uint32]*bucket)}
}

func (l *rateLimiter) bucketFor(uid uint32, now time.Time) *bucket {
	b, ok := l.buckets[uid]
	if !ok {
		b = &bucket{tokens: rateLimitBurst, lastRefill: now}
		l.buckets[uid] = b
	}
	return b
}

// allow reports whether uid may make another attempt right now, and
// consumes one token if so.
func (l *rateLimiter) allow(uid uint32, now time.Time) bool {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	b := l.bucketFor(uid, now)
	b.lastSeen = now

	if now.Before(b.backoffUntil) {
		return false
	}

	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * rateLimitRefill
		if b.tokens > rateLimitBurst {
			b.tokens = rateLimitBurst
		}
		b.lastRefill = now
	}
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// recordFailure escalates uid's backoff after a failed authentication.
func (l *rateLimiter) recordFailure(uid uint32, now time.Time) {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	b := l.bucketFor(uid, now)
	b.lastSeen = now
	b.failures++

	penalty := backoffBase << (b.failures - 1)
	if penalty > backoffMax || penalty <= 0 {
		penalty = backoffMax
	}
	b.backoffUntil = now.Add(penalty)
}

// recordSuccess clears uid's failure history.
func (l *rateLimiter) recordSuccess(uid uint32, now time.Time) {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	b := l.bucketFor(uid, now)
	b.lastSeen = now
	b.failures = 0
	b.backoffUntil = time.Time{}
}

// sweep drops buckets that have been idle long enough that they carry no
// useful history.
func (l *rateLimiter) sweep(now time.Time) {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	for uid, b := range l.buckets {
		if now.Sub(b.lastSeen) >= bucketIdleEvict && now.After(b.backoffUntil) {
			delete(l.buckets, uid)
		}
	}
}
