// Package throttle limits how fast each chat user can drive the bot and
// serializes work that must not overlap per key.
package throttle

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultBurst = 5

	idleAfter       = 10 * time.Minute
	cleanupInterval = 5 * time.Minute
)

// DefaultInterval is the steady-state spacing between updates per user.
var DefaultInterval = 1 * time.Second

// limiterEntry holds the token bucket for one user
type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter applies a token bucket per user ID.
type Limiter struct {
	mu       sync.Mutex
	entries  map[int64]*limiterEntry
	limit    rate.Limit
	burst    int
	quit     chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// NewLimiter starts a limiter with its cleanup loop. Non-positive values
// fall back to the defaults.
func NewLimiter(interval time.Duration, burst int) *Limiter {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if burst <= 0 {
		burst = DefaultBurst
	}
	l := &Limiter{
		entries: make(map[int64]*limiterEntry),
		limit:   rate.Every(interval),
		burst:   burst,
		quit:    make(chan struct{}),
		now:     time.Now,
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether userID may send another update now.
func (l *Limiter) Allow(userID int64) bool {
	l.mu.Lock()
	entry := l.entries[userID]
	if entry == nil {
		entry = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.entries[userID] = entry
	}
	now := l.now()
	entry.lastSeen = now
	l.mu.Unlock()

	return entry.limiter.AllowN(now, 1)
}

// Len returns the number of tracked users.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.prune()
		case <-l.quit:
			return
		}
	}
}

// prune removes idle entries
func (l *Limiter) prune() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for id, entry := range l.entries {
		if now.Sub(entry.lastSeen) > idleAfter {
			delete(l.entries, id)
		}
	}
}

// Shutdown stops the cleanup loop. It is safe to call more than once.
func (l *Limiter) Shutdown() {
	l.stopOnce.Do(func() { close(l.quit) })
}

// KeyGate grants exclusive access per key, for example one remote script
// run per host at a time.
type KeyGate struct {
	mu       sync.Mutex
	inFlight map[string]*keyLock
}

type keyLock struct {
	refCount int
	guard    chan struct{}
}

func NewKeyGate() *KeyGate {
	return &KeyGate{inFlight: make(map[string]*keyLock)}
}

// Acquire blocks until key is free or ctx ends, and returns the release
// function. A caller that gives up holds nothing and must not release.
func (g *KeyGate) Acquire(ctx context.Context, key string) (func(), error) {
	g.mu.Lock()
	lock := g.inFlight[key]
	if lock == nil {
		lock = &keyLock{guard: make(chan struct{}, 1)}
		g.inFlight[key] = lock
	}
	lock.refCount++
	g.mu.Unlock()

	select {
	case lock.guard <- struct{}{}:
	case <-ctx.Done():
		g.drop(key, lock)
		return nil, ctx.Err()
	}

	return func() {
		<-lock.guard
		g.drop(key, lock)
	}, nil
}

func (g *KeyGate) drop(key string, lock *keyLock) {
	g.mu.Lock()
	defer g.mu.Unlock()
	lock.refCount--
	if lock.refCount == 0 {
		delete(g.inFlight, key)
	}
}

// Pending returns the number of keys with holders or waiters.
func (g *KeyGate) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.inFlight)
}
