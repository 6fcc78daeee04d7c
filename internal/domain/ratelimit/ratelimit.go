// Package ratelimit gates signal submissions per session with a local cooldown.
package ratelimit

import (
	"context"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeebo/blake3"

	"github.com/okian/outreachops/pkg/logger"
	"github.com/okian/outreachops/pkg/metrics"
)

// Defaults.
const (
	// DefaultCooldown is the minimum spacing between accepted submissions of one key.
	DefaultCooldown = 30 * time.Second
	// DefaultFlushInterval is how often a changed table is written to its file.
	DefaultFlushInterval = 5 * time.Second
)

// Decision is the result of a gate check. A blocked decision is not an error.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter records accepted submissions per session key.
type Limiter interface {
	// CanSubmit atomically checks the cooldown of key and, when allowed,
	// records now as its last accepted submission.
	CanSubmit(ctx context.Context, key string) Decision

	// Forget drops the record of key so a submission whose write failed
	// does not burn the cooldown.
	Forget(ctx context.Context, key string)

	Size() int64

	// Flush writes the table to the configured file if it changed since the
	// last write. It is a no-op without a file.
	Flush(ctx context.Context) error

	// Close stops background flushing and writes any pending change.
	Close(ctx context.Context) error
}

// inMemoryLimiter keeps last-accepted times keyed by the blake3 hash of the
// session key. Raw session identifiers are never retained.
type inMemoryLimiter struct {
	mu       sync.Mutex
	last     map[string]time.Time
	size     atomic.Int64
	cooldown time.Duration
	maxSize  int
	now      func() time.Time
	file     string
	log      logger.Logger

	// version counts table changes; written is the version last on disk.
	version  uint64
	written  uint64
	flushMu  sync.Mutex
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
	once     sync.Once
}

// New creates a limiter. When a file is configured, previously accepted
// submissions are loaded from it and changes are written back every flush
// interval and on Close.
func New(opts ...Option) (Limiter, error) {
	l := &inMemoryLimiter{
		last:     make(map[string]time.Time),
		cooldown: DefaultCooldown,
		maxSize:  100_000,
		now:      time.Now,
		interval: DefaultFlushInterval,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.log == nil {
		l.log = logger.Nop()
	}
	if l.file != "" {
		loaded, err := loadFile(l.file)
		if err != nil {
			return nil, err
		}
		l.last = loaded
		l.size.Store(int64(len(loaded)))
		if l.interval > 0 {
			l.stop, l.done = make(chan struct{}), make(chan struct{})
			go l.flushLoop()
		}
	}
	return l, nil
}

func hashKey(key string) string {
	sum := blake3.Sum256([]byte(key))
	return hex.EncodeToString(sum[:16])
}

// CanSubmit checks and records key.
func (l *inMemoryLimiter) CanSubmit(ctx context.Context, key string) Decision {
	h := hashKey(key)
	now := l.now()

	l.mu.Lock()
	if prev, ok := l.last[h]; ok {
		if elapsed := now.Sub(prev); elapsed < l.cooldown {
			l.mu.Unlock()
			metrics.RecordRateLimit(false)
			l.log.Debug(ctx, "submission blocked", logger.Duration("retry_after", l.cooldown-elapsed))
			return Decision{Allowed: false, RetryAfter: l.cooldown - elapsed}
		}
	} else {
		if l.maxSize > 0 && len(l.last) >= l.maxSize {
			l.evictExpired(now)
		}
		l.size.Add(1)
	}
	l.last[h] = now
	l.version++
	l.mu.Unlock()

	metrics.RecordRateLimit(true)
	return Decision{Allowed: true}
}

// Forget removes key.
func (l *inMemoryLimiter) Forget(ctx context.Context, key string) {
	h := hashKey(key)

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.last[h]; !ok {
		return
	}
	delete(l.last, h)
	l.size.Add(-1)
	l.version++
}

// Size returns the number of tracked keys.
func (l *inMemoryLimiter) Size() int64 {
	return l.size.Load()
}

// evictExpired drops keys whose cooldown has elapsed; when none have, the
// oldest entry goes. Must be called with l.mu held.
func (l *inMemoryLimiter) evictExpired(now time.Time) {
	var (
		oldestKey string
		oldest    time.Time
	)
	removed := false
	for k, t := range l.last {
		if now.Sub(t) >= l.cooldown {
			delete(l.last, k)
			l.size.Add(-1)
			removed = true
			continue
		}
		if oldestKey == "" || t.Before(oldest) {
			oldestKey, oldest = k, t
		}
	}
	if !removed && oldestKey != "" {
		delete(l.last, oldestKey)
		l.size.Add(-1)
	}
}

// Flush copies the table under l.mu and writes it outside the lock.
// flushMu keeps writes ordered so the file never regresses to an older table.
func (l *inMemoryLimiter) Flush(ctx context.Context) error {
	if l.file == "" {
		return nil
	}
	l.flushMu.Lock()
	defer l.flushMu.Unlock()

	l.mu.Lock()
	if l.version == l.written {
		l.mu.Unlock()
		return nil
	}
	version := l.version
	table := make(map[string]time.Time, len(l.last))
	for k, t := range l.last {
		table[k] = t
	}
	l.mu.Unlock()

	if err := saveFile(l.file, table); err != nil {
		// the in-memory gate stays authoritative
		metrics.RecordErrorByComponent("ratelimit", "persist")
		l.log.Warn(ctx, "failed to persist rate limit state", logger.String("file", l.file), logger.Error(err))
		return err
	}
	l.mu.Lock()
	l.written = version
	l.mu.Unlock()
	return nil
}

// Close implements Limiter.
func (l *inMemoryLimiter) Close(ctx context.Context) error {
	l.once.Do(func() {
		if l.stop != nil {
			close(l.stop)
			<-l.done
		}
	})
	return l.Flush(ctx)
}

func (l *inMemoryLimiter) flushLoop() {
	defer close(l.done)
	t := time.NewTicker(l.interval)
	defer t.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-t.C:
			_ = l.Flush(context.Background())
		}
	}
}
