package changefeed

import (
	"context"
	"sync"

	"github.com/okian/outreachops/pkg/metrics"
)

const defaultBuffer = 1024

// Memory is an in-process feed. Publish blocks while a subscriber's buffer
// is full, so no change is dropped.
type Memory struct {
	mu     sync.RWMutex
	subs   map[*memorySub]struct{}
	buffer int
	closed bool
}

// MemoryOption configures a Memory feed.
type MemoryOption func(*Memory)

// WithBuffer sets the per-subscriber buffer.
func WithBuffer(n int) MemoryOption {
	return func(m *Memory) {
		if n > 0 {
			m.buffer = n
		}
	}
}

// NewMemory creates an in-process feed.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{subs: make(map[*memorySub]struct{}), buffer: defaultBuffer}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Publish delivers c to every interested subscriber.
func (m *Memory) Publish(ctx context.Context, c Change) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		metrics.RecordFeedPublish(string(c.Collection), ErrClosed)
		return ErrClosed
	}
	targets := make([]*memorySub, 0, len(m.subs))
	for s := range m.subs {
		if wants(s.collections, c.Collection) {
			targets = append(targets, s)
		}
	}
	m.mu.RUnlock()

	for _, s := range targets {
		select {
		case s.ch <- c:
		case <-s.done:
		case <-ctx.Done():
			metrics.RecordFeedPublish(string(c.Collection), ctx.Err())
			return ctx.Err()
		}
	}
	metrics.RecordFeedPublish(string(c.Collection), nil)
	return nil
}

// Subscribe opens a subscription to collections; none means all.
func (m *Memory) Subscribe(_ context.Context, _ string, collections ...Collection) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	s := &memorySub{
		feed:        m,
		ch:          make(chan Change, m.buffer),
		done:        make(chan struct{}),
		collections: collections,
	}
	m.subs[s] = struct{}{}
	return s, nil
}

// Close ends every subscription.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	subs := m.subs
	m.subs = map[*memorySub]struct{}{}
	m.mu.Unlock()

	for s := range subs {
		s.stop()
	}
	return nil
}

type memorySub struct {
	feed        *Memory
	ch          chan Change
	done        chan struct{}
	once        sync.Once
	collections []Collection
}

func (s *memorySub) Next(ctx context.Context) (Change, error) {
	select {
	case c := <-s.ch:
		return c, nil
	case <-s.done:
		// drain what was delivered before close
		select {
		case c := <-s.ch:
			return c, nil
		default:
			return Change{}, ErrClosed
		}
	case <-ctx.Done():
		return Change{}, ctx.Err()
	}
}

func (s *memorySub) Close() error {
	s.feed.mu.Lock()
	delete(s.feed.subs, s)
	s.feed.mu.Unlock()
	s.stop()
	return nil
}

func (s *memorySub) stop() {
	s.once.Do(func() { close(s.done) })
}
