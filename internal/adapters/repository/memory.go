package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/okian/outreachops/internal/adapters/changefeed"
	"github.com/okian/outreachops/internal/domain/model"
)

// MemoryStore keeps every collection in process. It is the default backend
// and the fake used by tests.
type MemoryStore struct {
	options

	mu         sync.RWMutex
	signals    map[string]model.Signal
	resources  map[string]model.Resource
	logs       map[string]model.OutreachLog
	aggregates map[string]model.Aggregate
	metrics    *model.MetricsSummary
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		options:    defaultOptions(opts),
		signals:    make(map[string]model.Signal),
		resources:  make(map[string]model.Resource),
		logs:       make(map[string]model.OutreachLog),
		aggregates: make(map[string]model.Aggregate),
	}
}

func cloneSignal(s model.Signal) model.Signal {
	if s.Weight != nil {
		w := *s.Weight
		s.Weight = &w
	}
	return s
}

// CreateSignal implements Store.
func (m *MemoryStore) CreateSignal(ctx context.Context, s model.Signal) (model.Signal, error) {
	if s.ID == "" {
		s.ID = m.newID(SignalIDPrefix)
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = m.now()
	}
	m.mu.Lock()
	if _, ok := m.signals[s.ID]; ok {
		m.mu.Unlock()
		return model.Signal{}, fmt.Errorf("signal %s already exists", s.ID)
	}
	m.signals[s.ID] = cloneSignal(s)
	m.mu.Unlock()

	m.announce(ctx, changefeed.Change{Collection: changefeed.Signals, Op: changefeed.OpCreate, ID: s.ID, GridID: s.GridID})
	return s, nil
}

// SetSignalExpiry implements Store.
func (m *MemoryStore) SetSignalExpiry(ctx context.Context, id string, expiresAt time.Time) error {
	m.mu.Lock()
	s, ok := m.signals[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("signal %s: %w", id, ErrNotFound)
	}
	s.ExpiresAt = expiresAt
	m.signals[id] = s
	m.mu.Unlock()

	m.announce(ctx, changefeed.Change{Collection: changefeed.Signals, Op: changefeed.OpUpdate, ID: id, GridID: s.GridID})
	return nil
}

// GetSignal implements Store.
func (m *MemoryStore) GetSignal(_ context.Context, id string) (model.Signal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.signals[id]
	if !ok {
		return model.Signal{}, fmt.Errorf("signal %s: %w", id, ErrNotFound)
	}
	return cloneSignal(s), nil
}

// DeleteSignal implements Store.
func (m *MemoryStore) DeleteSignal(ctx context.Context, id string) (model.Signal, error) {
	m.mu.Lock()
	s, ok := m.signals[id]
	if !ok {
		m.mu.Unlock()
		return model.Signal{}, fmt.Errorf("signal %s: %w", id, ErrNotFound)
	}
	delete(m.signals, id)
	m.mu.Unlock()

	m.announce(ctx, changefeed.Change{Collection: changefeed.Signals, Op: changefeed.OpDelete, ID: id, GridID: s.GridID})
	return s, nil
}

// ListSignals implements Store. Results are ordered by creation time then id.
func (m *MemoryStore) ListSignals(_ context.Context, q SignalQuery) ([]model.Signal, error) {
	m.mu.RLock()
	out := make([]model.Signal, 0, len(m.signals))
	for _, s := range m.signals {
		if q.GridID != "" && s.GridID != q.GridID {
			continue
		}
		if !q.Since.IsZero() && s.CreatedAt.Before(q.Since) {
			continue
		}
		if q.OpenOnly && !s.IsOpen() {
			continue
		}
		out = append(out, cloneSignal(s))
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ExpiredSignals implements Store.
func (m *MemoryStore) ExpiredSignals(_ context.Context, now time.Time, window time.Duration, limit int) ([]model.Signal, error) {
	type due struct {
		sig model.Signal
		at  time.Time
	}
	m.mu.RLock()
	found := make([]due, 0)
	for _, s := range m.signals {
		at := s.ExpiresAt
		if at.IsZero() {
			at = model.ExpiryFor(s.CreatedAt, window)
		}
		if !at.After(now) {
			found = append(found, due{sig: cloneSignal(s), at: at})
		}
	}
	m.mu.RUnlock()

	sort.Slice(found, func(i, j int) bool {
		if !found[i].at.Equal(found[j].at) {
			return found[i].at.Before(found[j].at)
		}
		return found[i].sig.ID < found[j].sig.ID
	})
	if limit > 0 && len(found) > limit {
		found = found[:limit]
	}
	out := make([]model.Signal, len(found))
	for i, d := range found {
		out[i] = d.sig
	}
	return out, nil
}

// DeleteSignals implements Store. Unknown ids are skipped.
func (m *MemoryStore) DeleteSignals(ctx context.Context, ids []string) (int, error) {
	cells := make(map[string]struct{})
	deleted := 0
	m.mu.Lock()
	for _, id := range ids {
		s, ok := m.signals[id]
		if !ok {
			continue
		}
		delete(m.signals, id)
		deleted++
		if s.GridID != "" {
			cells[s.GridID] = struct{}{}
		}
	}
	m.mu.Unlock()

	if deleted > 0 {
		m.announce(ctx, changefeed.Change{Collection: changefeed.Signals, Op: changefeed.OpPurge, GridIDs: sortedKeys(cells)})
	}
	return deleted, nil
}

// UpsertResource implements Store. Empty type and availability keep the
// stored values; the capacity score is always taken from r.
func (m *MemoryStore) UpsertResource(ctx context.Context, r model.Resource) (model.Resource, error) {
	if r.ID == "" {
		return model.Resource{}, fmt.Errorf("resource id: %w", model.ErrMissingField)
	}
	r.UpdatedAt = m.now()

	m.mu.Lock()
	op := changefeed.OpCreate
	if cur, ok := m.resources[r.ID]; ok {
		op = changefeed.OpUpdate
		r = mergeResource(cur, r)
	}
	m.resources[r.ID] = r
	m.mu.Unlock()

	m.announce(ctx, changefeed.Change{Collection: changefeed.Resources, Op: op, ID: r.ID})
	return r, nil
}

func mergeResource(cur, in model.Resource) model.Resource {
	if in.ResourceType == "" {
		in.ResourceType = cur.ResourceType
	}
	if in.Availability == "" {
		in.Availability = cur.Availability
	}
	return in
}

// ListResources implements Store, ordered by id.
func (m *MemoryStore) ListResources(_ context.Context) ([]model.Resource, error) {
	m.mu.RLock()
	out := make([]model.Resource, 0, len(m.resources))
	for _, r := range m.resources {
		out = append(out, r)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// AppendLog implements Store.
func (m *MemoryStore) AppendLog(ctx context.Context, l model.OutreachLog) (model.OutreachLog, error) {
	if l.ID == "" {
		l.ID = m.newID(LogIDPrefix)
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = m.now()
	}
	m.mu.Lock()
	if _, ok := m.logs[l.ID]; ok {
		m.mu.Unlock()
		return model.OutreachLog{}, fmt.Errorf("log %s already exists", l.ID)
	}
	m.logs[l.ID] = l
	m.mu.Unlock()

	m.announce(ctx, changefeed.Change{Collection: changefeed.Logs, Op: changefeed.OpCreate, ID: l.ID, GridID: l.GridID})
	return l, nil
}

// ListLogs implements Store, ordered by creation time then id.
func (m *MemoryStore) ListLogs(_ context.Context) ([]model.OutreachLog, error) {
	m.mu.RLock()
	out := make([]model.OutreachLog, 0, len(m.logs))
	for _, l := range m.logs {
		out = append(out, l)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// PutAggregate implements Store.
func (m *MemoryStore) PutAggregate(ctx context.Context, a model.Aggregate) error {
	m.mu.Lock()
	m.aggregates[a.CellID] = a
	m.mu.Unlock()

	m.announce(ctx, changefeed.Change{Collection: changefeed.Aggregates, Op: changefeed.OpUpdate, ID: a.CellID, GridID: a.CellID})
	return nil
}

// GetAggregate implements Store.
func (m *MemoryStore) GetAggregate(_ context.Context, cellID string) (model.Aggregate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.aggregates[cellID]
	if !ok {
		return model.Aggregate{}, fmt.Errorf("aggregate %s: %w", cellID, ErrNotFound)
	}
	return a, nil
}

// ListAggregates implements Store, ordered by cell id.
func (m *MemoryStore) ListAggregates(_ context.Context) ([]model.Aggregate, error) {
	m.mu.RLock()
	out := make([]model.Aggregate, 0, len(m.aggregates))
	for _, a := range m.aggregates {
		out = append(out, a)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CellID < out[j].CellID })
	return out, nil
}

// PutMetrics implements Store.
func (m *MemoryStore) PutMetrics(ctx context.Context, s model.MetricsSummary) error {
	m.mu.Lock()
	m.metrics = &s
	m.mu.Unlock()

	m.announce(ctx, changefeed.Change{Collection: changefeed.Metrics, Op: changefeed.OpUpdate})
	return nil
}

// GetMetrics implements Store.
func (m *MemoryStore) GetMetrics(_ context.Context) (model.MetricsSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.metrics == nil {
		return model.MetricsSummary{}, fmt.Errorf("metrics: %w", ErrNotFound)
	}
	return *m.metrics, nil
}

// Close implements Store.
func (m *MemoryStore) Close() error { return nil }

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
