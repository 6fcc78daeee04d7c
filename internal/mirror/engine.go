// Package mirror reproduces the aggregation pipeline's output from live
// store streams for the presentation layer, and serves a fixed seed when
// the backend cannot be used.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/okian/outreachops/internal/adapters/changefeed"
	"github.com/okian/outreachops/internal/adapters/repository"
	"github.com/okian/outreachops/internal/domain/model"
	"github.com/okian/outreachops/internal/domain/scoring"
	"github.com/okian/outreachops/pkg/logger"
	"github.com/okian/outreachops/pkg/metrics"
)

// Store is the part of the record store the engine reads and writes.
type Store interface {
	ListSignals(ctx context.Context, q repository.SignalQuery) ([]model.Signal, error)
	ListResources(ctx context.Context) ([]model.Resource, error)
	ListLogs(ctx context.Context) ([]model.OutreachLog, error)
	ListAggregates(ctx context.Context) ([]model.Aggregate, error)
	GetMetrics(ctx context.Context) (model.MetricsSummary, error)

	CreateSignal(ctx context.Context, s model.Signal) (model.Signal, error)
	UpsertResource(ctx context.Context, r model.Resource) (model.Resource, error)
	AppendLog(ctx context.Context, l model.OutreachLog) (model.OutreachLog, error)
}

// Catalog lists the grid cells.
type Catalog interface {
	IDs() []string
	Contains(id string) bool
}

// Local id prefixes of optimistic records.
const (
	localSignalPrefix = "s_local_"
	localLogPrefix    = "l_local_"
)

// Reconnect backoff defaults.
const (
	DefaultReconnectMin = time.Second
	DefaultReconnectMax = 30 * time.Second
)

// streamSet is the group of subscriptions of one live session. It is
// always closed as a whole.
type streamSet struct {
	cancel context.CancelFunc
	subs   []changefeed.Subscription
	once   sync.Once
}

func (s *streamSet) close() {
	s.once.Do(func() {
		s.cancel()
		for _, sub := range s.subs {
			_ = sub.Close()
		}
	})
}

// Engine is the client mirror.
type Engine struct {
	store    Store
	feed     changefeed.Subscriber
	scorer   *scoring.Scorer
	catalog  Catalog
	dataMode DataMode
	session  string
	seed     Seed
	sink     Sink
	now      func() time.Time
	newID    func(prefix string) string
	log      logger.Logger

	retryMin time.Duration
	retryMax time.Duration

	mu         sync.Mutex
	mode       Mode
	banner     string
	streams    *streamSet
	base       context.Context
	quit       chan struct{}
	pinned     bool
	recovering bool
	signals    []model.Signal
	resources  []model.Resource
	logs       []model.OutreachLog
	aggregates map[string]model.Aggregate
	summary    model.MetricsSummary

	pendingSignals   []model.Signal
	pendingResources []model.Resource
	pendingLogs      []model.OutreachLog

	wg sync.WaitGroup
}

// New creates an engine. It serves nothing until Start.
func New(store Store, feed changefeed.Subscriber, scorer *scoring.Scorer, catalog Catalog, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		feed:       feed,
		scorer:     scorer,
		catalog:    catalog,
		dataMode:   DataRaw,
		session:    "local",
		now:        time.Now,
		newID:      func(prefix string) string { return prefix + uuid.NewString() },
		mode:       ModeLive,
		aggregates: make(map[string]model.Aggregate),
		retryMin:   DefaultReconnectMin,
		retryMax:   DefaultReconnectMax,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.retryMax < e.retryMin {
		e.retryMax = e.retryMin
	}
	if e.seed.Resources == nil && e.seed.Aggregates == nil {
		e.seed = DefaultSeed()
	}
	if e.log == nil {
		e.log = logger.Get().Named("mirror")
	}
	return e
}

func (e *Engine) collections() []changefeed.Collection {
	if e.dataMode == DataAggregates {
		return []changefeed.Collection{changefeed.Aggregates, changefeed.Resources, changefeed.Metrics}
	}
	return []changefeed.Collection{changefeed.Signals, changefeed.Resources, changefeed.Logs}
}

// Start opens one subscription per mirrored stream, loads the current
// state and publishes the first snapshot. Without a session, or when the
// backend is unreachable, the engine starts degraded and Start returns nil.
// An unreachable backend is retried in the background until Stop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.streams != nil {
		e.mu.Unlock()
		return ErrStarted
	}
	if e.quit == nil {
		e.quit = make(chan struct{})
		e.base = ctx
	}
	e.pinned = false
	if e.session == "" {
		e.enterDegradedLocked(BannerLocalData)
		e.publishLocked()
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()
	return e.connect(ctx)
}

// Resume leaves the seed and reconnects to the backend with the context
// the engine was started with. It returns ErrDegraded when the backend is
// still unreachable, and does nothing when the engine is already live.
func (e *Engine) Resume(ctx context.Context) error {
	e.mu.Lock()
	switch {
	case e.session == "":
		e.mu.Unlock()
		return ErrNoSession
	case e.quit == nil:
		e.mu.Unlock()
		return ErrNotStarted
	case e.streams != nil:
		e.mu.Unlock()
		return nil
	}
	e.pinned = false
	base := e.base
	e.mu.Unlock()

	if err := e.connect(base); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.streams == nil || e.mode != ModeLive {
		return ErrDegraded
	}
	e.log.Info(ctx, "mirror resumed")
	return nil
}

// connect opens and loads a new live session.
func (e *Engine) connect(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	set := &streamSet{cancel: cancel}
	collections := e.collections()
	for _, c := range collections {
		sub, err := e.feed.Subscribe(runCtx, "mirror-"+e.session+"-"+string(c), c)
		if err != nil {
			set.close()
			if e.fail(c, err) {
				return nil
			}
			return fmt.Errorf("mirror subscribe %s: %w", c, err)
		}
		set.subs = append(set.subs, sub)
	}

	e.mu.Lock()
	if e.quit == nil || e.streams != nil {
		e.mu.Unlock()
		set.close()
		return nil
	}
	e.streams = set
	e.mode = ModeLive
	e.banner = ""
	e.aggregates = make(map[string]model.Aggregate)
	e.signals, e.resources, e.logs, e.summary = nil, nil, nil, model.MetricsSummary{}
	e.pendingSignals, e.pendingResources, e.pendingLogs = nil, nil, nil
	e.mu.Unlock()
	metrics.UpdateMirrorDegraded(false)

	for _, c := range collections {
		if err := e.load(runCtx, set, c); err != nil {
			if e.fail(c, err) {
				return nil
			}
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.streams != set {
		return nil
	}
	for i, c := range collections {
		e.wg.Add(1)
		go e.consume(runCtx, set, c, set.subs[i])
	}
	e.publishLocked()
	e.log.Info(ctx, "mirror started",
		logger.String("mode", string(e.mode)),
		logger.String("data", string(e.dataMode)))
	return nil
}

// Stop closes every subscription together and waits for the consumers and
// any pending reconnect.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.quit != nil {
		close(e.quit)
		e.quit = nil
	}
	if e.streams != nil {
		e.streams.close()
		e.streams = nil
	}
	e.mu.Unlock()
	e.wg.Wait()
}

// consume is the single consumer loop of one stream: every notification
// re-reads that stream and republishes the whole snapshot.
func (e *Engine) consume(ctx context.Context, set *streamSet, c changefeed.Collection, sub changefeed.Subscription) {
	defer e.wg.Done()
	for {
		_, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, changefeed.ErrClosed) {
				return
			}
			if errors.Is(err, changefeed.ErrDecode) {
				e.log.Warn(ctx, "skipping malformed change", logger.String("stream", string(c)), logger.Error(err))
				continue
			}
			e.fail(c, err)
			return
		}

		if err := e.load(ctx, set, c); err != nil {
			if ctx.Err() != nil {
				return
			}
			if e.fail(c, err) {
				return
			}
			continue
		}

		e.mu.Lock()
		if e.streams == set {
			e.publishLocked()
		}
		e.mu.Unlock()
	}
}

// load re-reads one stream. Results of a torn down session are discarded.
func (e *Engine) load(ctx context.Context, set *streamSet, c changefeed.Collection) error {
	var apply func()
	switch c {
	case changefeed.Signals:
		signals, err := e.store.ListSignals(ctx, repository.SignalQuery{})
		if err != nil {
			return err
		}
		apply = func() { e.signals = signals }
	case changefeed.Resources:
		resources, err := e.store.ListResources(ctx)
		if err != nil {
			return err
		}
		apply = func() { e.resources = resources }
	case changefeed.Logs:
		logs, err := e.store.ListLogs(ctx)
		if err != nil {
			return err
		}
		apply = func() { e.logs = logs }
	case changefeed.Aggregates:
		aggs, err := e.store.ListAggregates(ctx)
		if err != nil {
			return err
		}
		apply = func() {
			e.aggregates = make(map[string]model.Aggregate, len(aggs))
			for _, a := range aggs {
				e.aggregates[a.CellID] = a
			}
		}
	case changefeed.Metrics:
		summary, err := e.store.GetMetrics(ctx)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return err
		}
		apply = func() { e.summary = summary }
	default:
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.streams == set {
		apply()
	}
	return nil
}

// fail applies the mode transition of a stream error. It reports whether
// the live session was torn down.
func (e *Engine) fail(c changefeed.Collection, err error) bool {
	class := repository.Classify(err)
	metrics.RecordMirrorReadError(string(c), class.String())

	e.mu.Lock()
	defer e.mu.Unlock()

	stopped := false
	switch class {
	case repository.ClassTransient:
		e.enterDegradedLocked(bannerUnavailable(string(c)))
		e.recoverLocked()
		stopped = true
	case repository.ClassPermission:
		e.banner = BannerReadBlocked
	default:
		e.banner = bannerListenerError(string(c))
	}
	e.publishLocked()
	e.log.Warn(context.Background(), "mirror stream error",
		logger.String("stream", string(c)),
		logger.String("class", class.String()),
		logger.String("mode", string(e.mode)),
		logger.Error(err))
	return stopped
}

// enterDegradedLocked switches to the seed. Pending local writes are kept.
func (e *Engine) enterDegradedLocked(banner string) {
	if e.streams != nil {
		e.streams.close()
		e.streams = nil
	}
	seed := e.seed.clone()
	e.mode = ModeDegraded
	e.banner = banner
	e.signals = nil
	e.logs = nil
	e.resources = seed.Resources
	e.aggregates = make(map[string]model.Aggregate, len(seed.Aggregates))
	for _, a := range seed.Aggregates {
		e.aggregates[a.CellID] = a
	}
	e.summary = seed.Metrics
	metrics.UpdateMirrorDegraded(true)
	e.log.Info(context.Background(), "mirror degraded", logger.String("banner", banner))
}

// recoverLocked schedules background reconnects after a transient failure.
// Nothing is scheduled once stopped, while the seed is pinned by ResetSeed,
// or without a session.
func (e *Engine) recoverLocked() {
	if e.recovering || e.quit == nil || e.pinned || e.session == "" {
		return
	}
	e.recovering = true
	e.wg.Add(1)
	go e.reconnect(e.quit)
}

// reconnect retries connect with a doubling wait until a live session
// holds, the seed is pinned or the engine stops.
func (e *Engine) reconnect(quit <-chan struct{}) {
	defer e.wg.Done()
	wait := e.retryMin
	for attempt := 1; ; attempt++ {
		t := time.NewTimer(wait)
		select {
		case <-quit:
			t.Stop()
			e.mu.Lock()
			e.recovering = false
			e.mu.Unlock()
			return
		case <-t.C:
		}

		e.mu.Lock()
		base := e.base
		if e.pinned || e.quit == nil || e.streams != nil || base.Err() != nil {
			e.recovering = false
			e.mu.Unlock()
			return
		}
		e.mu.Unlock()

		metrics.RecordMirrorReconnect()
		if err := e.connect(base); err != nil {
			e.log.Warn(base, "mirror reconnect failed", logger.Int("attempt", attempt), logger.Error(err))
		}

		e.mu.Lock()
		if e.streams != nil && e.mode == ModeLive {
			e.recovering = false
			e.mu.Unlock()
			e.log.Info(base, "mirror reconnected", logger.Int("attempt", attempt))
			return
		}
		e.mu.Unlock()
		wait = min(2*wait, e.retryMax)
	}
}

// ResetSeed drops live data and local writes and serves a fresh seed. The
// seed stays until Resume.
func (e *Engine) ResetSeed() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pinned = true
	e.pendingSignals, e.pendingResources, e.pendingLogs = nil, nil, nil
	e.enterDegradedLocked(BannerLocalData)
	return e.publishLocked()
}

// Mode returns the current mode.
func (e *Engine) Mode() Mode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

// DataMode returns which streams the engine mirrors when live.
func (e *Engine) DataMode() DataMode { return e.dataMode }

// Snapshot derives the current snapshot.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.buildLocked()
}

func (e *Engine) publishLocked() Snapshot {
	snap := e.buildLocked()
	if e.sink != nil {
		e.sink.Publish(snap)
	}
	metrics.RecordMirrorSnapshot()
	return snap
}

// SubmitSignal shows s immediately and, when live, writes it to the store.
// A failed write withdraws the local record; a transient failure also
// switches the engine to degraded mode.
func (e *Engine) SubmitSignal(ctx context.Context, s model.Signal) (model.Signal, error) {
	if c, ok := model.ParseSourceClass(string(s.SourceType)); ok {
		s.SourceType = c
	}
	s.Status = model.StatusOpen
	if s.CreatedAt.IsZero() {
		s.CreatedAt = e.now()
	}
	if err := s.Validate(e.catalog); err != nil {
		return model.Signal{}, err
	}

	e.mu.Lock()
	local := s
	if local.ID == "" {
		local.ID = e.newID(localSignalPrefix)
	}
	e.pendingSignals = append(e.pendingSignals, local)
	live := e.mode == ModeLive
	e.publishLocked()
	e.mu.Unlock()
	if !live {
		return local, nil
	}

	stored, err := e.store.CreateSignal(ctx, s)

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		e.pendingSignals = dropSignal(e.pendingSignals, local.ID)
		e.writeFailedLocked("signals", err)
		return model.Signal{}, fmt.Errorf("submit signal: %w", err)
	}
	for i := range e.pendingSignals {
		if e.pendingSignals[i].ID == local.ID {
			e.pendingSignals[i].ID = stored.ID
		}
	}
	e.publishLocked()
	return stored, nil
}

// UpsertResource shows r immediately and, when live, upserts it.
func (e *Engine) UpsertResource(ctx context.Context, r model.Resource) (model.Resource, error) {
	if err := r.Validate(); err != nil {
		return model.Resource{}, err
	}
	r.UpdatedAt = e.now()

	e.mu.Lock()
	e.pendingResources = append(dropResource(e.pendingResources, r.ID), r)
	live := e.mode == ModeLive
	e.publishLocked()
	e.mu.Unlock()
	if !live {
		return r, nil
	}

	stored, err := e.store.UpsertResource(ctx, r)

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		e.pendingResources = dropResource(e.pendingResources, r.ID)
		e.writeFailedLocked("resources", err)
		return model.Resource{}, fmt.Errorf("upsert resource: %w", err)
	}
	e.publishLocked()
	return stored, nil
}

// SaveLog shows l immediately and, when live, appends it.
func (e *Engine) SaveLog(ctx context.Context, l model.OutreachLog) (model.OutreachLog, error) {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = e.now()
	}
	if err := l.Validate(e.catalog); err != nil {
		return model.OutreachLog{}, err
	}

	e.mu.Lock()
	local := l
	if local.ID == "" {
		local.ID = e.newID(localLogPrefix)
	}
	e.pendingLogs = append(e.pendingLogs, local)
	live := e.mode == ModeLive
	e.publishLocked()
	e.mu.Unlock()
	if !live {
		return local, nil
	}

	stored, err := e.store.AppendLog(ctx, l)

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		e.pendingLogs = dropLog(e.pendingLogs, local.ID)
		e.writeFailedLocked("logs", err)
		return model.OutreachLog{}, fmt.Errorf("save log: %w", err)
	}
	for i := range e.pendingLogs {
		if e.pendingLogs[i].ID == local.ID {
			e.pendingLogs[i].ID = stored.ID
		}
	}
	e.publishLocked()
	return stored, nil
}

func (e *Engine) writeFailedLocked(stream string, err error) {
	class := repository.Classify(err)
	metrics.RecordMirrorReadError(stream, class.String())
	switch class {
	case repository.ClassTransient:
		if e.mode == ModeLive {
			e.enterDegradedLocked(bannerUnavailable(stream))
			e.recoverLocked()
		}
	case repository.ClassPermission:
		e.banner = BannerReadBlocked
	}
	e.publishLocked()
}

// reconcileLocked drops pending writes the live state already reflects.
func (e *Engine) reconcileLocked() {
	if e.mode != ModeLive {
		return
	}

	e.pendingResources = filter(e.pendingResources, func(p model.Resource) bool {
		for _, r := range e.resources {
			if r.ID == p.ID && !r.UpdatedAt.Before(p.UpdatedAt) {
				return false
			}
		}
		return true
	})

	if e.dataMode == DataAggregates {
		e.pendingSignals = filter(e.pendingSignals, func(p model.Signal) bool {
			a, ok := e.aggregates[p.GridID]
			return !ok || a.UpdatedAt.Before(p.CreatedAt)
		})
		e.pendingLogs = filter(e.pendingLogs, func(p model.OutreachLog) bool {
			return e.summary.UpdatedAt.Before(p.CreatedAt)
		})
		return
	}

	seen := make(map[string]struct{}, len(e.signals)+len(e.logs))
	for _, s := range e.signals {
		seen[s.ID] = struct{}{}
	}
	for _, l := range e.logs {
		seen[l.ID] = struct{}{}
	}
	e.pendingSignals = filter(e.pendingSignals, func(p model.Signal) bool {
		_, ok := seen[p.ID]
		return !ok
	})
	e.pendingLogs = filter(e.pendingLogs, func(p model.OutreachLog) bool {
		_, ok := seen[p.ID]
		return !ok
	})
}

// buildLocked derives the snapshot with the same scoring functions as the
// server pipeline.
func (e *Engine) buildLocked() Snapshot {
	e.reconcileLocked()
	now := e.now()
	resources := mergeResources(e.resources, e.pendingResources)
	ids := e.catalog.IDs()

	var (
		aggs    []model.Aggregate
		summary model.MetricsSummary
	)
	if e.mode == ModeLive && e.dataMode == DataRaw {
		signals := append(append(make([]model.Signal, 0, len(e.signals)+len(e.pendingSignals)), e.signals...), e.pendingSignals...)
		logs := append(append(make([]model.OutreachLog, 0, len(e.logs)+len(e.pendingLogs)), e.logs...), e.pendingLogs...)
		aggs = e.scorer.ComputeAll(ids, signals, resources, now)
		summary = scoring.ComputeMetrics(signals, logs, now)
	} else {
		capacity := scoring.CapacityScore(resources)
		aggs = make([]model.Aggregate, len(ids))
		for i, id := range ids {
			base, ok := e.aggregates[id]
			if !ok {
				base = model.Aggregate{CellID: id}
			}
			aggs[i] = e.scorer.Overlay(base, e.pendingSignals, capacity, now)
		}
		summary = e.summary
		summary.Backlog += len(e.pendingSignals)
	}

	return Snapshot{
		Surface:   scoring.BuildSurface(aggs),
		Mode:      e.mode,
		Banner:    e.banner,
		Metrics:   summary,
		Resources: resources,
		Pending: Pending{
			Signals:   len(e.pendingSignals),
			Resources: len(e.pendingResources),
			Logs:      len(e.pendingLogs),
		},
		GeneratedAt: now,
	}
}

func mergeResources(live, pending []model.Resource) []model.Resource {
	byID := make(map[string]model.Resource, len(live)+len(pending))
	for _, r := range live {
		byID[r.ID] = r
	}
	for _, r := range pending {
		byID[r.ID] = r
	}
	out := make([]model.Resource, 0, len(byID))
	for _, r := range byID {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func filter[T any](in []T, keep func(T) bool) []T {
	out := in[:0]
	for _, v := range in {
		if keep(v) {
			out = append(out, v)
		}
	}
	return out
}

func dropSignal(in []model.Signal, id string) []model.Signal {
	return filter(in, func(s model.Signal) bool { return s.ID != id })
}

func dropResource(in []model.Resource, id string) []model.Resource {
	return filter(in, func(r model.Resource) bool { return r.ID != id })
}

func dropLog(in []model.OutreachLog, id string) []model.OutreachLog {
	return filter(in, func(l model.OutreachLog) bool { return l.ID != id })
}
