// Package service wires the store, change feed, trigger substrate, pipeline,
// reaper, rate limiter and client mirror into the dependencies required by
// the HTTP API.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/okian/outreachops/internal/adapters/changefeed"
	"github.com/okian/outreachops/internal/adapters/mq/queue"
	"github.com/okian/outreachops/internal/adapters/mq/worker"
	"github.com/okian/outreachops/internal/adapters/repository"
	"github.com/okian/outreachops/internal/aggregation"
	"github.com/okian/outreachops/internal/config"
	"github.com/okian/outreachops/internal/domain/grid"
	"github.com/okian/outreachops/internal/domain/model"
	"github.com/okian/outreachops/internal/domain/ratelimit"
	"github.com/okian/outreachops/internal/domain/scoring"
	"github.com/okian/outreachops/internal/mirror"
	"github.com/okian/outreachops/internal/reaper"
	"github.com/okian/outreachops/internal/trigger"
	"github.com/okian/outreachops/pkg/logger"
	"github.com/okian/outreachops/pkg/metrics"
)

const (
	feedPrefix = "outreach"
	// triggerTimeout bounds one trigger, the daily reaper run included.
	triggerTimeout = 10 * time.Minute
)

// Service owns every long-running component of the process.
type Service struct {
	mu sync.RWMutex

	cfg *config.Config
	now func() time.Time

	// Core components
	catalog    *grid.Catalog
	scorer     *scoring.Scorer
	feed       changefeed.Feed
	store      repository.Store
	pipeline   *aggregation.Pipeline
	reaper     *reaper.Reaper
	handler    *trigger.Handler
	queue      *queue.InMemoryQueue
	pool       *worker.Pool
	dispatcher *trigger.Dispatcher
	scheduler  *trigger.Scheduler
	limiter    ratelimit.Limiter
	hub        *mirror.Hub
	mirror     *mirror.Engine

	// Injected backends; nil means build from config.
	injectedStore repository.Store
	injectedFeed  changefeed.Feed

	started bool

	logger logger.Logger
}

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithConfig sets the configuration. Defaults are used otherwise.
func WithConfig(cfg *config.Config) Option {
	return func(s *Service) {
		if cfg != nil {
			s.cfg = cfg
		}
	}
}

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithStore uses store instead of the configured backend. The caller keeps
// ownership of publishing: the store must announce its changes on the feed.
func WithStore(store repository.Store) Option {
	return func(s *Service) {
		s.injectedStore = store
	}
}

// WithFeed uses feed instead of the configured backend.
func WithFeed(feed changefeed.Feed) Option {
	return func(s *Service) {
		s.injectedFeed = feed
	}
}

// WithClock sets the time source of every component.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// New constructs a Service. Nothing runs until Start.
func New(opts ...Option) *Service {
	s := &Service{
		cfg: config.New(),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start builds and starts every component. On failure everything started
// so far is torn down.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	if s.logger == nil {
		s.logger = logger.Get()
	}
	if err := s.cfg.Validate(); err != nil {
		return err
	}

	s.logger.Info(ctx, "starting outreach service...")

	var err error
	s.catalog, err = grid.New(
		grid.WithDimensions(s.cfg.GridRows, s.cfg.GridCols),
		grid.WithBounds(grid.Bounds{West: s.cfg.GridWest, South: s.cfg.GridSouth, East: s.cfg.GridEast, North: s.cfg.GridNorth}),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStart, err)
	}
	s.scorer = scoring.New(
		scoring.WithWindow(s.cfg.Window()),
		scoring.WithMinSignals(s.cfg.MinSignals),
		scoring.WithEpsilon(s.cfg.Epsilon),
		scoring.WithAnomalyThreshold(s.cfg.AnomalyThreshold),
	)

	if s.feed, err = s.openFeed(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrStart, err)
	}
	if s.store, err = s.openStore(ctx); err != nil {
		_ = s.feed.Close()
		return fmt.Errorf("%w: %w", ErrStart, err)
	}

	s.pipeline = aggregation.New(s.store, s.scorer, s.catalog,
		aggregation.WithClock(s.now),
		aggregation.WithLogger(s.logger.Named("aggregation")),
	)
	s.reaper = reaper.New(s.store, s.pipeline,
		reaper.WithBatchSize(s.cfg.CleanupBatchSize),
		reaper.WithMaxBatches(s.cfg.ReaperMaxBatches),
		reaper.WithWindow(s.cfg.Window()),
		reaper.WithClock(s.now),
		reaper.WithLogger(s.logger.Named("reaper")),
	)
	s.handler = trigger.NewHandler(s.store, s.pipeline, s.reaper, s.cfg.Window(),
		trigger.WithHandlerLogger(s.logger.Named("trigger")),
	)
	s.queue = queue.NewInMemoryQueue(
		queue.WithCapacity(s.cfg.QueueSize),
	)
	s.pool = worker.NewPool(s.cfg.WorkerCount, s.queue, s.handler,
		worker.WithLogger(s.logger.Named("worker")),
		worker.WithTriggerTimeout(triggerTimeout),
	)
	s.dispatcher = trigger.NewDispatcher(s.feed, s.queue,
		trigger.WithDispatcherLogger(s.logger.Named("dispatcher")),
	)
	s.scheduler, err = trigger.NewScheduler(s.cfg.ReaperSchedule, s.queue,
		trigger.WithSchedulerLogger(s.logger.Named("scheduler")),
	)
	if err != nil {
		s.closeBackends()
		return fmt.Errorf("%w: %w", ErrStart, err)
	}
	s.limiter, err = ratelimit.New(
		ratelimit.WithCooldown(s.cfg.RateLimitCooldown),
		ratelimit.WithFile(s.cfg.RateLimitFile),
		ratelimit.WithClock(s.now),
		ratelimit.WithLogger(s.logger.Named("ratelimit")),
	)
	if err != nil {
		s.closeBackends()
		return fmt.Errorf("%w: %w", ErrStart, err)
	}
	s.hub = mirror.NewHub()
	s.mirror = mirror.New(s.store, s.feed, s.scorer, s.catalog,
		mirror.WithDataMode(mirror.DataMode(s.cfg.MirrorMode)),
		mirror.WithSession(s.cfg.MirrorSession),
		mirror.WithSink(s.hub),
		mirror.WithClock(s.now),
		mirror.WithLogger(s.logger.Named("mirror")),
	)

	s.pool.Start(ctx)
	if err := s.dispatcher.Start(ctx); err != nil {
		_ = s.pool.Shutdown(ctx)
		_ = s.limiter.Close(ctx)
		s.closeBackends()
		return fmt.Errorf("%w: %w", ErrStart, err)
	}
	s.scheduler.Start()
	if err := s.mirror.Start(ctx); err != nil {
		s.logger.Warn(ctx, "mirror did not start", logger.Error(err))
	}

	// Aggregates may be stale from a previous run.
	s.queue.Enqueue(ctx, queue.Trigger{At: s.now(), Kind: queue.KindRecompute})

	s.started = true
	metrics.UpdateWorkerCount(s.pool.Size())
	s.logger.Info(ctx, "outreach service started",
		logger.Int("workers", s.pool.Size()),
		logger.Int("queueSize", s.cfg.QueueSize),
		logger.Int("cells", s.catalog.Len()),
		logger.String("store", s.cfg.StoreBackend),
		logger.String("feed", s.cfg.FeedBackend),
		logger.String("mirror", string(s.mirror.Mode())),
	)
	return nil
}

func (s *Service) openFeed(ctx context.Context) (changefeed.Feed, error) {
	if s.injectedFeed != nil {
		return s.injectedFeed, nil
	}
	switch s.cfg.FeedBackend {
	case config.BackendRedis:
		return changefeed.NewRedisAddr(ctx, s.cfg.RedisAddr, feedPrefix)
	case config.BackendKafka:
		return changefeed.NewKafka(s.cfg.KafkaBrokers, s.cfg.KafkaTopic), nil
	default:
		return changefeed.NewMemory(), nil
	}
}

func (s *Service) openStore(ctx context.Context) (repository.Store, error) {
	if s.injectedStore != nil {
		return s.injectedStore, nil
	}
	opts := []repository.Option{
		repository.WithPublisher(s.feed),
		repository.WithClock(s.now),
		repository.WithLogger(s.logger.Named("repository")),
	}
	if s.cfg.StoreBackend == config.BackendPostgres {
		return repository.OpenPostgres(ctx, s.cfg.PostgresDSN, opts...)
	}
	return repository.NewMemoryStore(opts...), nil
}

func (s *Service) closeBackends() {
	if s.store != nil {
		_ = s.store.Close()
	}
	if s.feed != nil {
		_ = s.feed.Close()
	}
}

// Stop gracefully shuts down the service: the mirror and dispatcher first so
// no new triggers arrive, then the timer, then the workers drain the queue.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}
	s.logger.Info(ctx, "stopping outreach service...")

	s.mirror.Stop()
	s.hub.Close()
	var errs []error
	if err := s.dispatcher.Stop(); err != nil {
		errs = append(errs, err)
	}
	s.scheduler.Stop(ctx)
	if err := s.pool.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.limiter.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	s.closeBackends()

	s.started = false
	s.logger.Info(ctx, "outreach service stopped")
	return errors.Join(errs...)
}

func (s *Service) running() error {
	if !s.started {
		return ErrNotStarted
	}
	return nil
}

// SubmitSignal gates s on the session cooldown and hands it to the mirror,
// which shows it immediately and writes it to the store. A blocked
// submission returns a Decision with Allowed false and no error.
func (s *Service) SubmitSignal(ctx context.Context, session string, sig model.Signal) (model.Signal, ratelimit.Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.running(); err != nil {
		return model.Signal{}, ratelimit.Decision{}, err
	}

	d := s.limiter.CanSubmit(ctx, session)
	if !d.Allowed {
		return model.Signal{}, d, nil
	}
	stored, err := s.mirror.SubmitSignal(ctx, sig)
	if err != nil {
		s.limiter.Forget(ctx, session)
		return model.Signal{}, d, err
	}
	return stored, d, nil
}

// DeleteSignal removes a signal. The deletion trigger recomputes its cell.
func (s *Service) DeleteSignal(ctx context.Context, id string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.running(); err != nil {
		return err
	}
	_, err := s.store.DeleteSignal(ctx, id)
	return err
}

// UpsertResource creates or updates a resource through the mirror.
func (s *Service) UpsertResource(ctx context.Context, r model.Resource) (model.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.running(); err != nil {
		return model.Resource{}, err
	}
	return s.mirror.UpsertResource(ctx, r)
}

// SaveLog appends an outreach log through the mirror.
func (s *Service) SaveLog(ctx context.Context, l model.OutreachLog) (model.OutreachLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.running(); err != nil {
		return model.OutreachLog{}, err
	}
	return s.mirror.SaveLog(ctx, l)
}

// Recompute runs the on-demand full recompute synchronously.
func (s *Service) Recompute(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.running(); err != nil {
		return err
	}
	return s.handler.OnDemandRecompute(ctx)
}

// Snapshot returns the mirror's current snapshot.
func (s *Service) Snapshot(_ context.Context) (mirror.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.running(); err != nil {
		return mirror.Snapshot{}, err
	}
	return s.mirror.Snapshot(), nil
}

// Listen attaches a snapshot listener.
func (s *Service) Listen() (<-chan mirror.Snapshot, func(), error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.running(); err != nil {
		return nil, nil, err
	}
	ch, detach := s.hub.Listen()
	return ch, detach, nil
}

// ResetSeed drops local writes and switches the mirror to the seed.
func (s *Service) ResetSeed(_ context.Context) (mirror.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.running(); err != nil {
		return mirror.Snapshot{}, err
	}
	return s.mirror.ResetSeed(), nil
}

// ResumeLive switches the mirror from the seed back to the live store.
func (s *Service) ResumeLive(ctx context.Context) (mirror.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.running(); err != nil {
		return mirror.Snapshot{}, err
	}
	if err := s.mirror.Resume(ctx); err != nil {
		return s.mirror.Snapshot(), fmt.Errorf("resume mirror: %w", err)
	}
	return s.mirror.Snapshot(), nil
}

// Grid returns the catalog as GeoJSON.
func (s *Service) Grid() (grid.FeatureCollection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.running(); err != nil {
		return grid.FeatureCollection{}, err
	}
	return s.catalog.FeatureCollection(), nil
}

// GetStats returns service statistics for monitoring.
func (s *Service) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx := context.Background()
	stats := map[string]interface{}{
		"started":      s.started,
		"workerCount":  s.cfg.WorkerCount,
		"queueSize":    s.cfg.QueueSize,
		"storeBackend": s.cfg.StoreBackend,
		"feedBackend":  s.cfg.FeedBackend,
	}

	if s.started {
		queueLen := s.queue.Len(ctx)
		snap := s.mirror.Snapshot()
		anomalous, insufficient := snap.Counts()

		stats["queueLength"] = queueLen
		stats["processed"] = s.pool.Processed()
		stats["dispatched"] = s.dispatcher.Dispatched()
		stats["dropped"] = s.dispatcher.Dropped()
		stats["rateLimitKeys"] = s.limiter.Size()
		stats["nextDailyTimer"] = s.scheduler.Next()
		stats["mirrorMode"] = string(snap.Mode)
		stats["mirrorBanner"] = snap.Banner
		stats["pendingWrites"] = snap.Pending.Signals + snap.Pending.Resources + snap.Pending.Logs
		stats["anomalousCells"] = anomalous
		stats["insufficientCells"] = insufficient
		stats["backlog"] = snap.Metrics.Backlog

		metrics.UpdateQueueSize(queueLen)
		metrics.UpdateWorkerCount(s.pool.Size())
	}

	return stats
}
