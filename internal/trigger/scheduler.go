package trigger

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/okian/outreachops/internal/adapters/mq/queue"
	"github.com/okian/outreachops/pkg/logger"
)

// DefaultSchedule runs the sweep daily at 03:00.
const DefaultSchedule = "0 3 * * *"

// Scheduler enqueues the daily sweep on a cron schedule.
type Scheduler struct {
	cron  *cron.Cron
	queue queue.Queue
	spec  string
	log   logger.Logger
}

// NewScheduler parses spec, a standard five-field cron expression.
func NewScheduler(spec string, q queue.Queue, opts ...SchedulerOption) (*Scheduler, error) {
	if spec == "" {
		spec = DefaultSchedule
	}
	s := &Scheduler{queue: q, spec: spec}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.Get().Named("scheduler")
	}
	if s.cron == nil {
		s.cron = cron.New()
	}

	if _, err := s.cron.AddFunc(spec, s.Fire); err != nil {
		return nil, fmt.Errorf("%w %q: %w", ErrInvalidSchedule, spec, err)
	}
	return s, nil
}

// Fire enqueues one daily-timer trigger.
func (s *Scheduler) Fire() {
	ctx := context.Background()
	if !s.queue.Enqueue(ctx, queue.Trigger{Kind: queue.KindDailyTimer, At: time.Now()}) {
		s.log.Warn(ctx, "daily sweep not enqueued")
		return
	}
	s.log.Info(ctx, "daily sweep enqueued")
}

// Next returns the next scheduled run, zero before Start.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// Start runs the cron loop in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info(context.Background(), "scheduler started", logger.String("schedule", s.spec))
}

// Stop halts the cron loop and waits for a running job, or ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info(ctx, "scheduler stopped")
}
