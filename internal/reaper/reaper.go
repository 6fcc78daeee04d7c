// Package reaper deletes expired signals in batches and refreshes the cells
// they belonged to.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/okian/outreachops/internal/adapters/repository"
	"github.com/okian/outreachops/internal/domain/model"
	"github.com/okian/outreachops/pkg/logger"
	"github.com/okian/outreachops/pkg/metrics"
)

// Defaults.
const (
	DefaultBatchSize  = 400
	DefaultMaxBatches = 1000
	DefaultWindow     = 7 * 24 * time.Hour
	Trigger           = "daily_timer"
)

// Recomputer refreshes derived records after a purge.
type Recomputer interface {
	RecomputeCells(ctx context.Context, ids []string, trigger string) error
	RecomputeMetrics(ctx context.Context, trigger string) (model.MetricsSummary, error)
}

// Report summarises one reaper run.
type Report struct {
	Batches []int
	Cells   []string
	Deleted int
	CapHit  bool
}

// Reaper runs the expiry sweep.
type Reaper struct {
	store      repository.Store
	recompute  Recomputer
	now        func() time.Time
	log        logger.Logger
	window     time.Duration
	batchSize  int
	maxBatches int
}

// New creates a reaper.
func New(store repository.Store, recompute Recomputer, opts ...Option) *Reaper {
	r := &Reaper{
		store:      store,
		recompute:  recompute,
		now:        time.Now,
		window:     DefaultWindow,
		batchSize:  DefaultBatchSize,
		maxBatches: DefaultMaxBatches,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = logger.Get().Named("reaper")
	}
	return r
}

// Run deletes expired signals batch by batch. A signal whose expiry was never
// stamped is due one window after its creation. until a batch comes back short
// or the batch cap is reached. Every cell touched by any batch is then
// recomputed once, followed by one metrics recompute. A failing batch stops
// the sweep but the cells already touched are still refreshed.
func (r *Reaper) Run(ctx context.Context) (Report, error) {
	var (
		report  Report
		errs    []error
		touched = make(map[string]struct{})
		now     = r.now()
	)

	for {
		if len(report.Batches) >= r.maxBatches {
			report.CapHit = true
			metrics.RecordReaperCapHit()
			r.log.Warn(ctx, "reaper batch cap reached",
				logger.Int("batches", len(report.Batches)),
				logger.Int("deleted", report.Deleted))
			break
		}

		expired, err := r.store.ExpiredSignals(ctx, now, r.window, r.batchSize)
		if err != nil {
			errs = append(errs, fmt.Errorf("batch %d: query: %w", len(report.Batches)+1, err))
			break
		}
		if len(expired) == 0 {
			break
		}

		ids := make([]string, len(expired))
		for i, s := range expired {
			ids[i] = s.ID
		}
		deleted, err := r.store.DeleteSignals(ctx, ids)
		if err != nil {
			errs = append(errs, fmt.Errorf("batch %d: delete: %w", len(report.Batches)+1, err))
			break
		}
		for _, s := range expired {
			if s.GridID != "" {
				touched[s.GridID] = struct{}{}
			}
		}
		report.Batches = append(report.Batches, deleted)
		report.Deleted += deleted
		metrics.RecordReaperRound(deleted)
		r.log.Debug(ctx, "reaper batch deleted",
			logger.Int("batch", len(report.Batches)),
			logger.Int("deleted", deleted))

		if len(expired) < r.batchSize {
			break
		}
	}

	report.Cells = make([]string, 0, len(touched))
	for id := range touched {
		report.Cells = append(report.Cells, id)
	}
	sort.Strings(report.Cells)
	metrics.UpdateReaperCellsTouched(len(report.Cells))

	if len(report.Cells) > 0 {
		if err := r.recompute.RecomputeCells(ctx, report.Cells, Trigger); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := r.recompute.RecomputeMetrics(ctx, Trigger); err != nil {
		errs = append(errs, err)
	}

	r.log.Info(ctx, "reaper run finished",
		logger.Int("batches", len(report.Batches)),
		logger.Int("deleted", report.Deleted),
		logger.Int("cells", len(report.Cells)),
		logger.Bool("cap_hit", report.CapHit))

	return report, errors.Join(errs...)
}
