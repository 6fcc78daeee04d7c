// Package aggregation recomputes per-cell aggregates and the metrics summary
// from the records currently visible in the store.
//
// Every recompute reads current state and overwrites the derived record, so
// calls are idempotent and overlapping triggers converge on the last write.
package aggregation

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/okian/outreachops/internal/adapters/repository"
	"github.com/okian/outreachops/internal/domain/model"
	"github.com/okian/outreachops/internal/domain/scoring"
	"github.com/okian/outreachops/pkg/logger"
	"github.com/okian/outreachops/pkg/metrics"
)

// Recompute scopes reported to metrics.
const (
	ScopeCell    = "cell"
	ScopeAll     = "all"
	ScopeMetrics = "metrics"
)

// Catalog lists the known cell identifiers.
type Catalog interface {
	IDs() []string
	Contains(id string) bool
}

// Pipeline owns the recompute operations.
type Pipeline struct {
	store       repository.Store
	scorer      *scoring.Scorer
	catalog     Catalog
	now         func() time.Time
	log         logger.Logger
	parallelism int
}

// New creates a pipeline over store.
func New(store repository.Store, scorer *scoring.Scorer, catalog Catalog, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:       store,
		scorer:      scorer,
		catalog:     catalog,
		now:         time.Now,
		parallelism: runtime.NumCPU(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.log == nil {
		p.log = logger.Get().Named("pipeline")
	}
	return p
}

// Scorer returns the scorer the pipeline applies.
func (p *Pipeline) Scorer() *scoring.Scorer { return p.scorer }

// RecomputeCell derives the aggregate of cellID from the signals created
// inside the window and all resources, and stores it.
func (p *Pipeline) RecomputeCell(ctx context.Context, cellID, trigger string) (model.Aggregate, error) {
	start := time.Now()
	agg, err := p.recomputeCell(ctx, cellID)
	if err != nil {
		metrics.RecordRecomputeError(ScopeCell)
		return model.Aggregate{}, err
	}
	metrics.RecordRecompute(trigger, ScopeCell, float64(time.Since(start).Milliseconds()))
	return agg, nil
}

func (p *Pipeline) recomputeCell(ctx context.Context, cellID string) (model.Aggregate, error) {
	if !p.catalog.Contains(cellID) {
		return model.Aggregate{}, fmt.Errorf("%w: %s", ErrUnknownCell, cellID)
	}
	now := p.now()
	signals, err := p.store.ListSignals(ctx, repository.SignalQuery{GridID: cellID, Since: p.scorer.WindowStart(now)})
	if err != nil {
		return model.Aggregate{}, fmt.Errorf("cell %s: list signals: %w", cellID, err)
	}
	resources, err := p.store.ListResources(ctx)
	if err != nil {
		return model.Aggregate{}, fmt.Errorf("cell %s: list resources: %w", cellID, err)
	}
	agg := p.scorer.ComputeCell(cellID, signals, resources, now)
	if err := p.store.PutAggregate(ctx, agg); err != nil {
		return model.Aggregate{}, fmt.Errorf("cell %s: put aggregate: %w", cellID, err)
	}
	return agg, nil
}

// RecomputeCells recomputes ids concurrently. A failing cell does not stop
// the others; every failure is logged and the joined error is returned
// after all cells have finished.
func (p *Pipeline) RecomputeCells(ctx context.Context, ids []string, trigger string) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	semaphore := make(chan struct{}, p.parallelism)
	for _, id := range ids {
		wg.Add(1)
		semaphore <- struct{}{}
		go func(cellID string) {
			defer wg.Done()
			defer func() { <-semaphore }()

			if _, err := p.RecomputeCell(ctx, cellID, trigger); err != nil {
				p.log.Error(ctx, "cell recompute failed",
					logger.String("cell", cellID),
					logger.String("trigger", trigger),
					logger.Error(err),
				)
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// RecomputeAll recomputes every catalog cell and refreshes the surface gauges.
func (p *Pipeline) RecomputeAll(ctx context.Context, trigger string) error {
	start := time.Now()
	err := p.RecomputeCells(ctx, p.catalog.IDs(), trigger)
	if err != nil {
		metrics.RecordRecomputeError(ScopeAll)
	} else {
		metrics.RecordRecompute(trigger, ScopeAll, float64(time.Since(start).Milliseconds()))
	}
	p.refreshSurfaceGauges(ctx)
	return err
}

// Surface builds the banded surface from the stored aggregates.
func (p *Pipeline) Surface(ctx context.Context) (scoring.Surface, error) {
	aggs, err := p.store.ListAggregates(ctx)
	if err != nil {
		return scoring.Surface{}, fmt.Errorf("list aggregates: %w", err)
	}
	return scoring.BuildSurface(aggs), nil
}

func (p *Pipeline) refreshSurfaceGauges(ctx context.Context) {
	surface, err := p.Surface(ctx)
	if err != nil {
		p.log.Warn(ctx, "surface gauges not refreshed", logger.Error(err))
		return
	}
	metrics.UpdateSurfaceFlags(surface.Counts())
}

// RecomputeMetrics derives the metrics summary from open signals and all
// outreach logs and stores it.
func (p *Pipeline) RecomputeMetrics(ctx context.Context, trigger string) (model.MetricsSummary, error) {
	start := time.Now()
	summary, err := p.recomputeMetrics(ctx)
	if err != nil {
		metrics.RecordRecomputeError(ScopeMetrics)
		return model.MetricsSummary{}, err
	}
	metrics.RecordRecompute(trigger, ScopeMetrics, float64(time.Since(start).Milliseconds()))
	metrics.UpdateResponseMetrics(summary.Backlog, summary.AvgResponseMinutes)
	return summary, nil
}

func (p *Pipeline) recomputeMetrics(ctx context.Context) (model.MetricsSummary, error) {
	signals, err := p.store.ListSignals(ctx, repository.SignalQuery{OpenOnly: true})
	if err != nil {
		return model.MetricsSummary{}, fmt.Errorf("metrics: list signals: %w", err)
	}
	logs, err := p.store.ListLogs(ctx)
	if err != nil {
		return model.MetricsSummary{}, fmt.Errorf("metrics: list logs: %w", err)
	}
	summary := scoring.ComputeMetrics(signals, logs, p.now())
	if err := p.store.PutMetrics(ctx, summary); err != nil {
		return model.MetricsSummary{}, fmt.Errorf("metrics: put: %w", err)
	}
	return summary, nil
}
