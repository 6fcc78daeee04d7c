// Package trigger turns store changes and the daily timer into recompute work.
//
// The Dispatcher maps change notifications onto queue triggers, the worker
// pool feeds them to the Handler, and the Scheduler enqueues the daily sweep.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/okian/outreachops/internal/adapters/mq/queue"
	"github.com/okian/outreachops/internal/adapters/repository"
	"github.com/okian/outreachops/internal/domain/model"
	"github.com/okian/outreachops/internal/reaper"
	"github.com/okian/outreachops/pkg/logger"
)

// Pipeline is the recompute surface the handler drives.
type Pipeline interface {
	RecomputeCell(ctx context.Context, cellID, trigger string) (model.Aggregate, error)
	RecomputeAll(ctx context.Context, trigger string) error
	RecomputeMetrics(ctx context.Context, trigger string) (model.MetricsSummary, error)
}

// Sweeper runs the expiry sweep.
type Sweeper interface {
	Run(ctx context.Context) (reaper.Report, error)
}

// SignalStore is the part of the store the handler writes to.
type SignalStore interface {
	GetSignal(ctx context.Context, id string) (model.Signal, error)
	SetSignalExpiry(ctx context.Context, id string, expiresAt time.Time) error
}

// Handler executes triggers. It implements worker.Handler.
type Handler struct {
	store    SignalStore
	pipeline Pipeline
	sweeper  Sweeper
	window   time.Duration
	log      logger.Logger
}

// NewHandler creates a handler. window sets the expiry of new signals.
func NewHandler(store SignalStore, pipeline Pipeline, sweeper Sweeper, window time.Duration, opts ...HandlerOption) *Handler {
	h := &Handler{store: store, pipeline: pipeline, sweeper: sweeper, window: window}
	for _, opt := range opts {
		opt(h)
	}
	if h.log == nil {
		h.log = logger.Get().Named("trigger")
	}
	return h
}

// Handle runs the recompute work of one trigger.
func (h *Handler) Handle(ctx context.Context, t queue.Trigger) error {
	switch t.Kind {
	case queue.KindSignalCreated:
		return h.OnSignalCreated(ctx, t.SignalID, t.GridID)
	case queue.KindSignalDeleted:
		return h.OnSignalDeleted(ctx, t.GridID)
	case queue.KindResourceChanged:
		return h.OnResourceChanged(ctx)
	case queue.KindLogChanged:
		_, err := h.pipeline.RecomputeMetrics(ctx, string(t.Kind))
		return err
	case queue.KindRecompute:
		return h.OnDemandRecompute(ctx)
	case queue.KindDailyTimer:
		return h.OnDailyTimer(ctx)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownTrigger, t.Kind)
	}
}

// OnSignalCreated stamps the signal's expiry, recomputes its cell and then
// the metrics summary. A signal deleted before the trigger ran still gets
// its cell refreshed from gridID.
func (h *Handler) OnSignalCreated(ctx context.Context, signalID, gridID string) error {
	const kind = string(queue.KindSignalCreated)
	var errs []error

	sig, err := h.store.GetSignal(ctx, signalID)
	switch {
	case err == nil:
		gridID = sig.GridID
		if err := h.store.SetSignalExpiry(ctx, sig.ID, model.ExpiryFor(sig.CreatedAt, h.window)); err != nil {
			errs = append(errs, fmt.Errorf("set expiry %s: %w", sig.ID, err))
		}
	case errors.Is(err, repository.ErrNotFound):
		h.log.Debug(ctx, "created signal already gone", logger.String("signal", signalID))
	default:
		return fmt.Errorf("load signal %s: %w", signalID, err)
	}

	if gridID != "" {
		if _, err := h.pipeline.RecomputeCell(ctx, gridID, kind); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := h.pipeline.RecomputeMetrics(ctx, kind); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// OnSignalDeleted recomputes the deleted signal's cell, if it had one, and
// the metrics summary.
func (h *Handler) OnSignalDeleted(ctx context.Context, gridID string) error {
	const kind = string(queue.KindSignalDeleted)
	var errs []error
	if gridID != "" {
		if _, err := h.pipeline.RecomputeCell(ctx, gridID, kind); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := h.pipeline.RecomputeMetrics(ctx, kind); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// OnResourceChanged recomputes every cell; capacity is global.
func (h *Handler) OnResourceChanged(ctx context.Context) error {
	return h.pipeline.RecomputeAll(ctx, string(queue.KindResourceChanged))
}

// OnDemandRecompute recomputes every cell and then the metrics summary.
// The metrics run even when some cells failed.
func (h *Handler) OnDemandRecompute(ctx context.Context) error {
	const kind = string(queue.KindRecompute)
	allErr := h.pipeline.RecomputeAll(ctx, kind)
	_, metricsErr := h.pipeline.RecomputeMetrics(ctx, kind)
	if err := errors.Join(allErr, metricsErr); err != nil {
		return fmt.Errorf("%w: %w", ErrRecomputeFailed, err)
	}
	h.log.Info(ctx, "on-demand recompute finished")
	return nil
}

// OnDailyTimer runs the expiry sweep.
func (h *Handler) OnDailyTimer(ctx context.Context) error {
	if h.sweeper == nil {
		return nil
	}
	_, err := h.sweeper.Run(ctx)
	return err
}
