// Package repository defines the persistent record store and its errors.
package repository

import (
	"context"
	"time"

	"github.com/okian/outreachops/internal/domain/model"
)

// SignalQuery filters ListSignals. Zero values do not filter.
type SignalQuery struct {
	GridID   string
	Since    time.Time
	OpenOnly bool
}

// Store provides read/write access to signals, resources, logs and the
// derived aggregate and metrics records. Every mutation is announced on the
// store's change feed after it is applied.
type Store interface {
	// CreateSignal inserts s, assigning an id when empty.
	CreateSignal(ctx context.Context, s model.Signal) (model.Signal, error)
	// SetSignalExpiry is the only mutation of a stored signal.
	SetSignalExpiry(ctx context.Context, id string, expiresAt time.Time) error
	GetSignal(ctx context.Context, id string) (model.Signal, error)
	// DeleteSignal removes one signal and returns it.
	DeleteSignal(ctx context.Context, id string) (model.Signal, error)
	ListSignals(ctx context.Context, q SignalQuery) ([]model.Signal, error)
	// ExpiredSignals returns up to limit signals due for deletion at now:
	// those whose expiry is not after now, and those never stamped with an
	// expiry that were created at or before now-window. Earliest due first.
	ExpiredSignals(ctx context.Context, now time.Time, window time.Duration, limit int) ([]model.Signal, error)
	// DeleteSignals removes ids in one atomic batch and returns how many were deleted.
	DeleteSignals(ctx context.Context, ids []string) (int, error)

	// UpsertResource creates r or merges it into the existing record.
	UpsertResource(ctx context.Context, r model.Resource) (model.Resource, error)
	ListResources(ctx context.Context) ([]model.Resource, error)

	// AppendLog inserts l, assigning an id when empty.
	AppendLog(ctx context.Context, l model.OutreachLog) (model.OutreachLog, error)
	ListLogs(ctx context.Context) ([]model.OutreachLog, error)

	// PutAggregate replaces the aggregate of a.CellID.
	PutAggregate(ctx context.Context, a model.Aggregate) error
	GetAggregate(ctx context.Context, cellID string) (model.Aggregate, error)
	ListAggregates(ctx context.Context) ([]model.Aggregate, error)

	PutMetrics(ctx context.Context, m model.MetricsSummary) error
	GetMetrics(ctx context.Context) (model.MetricsSummary, error)

	Close() error
}
