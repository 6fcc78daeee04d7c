package repository

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/okian/outreachops/internal/adapters/changefeed"
	"github.com/okian/outreachops/internal/domain/model"
)

type signalRow struct {
	ID         string     `gorm:"primaryKey;type:text"`
	CreatedAt  time.Time  `gorm:"type:timestamptz;not null;index"`
	SourceType string     `gorm:"type:text;not null"`
	Category   string     `gorm:"type:text;not null"`
	GridID     string     `gorm:"type:text;not null;index"`
	Status     string     `gorm:"type:text;not null"`
	Weight     *float64   `gorm:"type:double precision"`
	ExpiresAt  *time.Time `gorm:"type:timestamptz;index"`
}

func (signalRow) TableName() string { return "signals" }

type resourceRow struct {
	ID            string    `gorm:"primaryKey;type:text"`
	ResourceType  string    `gorm:"type:text;not null"`
	Availability  string    `gorm:"column:availability_state;type:text;not null"`
	CapacityScore float64   `gorm:"type:double precision;not null"`
	UpdatedAt     time.Time `gorm:"type:timestamptz;not null;autoUpdateTime:false"`
}

func (resourceRow) TableName() string { return "resources" }

type logRow struct {
	ID        string    `gorm:"primaryKey;type:text"`
	CreatedAt time.Time `gorm:"type:timestamptz;not null"`
	GridID    string    `gorm:"type:text;not null;index"`
	Action    string    `gorm:"type:text;not null"`
	Outcome   string    `gorm:"type:text"`
}

func (logRow) TableName() string { return "outreach_logs" }

type aggregateRow struct {
	CellID           string    `gorm:"primaryKey;type:text"`
	Demand           float64   `gorm:"type:double precision;not null"`
	DistinctCount    int       `gorm:"not null"`
	Anomaly          bool      `gorm:"not null"`
	DataInsufficient bool      `gorm:"not null"`
	CapacityScore    float64   `gorm:"type:double precision;not null"`
	Priority         float64   `gorm:"type:double precision;not null"`
	UpdatedAt        time.Time `gorm:"type:timestamptz;not null;autoUpdateTime:false"`
}

func (aggregateRow) TableName() string { return "grid_aggregates" }

type metricsRow struct {
	ID                 int       `gorm:"primaryKey"`
	Backlog            int       `gorm:"not null"`
	AvgResponseMinutes int       `gorm:"not null"`
	UpdatedAt          time.Time `gorm:"type:timestamptz;not null;autoUpdateTime:false"`
}

func (metricsRow) TableName() string { return "metrics_summary" }

const metricsSingletonID = 1

// PostgresStore persists records with gorm on PostgreSQL.
type PostgresStore struct {
	options
	db *gorm.DB
}

var _ Store = (*PostgresStore)(nil)

// OpenPostgres connects to dsn and migrates the schema.
func OpenPostgres(ctx context.Context, dsn string, opts ...Option) (*PostgresStore, error) {
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, mapError(fmt.Errorf("open postgres: %w", err))
	}
	sqldb, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("postgres handle: %w", err)
	}
	sqldb.SetMaxOpenConns(20)
	sqldb.SetMaxIdleConns(5)
	sqldb.SetConnMaxLifetime(30 * time.Minute)

	s := NewPostgresStore(gdb, opts...)
	if err := s.Migrate(ctx); err != nil {
		_ = sqldb.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStore wraps an open gorm handle.
func NewPostgresStore(db *gorm.DB, opts ...Option) *PostgresStore {
	return &PostgresStore{options: defaultOptions(opts), db: db}
}

// Migrate creates or updates the tables.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	if err := p.db.WithContext(ctx).AutoMigrate(&signalRow{}, &resourceRow{}, &logRow{}, &aggregateRow{}, &metricsRow{}); err != nil {
		return mapError(fmt.Errorf("migrate: %w", err))
	}
	return nil
}

// mapError folds driver errors into the package sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "42501" || strings.HasPrefix(pgErr.Code, "28"):
			return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
		case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "53"),
			strings.HasPrefix(pgErr.Code, "57P"):
			return fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		return err
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return err
}

func toSignalRow(s model.Signal) signalRow {
	row := signalRow{
		ID:         s.ID,
		CreatedAt:  s.CreatedAt,
		SourceType: string(s.SourceType),
		Category:   s.Category,
		GridID:     s.GridID,
		Status:     string(s.Status),
		Weight:     s.Weight,
	}
	if !s.ExpiresAt.IsZero() {
		t := s.ExpiresAt
		row.ExpiresAt = &t
	}
	return row
}

func (r signalRow) model() model.Signal {
	s := model.Signal{
		ID:         r.ID,
		CreatedAt:  r.CreatedAt,
		SourceType: model.SourceClass(r.SourceType),
		Category:   r.Category,
		GridID:     r.GridID,
		Status:     model.Status(r.Status),
		Weight:     r.Weight,
	}
	if r.ExpiresAt != nil {
		s.ExpiresAt = *r.ExpiresAt
	}
	return s
}

// CreateSignal implements Store.
func (p *PostgresStore) CreateSignal(ctx context.Context, s model.Signal) (model.Signal, error) {
	if s.ID == "" {
		s.ID = p.newID(SignalIDPrefix)
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = p.now()
	}
	row := toSignalRow(s)
	if err := p.db.WithContext(ctx).Create(&row).Error; err != nil {
		return model.Signal{}, mapError(fmt.Errorf("create signal: %w", err))
	}
	p.announce(ctx, changefeed.Change{Collection: changefeed.Signals, Op: changefeed.OpCreate, ID: s.ID, GridID: s.GridID})
	return s, nil
}

// SetSignalExpiry implements Store.
func (p *PostgresStore) SetSignalExpiry(ctx context.Context, id string, expiresAt time.Time) error {
	var row signalRow
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", id).First(&row).Error; err != nil {
			return err
		}
		return tx.Model(&signalRow{}).Where("id = ?", id).Update("expires_at", expiresAt).Error
	})
	if err != nil {
		return mapError(fmt.Errorf("set expiry %s: %w", id, err))
	}
	p.announce(ctx, changefeed.Change{Collection: changefeed.Signals, Op: changefeed.OpUpdate, ID: id, GridID: row.GridID})
	return nil
}

// GetSignal implements Store.
func (p *PostgresStore) GetSignal(ctx context.Context, id string) (model.Signal, error) {
	var row signalRow
	if err := p.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return model.Signal{}, mapError(fmt.Errorf("signal %s: %w", id, err))
	}
	return row.model(), nil
}

// DeleteSignal implements Store.
func (p *PostgresStore) DeleteSignal(ctx context.Context, id string) (model.Signal, error) {
	var row signalRow
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Returning{}).Where("id = ?", id).Delete(&row).Error; err != nil {
			return err
		}
		if row.ID == "" {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
	if err != nil {
		return model.Signal{}, mapError(fmt.Errorf("delete signal %s: %w", id, err))
	}
	s := row.model()
	p.announce(ctx, changefeed.Change{Collection: changefeed.Signals, Op: changefeed.OpDelete, ID: id, GridID: s.GridID})
	return s, nil
}

// ListSignals implements Store.
func (p *PostgresStore) ListSignals(ctx context.Context, q SignalQuery) ([]model.Signal, error) {
	query := p.db.WithContext(ctx).Model(&signalRow{})
	if q.GridID != "" {
		query = query.Where("grid_id = ?", q.GridID)
	}
	if !q.Since.IsZero() {
		query = query.Where("created_at >= ?", q.Since)
	}
	if q.OpenOnly {
		query = query.Where("status = ?", string(model.StatusOpen))
	}
	var rows []signalRow
	if err := query.Order("created_at asc, id asc").Find(&rows).Error; err != nil {
		return nil, mapError(fmt.Errorf("list signals: %w", err))
	}
	out := make([]model.Signal, len(rows))
	for i, r := range rows {
		out[i] = r.model()
	}
	return out, nil
}

// ExpiredSignals implements Store.
func (p *PostgresStore) ExpiredSignals(ctx context.Context, now time.Time, window time.Duration, limit int) ([]model.Signal, error) {
	query := p.db.WithContext(ctx).
		Where("(expires_at IS NOT NULL AND expires_at <= ?) OR (expires_at IS NULL AND created_at <= ?)", now, now.Add(-window)).
		Order(clause.OrderBy{Expression: clause.Expr{
			SQL:  "COALESCE(expires_at, created_at + make_interval(secs => ?)) ASC, id ASC",
			Vars: []interface{}{window.Seconds()},
		}})
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []signalRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, mapError(fmt.Errorf("expired signals: %w", err))
	}
	out := make([]model.Signal, len(rows))
	for i, r := range rows {
		out[i] = r.model()
	}
	return out, nil
}

// DeleteSignals implements Store.
func (p *PostgresStore) DeleteSignals(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var deleted []signalRow
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.Returning{Columns: []clause.Column{{Name: "id"}, {Name: "grid_id"}}}).
			Where("id IN ?", ids).
			Delete(&deleted).Error
	})
	if err != nil {
		return 0, mapError(fmt.Errorf("delete signals: %w", err))
	}
	if len(deleted) > 0 {
		cells := make(map[string]struct{}, len(deleted))
		for _, r := range deleted {
			cells[r.GridID] = struct{}{}
		}
		p.announce(ctx, changefeed.Change{Collection: changefeed.Signals, Op: changefeed.OpPurge, GridIDs: sortedKeys(cells)})
	}
	return len(deleted), nil
}

// UpsertResource implements Store.
func (p *PostgresStore) UpsertResource(ctx context.Context, r model.Resource) (model.Resource, error) {
	if r.ID == "" {
		return model.Resource{}, fmt.Errorf("resource id: %w", model.ErrMissingField)
	}
	r.UpdatedAt = p.now()
	op := changefeed.OpCreate
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur resourceRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", r.ID).First(&cur).Error
		switch {
		case err == nil:
			op = changefeed.OpUpdate
			r = mergeResource(cur.model(), r)
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}
		row := resourceRow{
			ID:            r.ID,
			ResourceType:  r.ResourceType,
			Availability:  string(r.Availability),
			CapacityScore: r.CapacityScore,
			UpdatedAt:     r.UpdatedAt,
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"resource_type", "availability_state", "capacity_score", "updated_at"}),
		}).Create(&row).Error
	})
	if err != nil {
		return model.Resource{}, mapError(fmt.Errorf("upsert resource %s: %w", r.ID, err))
	}
	p.announce(ctx, changefeed.Change{Collection: changefeed.Resources, Op: op, ID: r.ID})
	return r, nil
}

func (r resourceRow) model() model.Resource {
	return model.Resource{
		ID:            r.ID,
		ResourceType:  r.ResourceType,
		Availability:  model.Availability(r.Availability),
		CapacityScore: r.CapacityScore,
		UpdatedAt:     r.UpdatedAt,
	}
}

// ListResources implements Store.
func (p *PostgresStore) ListResources(ctx context.Context) ([]model.Resource, error) {
	var rows []resourceRow
	if err := p.db.WithContext(ctx).Order("id asc").Find(&rows).Error; err != nil {
		return nil, mapError(fmt.Errorf("list resources: %w", err))
	}
	out := make([]model.Resource, len(rows))
	for i, r := range rows {
		out[i] = r.model()
	}
	return out, nil
}

// AppendLog implements Store.
func (p *PostgresStore) AppendLog(ctx context.Context, l model.OutreachLog) (model.OutreachLog, error) {
	if l.ID == "" {
		l.ID = p.newID(LogIDPrefix)
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = p.now()
	}
	row := logRow(l)
	if err := p.db.WithContext(ctx).Create(&row).Error; err != nil {
		return model.OutreachLog{}, mapError(fmt.Errorf("append log: %w", err))
	}
	p.announce(ctx, changefeed.Change{Collection: changefeed.Logs, Op: changefeed.OpCreate, ID: l.ID, GridID: l.GridID})
	return l, nil
}

// ListLogs implements Store.
func (p *PostgresStore) ListLogs(ctx context.Context) ([]model.OutreachLog, error) {
	var rows []logRow
	if err := p.db.WithContext(ctx).Order("created_at asc, id asc").Find(&rows).Error; err != nil {
		return nil, mapError(fmt.Errorf("list logs: %w", err))
	}
	out := make([]model.OutreachLog, len(rows))
	for i, r := range rows {
		out[i] = model.OutreachLog(r)
	}
	return out, nil
}

// PutAggregate implements Store.
func (p *PostgresStore) PutAggregate(ctx context.Context, a model.Aggregate) error {
	row := aggregateRow(a)
	err := p.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "cell_id"}},
		UpdateAll: true,
	}).Create(&row).Error
	if err != nil {
		return mapError(fmt.Errorf("put aggregate %s: %w", a.CellID, err))
	}
	p.announce(ctx, changefeed.Change{Collection: changefeed.Aggregates, Op: changefeed.OpUpdate, ID: a.CellID, GridID: a.CellID})
	return nil
}

// GetAggregate implements Store.
func (p *PostgresStore) GetAggregate(ctx context.Context, cellID string) (model.Aggregate, error) {
	var row aggregateRow
	if err := p.db.WithContext(ctx).Where("cell_id = ?", cellID).First(&row).Error; err != nil {
		return model.Aggregate{}, mapError(fmt.Errorf("aggregate %s: %w", cellID, err))
	}
	return model.Aggregate(row), nil
}

// ListAggregates implements Store.
func (p *PostgresStore) ListAggregates(ctx context.Context) ([]model.Aggregate, error) {
	var rows []aggregateRow
	if err := p.db.WithContext(ctx).Order("cell_id asc").Find(&rows).Error; err != nil {
		return nil, mapError(fmt.Errorf("list aggregates: %w", err))
	}
	out := make([]model.Aggregate, len(rows))
	for i, r := range rows {
		out[i] = model.Aggregate(r)
	}
	return out, nil
}

// PutMetrics implements Store.
func (p *PostgresStore) PutMetrics(ctx context.Context, m model.MetricsSummary) error {
	row := metricsRow{ID: metricsSingletonID, Backlog: m.Backlog, AvgResponseMinutes: m.AvgResponseMinutes, UpdatedAt: m.UpdatedAt}
	err := p.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&row).Error
	if err != nil {
		return mapError(fmt.Errorf("put metrics: %w", err))
	}
	p.announce(ctx, changefeed.Change{Collection: changefeed.Metrics, Op: changefeed.OpUpdate})
	return nil
}

// GetMetrics implements Store.
func (p *PostgresStore) GetMetrics(ctx context.Context) (model.MetricsSummary, error) {
	var row metricsRow
	if err := p.db.WithContext(ctx).Where("id = ?", metricsSingletonID).First(&row).Error; err != nil {
		return model.MetricsSummary{}, mapError(fmt.Errorf("metrics: %w", err))
	}
	return model.MetricsSummary{Backlog: row.Backlog, AvgResponseMinutes: row.AvgResponseMinutes, UpdatedAt: row.UpdatedAt}, nil
}

// Ping checks connectivity.
func (p *PostgresStore) Ping(ctx context.Context) error {
	sqldb, err := p.db.DB()
	if err != nil {
		return err
	}
	return mapError(sqldb.PingContext(ctx))
}

// Close implements Store.
func (p *PostgresStore) Close() error {
	sqldb, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqldb.Close()
}
