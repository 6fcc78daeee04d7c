package loadgen

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/okian/outreachops/internal/domain/grid"
	"github.com/okian/outreachops/internal/mirror"
	"github.com/okian/outreachops/pkg/logger"
)

// Defaults applied to zero Config fields.
const (
	defaultBaseURL          = "http://localhost:9080"
	defaultTimeout          = 30 * time.Second
	defaultTop              = 10
	workerChannelMultiplier = 2
	percentageMultiplier    = 100
)

func (cfg *Config) withDefaults() {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU() * workerChannelMultiplier
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Top <= 0 {
		cfg.Top = defaultTop
	}
}

// Run checks the service, submits the synthetic load, forces a recompute and
// verifies the published surface.
func Run(ctx context.Context, cfg *Config) (*Stats, error) {
	cfg.withDefaults()
	log := logger.Get().Named("loadgen")
	stats := &Stats{StartTime: time.Now()}

	log.Info(ctx, "starting load run",
		logger.String("baseURL", cfg.BaseURL),
		logger.Int("signals", cfg.Signals),
		logger.Int("sessions", cfg.Sessions),
		logger.Int("workers", cfg.Workers),
		logger.Duration("timeout", cfg.Timeout))

	c := newClient(cfg)
	if err := c.expect(ctx, http.MethodGet, "/healthz", http.StatusOK, nil); err != nil {
		return stats, fmt.Errorf("service health check failed: %w", err)
	}

	var fc grid.FeatureCollection
	if err := c.expect(ctx, http.MethodGet, "/grid", http.StatusOK, &fc); err != nil {
		return stats, fmt.Errorf("grid retrieval failed: %w", err)
	}
	ids := make([]string, 0, len(fc.Features))
	for _, f := range fc.Features {
		ids = append(ids, f.Properties["grid_id"])
	}

	signals := generateSignals(cfg, ids)
	stats.Generated = len(signals)
	submitSignals(ctx, cfg, c, signals, stats)

	if cfg.Settle > 0 {
		log.Info(ctx, "waiting for the mirror to settle", logger.Duration("settle", cfg.Settle))
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		case <-time.After(cfg.Settle):
		}
	}

	if err := c.expect(ctx, http.MethodPost, "/recompute", http.StatusOK, nil); err != nil {
		return stats, fmt.Errorf("recompute failed: %w", err)
	}
	snap, err := c.snapshot(ctx, cfg.Public)
	if err != nil {
		return stats, fmt.Errorf("snapshot retrieval failed: %w", err)
	}
	if err := verifySurface(snap); err != nil {
		return stats, err
	}
	for _, cell := range snap.Cells {
		if !cell.DataInsufficient {
			stats.Publishable++
		}
		if cell.Anomaly {
			stats.Anomalous++
		}
	}

	stats.EndTime = time.Now()
	stats.Duration = stats.EndTime.Sub(stats.StartTime)
	if cfg.Out != nil {
		WriteReport(cfg.Out, snap, cfg.Top)
	}
	logFinalStats(ctx, log, stats)
	return stats, nil
}

// logFinalStats logs the run summary.
func logFinalStats(ctx context.Context, log logger.Logger, stats *Stats) {
	var acceptRate, signalsPerSecond float64
	if stats.Submitted > 0 {
		acceptRate = float64(stats.Created) / float64(stats.Submitted) * percentageMultiplier
	}
	if stats.Duration > 0 {
		signalsPerSecond = float64(stats.Submitted) / stats.Duration.Seconds()
	}
	log.Info(ctx, "final statistics",
		logger.Int("generated", stats.Generated),
		logger.Int("submitted", stats.Submitted),
		logger.Int("created", stats.Created),
		logger.Int("rateLimited", stats.RateLimited),
		logger.Int("failed", stats.Failed),
		logger.Int("publishableCells", stats.Publishable),
		logger.Int("anomalousCells", stats.Anomalous),
		logger.Duration("duration", stats.Duration),
		logger.Float64("acceptRate", acceptRate),
		logger.Float64("signalsPerSecond", signalsPerSecond))
}

// Snapshot reads the current surface without submitting anything.
func Snapshot(ctx context.Context, cfg *Config) (mirror.Snapshot, error) {
	cfg.withDefaults()
	return newClient(cfg).snapshot(ctx, cfg.Public)
}
