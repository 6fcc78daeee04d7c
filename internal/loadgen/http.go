package loadgen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/outreachops/internal/mirror"
	"github.com/okian/outreachops/pkg/logger"
)

// outcome of one submission.
type outcome int

const (
	outcomeCreated outcome = iota
	outcomeRateLimited
	outcomeFailed
)

// client wraps http.Client with the service base URL.
type client struct {
	http    *http.Client
	baseURL string
}

func newClient(cfg *Config) *client {
	return &client{http: &http.Client{Timeout: cfg.Timeout}, baseURL: cfg.BaseURL}
}

func (c *client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.http.Do(req)
}

// expect performs a request and fails on any status other than want.
func (c *client) expect(ctx context.Context, method, path string, want int, out any) error {
	resp, err := c.do(ctx, method, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		return fmt.Errorf("%w: %s %s returned %d", ErrUnexpectedStatus, method, path, resp.StatusCode)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *client) submit(ctx context.Context, sig Signal) (outcome, error) {
	resp, err := c.do(ctx, http.MethodPost, "/signals", sig)
	if err != nil {
		return outcomeFailed, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusCreated:
		return outcomeCreated, nil
	case http.StatusTooManyRequests:
		return outcomeRateLimited, nil
	default:
		return outcomeFailed, fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}
}

func (c *client) snapshot(ctx context.Context, public bool) (mirror.Snapshot, error) {
	path := "/snapshot"
	if public {
		path += "?view=public"
	}
	var snap mirror.Snapshot
	err := c.expect(ctx, http.MethodGet, path, http.StatusOK, &snap)
	return snap, err
}

// submitSignals posts signals concurrently with cfg.Workers workers.
func submitSignals(ctx context.Context, cfg *Config, c *client, signals []Signal, stats *Stats) {
	log := logger.Get().Named("loadgen")
	log.Info(ctx, "submitting signals", logger.Int("signals", len(signals)), logger.Int("workers", cfg.Workers))

	var submitted, created, limited, failed int64
	work := make(chan Signal, cfg.Workers*workerChannelMultiplier)
	var wg sync.WaitGroup

	for i := 0; i < cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for sig := range work {
				res, err := c.submit(ctx, sig)
				atomic.AddInt64(&submitted, 1)
				switch res {
				case outcomeCreated:
					atomic.AddInt64(&created, 1)
				case outcomeRateLimited:
					atomic.AddInt64(&limited, 1)
				default:
					atomic.AddInt64(&failed, 1)
					if cfg.Verbose {
						log.Warn(ctx, "signal submission failed", logger.String("grid_id", sig.GridID), logger.Error(err))
					}
				}
			}
		}()
	}

	start := time.Now()
feed:
	for _, sig := range signals {
		select {
		case <-ctx.Done():
			break feed
		case work <- sig:
		}
	}
	close(work)
	wg.Wait()

	stats.Submitted = int(submitted)
	stats.Created = int(created)
	stats.RateLimited = int(limited)
	stats.Failed = int(failed)
	log.Info(ctx, "signal submission completed",
		logger.Int("created", stats.Created),
		logger.Int("rateLimited", stats.RateLimited),
		logger.Int("failed", stats.Failed),
		logger.Duration("elapsed", time.Since(start)))
}
