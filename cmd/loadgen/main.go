package main

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/okian/outreachops/internal/loadgen"
	"github.com/okian/outreachops/pkg/logger"
)

// Default configuration constants.
const (
	defaultSignals    = 500
	defaultHotspots   = 3
	defaultTop        = 10
	defaultWorkers    = 2 // multiplier for runtime.NumCPU()
	defaultTimeout    = 30 * time.Second
	defaultRunTimeout = 10 * time.Minute
)

func main() {
	var (
		baseURL   = flag.StringP("url", "u", "http://localhost:9080", "Base URL of the service")
		signals   = flag.IntP("signals", "n", defaultSignals, "Number of signals to submit")
		sessions  = flag.Int("sessions", 0, "Distinct sessions (0 gives every signal its own)")
		hotspots  = flag.Int("hotspots", defaultHotspots, "Cells that receive most of the load")
		workers   = flag.IntP("workers", "w", runtime.NumCPU()*defaultWorkers, "Number of concurrent workers")
		timeout   = flag.Duration("timeout", defaultTimeout, "HTTP request timeout")
		settle    = flag.Duration("settle", 0, "Wait between submission and the snapshot read")
		top       = flag.IntP("top", "t", defaultTop, "Number of cells to print")
		public    = flag.Bool("public", false, "Read the masked public view")
		jsonLogs  = flag.Bool("json", false, "Log as JSON")
		verbose   = flag.BoolP("verbose", "v", false, "Log every failed request")
		watchOnly = flag.Bool("snapshot-only", false, "Print the current surface and exit")
	)
	flag.Parse()

	format := logger.FormatText
	if *jsonLogs {
		format = logger.FormatJSON
	}
	if err := logger.InitWith(os.Stderr, format); err != nil {
		os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		os.Exit(1)
	}
	if *verbose {
		_ = logger.SetLevelString("debug")
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultRunTimeout)
	defer cancel()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := &loadgen.Config{
		BaseURL:  *baseURL,
		Signals:  *signals,
		Sessions: *sessions,
		Hotspots: *hotspots,
		Workers:  *workers,
		Timeout:  *timeout,
		Settle:   *settle,
		Top:      *top,
		Public:   *public,
		Verbose:  *verbose,
		Out:      os.Stdout,
	}

	if *watchOnly {
		if err := printSnapshot(ctx, cfg); err != nil {
			logger.Get().Error(ctx, "snapshot failed", logger.Error(err))
			os.Exit(1)
		}
		return
	}

	if _, err := loadgen.Run(ctx, cfg); err != nil {
		logger.Get().Error(ctx, "load run failed", logger.Error(err))
		os.Exit(1)
	}
}

func printSnapshot(ctx context.Context, cfg *loadgen.Config) error {
	snap, err := loadgen.Snapshot(ctx, cfg)
	if err != nil {
		return err
	}
	loadgen.WriteReport(cfg.Out, snap, cfg.Top)
	return nil
}
