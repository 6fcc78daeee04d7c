package config_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/okian/outreachops/internal/config"
	. "github.com/smartystreets/goconvey/convey"
)

// writeConfig drops a YAML file into a per-test directory and points
// OUTREACH_CONFIG at it.
func writeConfig(t *testing.T, body string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "outreach.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(config.EnvConfigFile, path)
}

func TestLoadLayers(t *testing.T) {
	cases := []struct {
		name  string
		file  string
		env   map[string]string
		check func(cfg *config.Config)
	}{
		{
			name: "defaults",
			check: func(cfg *config.Config) {
				So(cfg.Addr, ShouldEqual, ":9080")
				So(cfg.MinSignals, ShouldEqual, 10)
				So(cfg.StoreBackend, ShouldEqual, config.BackendMemory)
			},
		},
		{
			name: "env overrides",
			env: map[string]string{
				"OUTREACH_ADDR":                ":8080",
				"OUTREACH_WINDOW_DAYS":         "3",
				"OUTREACH_ANOMALY_THRESHOLD":   "4",
				"OUTREACH_RATE_LIMIT_COOLDOWN": "45s",
				"OUTREACH_EPSILON":             "0.25",
			},
			check: func(cfg *config.Config) {
				So(cfg.Addr, ShouldEqual, ":8080")
				So(cfg.WindowDays, ShouldEqual, 3)
				So(cfg.AnomalyThreshold, ShouldEqual, 4)
				So(cfg.RateLimitCooldown, ShouldEqual, 45*time.Second)
				So(cfg.Epsilon, ShouldEqual, 0.25)
			},
		},
		{
			name: "file under env",
			file: `
addr: ":9090"
cleanup_batch_size: 500
worker_count: 24
feed_backend: kafka
kafka_brokers:
  - broker-a:9092
  - broker-b:9092
`,
			env: map[string]string{"OUTREACH_WORKER_COUNT": "32"},
			check: func(cfg *config.Config) {
				So(cfg.Addr, ShouldEqual, ":9090")
				So(cfg.CleanupBatchSize, ShouldEqual, 500)
				So(cfg.WorkerCount, ShouldEqual, 32)
				So(cfg.FeedBackend, ShouldEqual, config.BackendKafka)
				So(cfg.KafkaBrokers, ShouldResemble, []string{"broker-a:9092", "broker-b:9092"})
				So(cfg.MinSignals, ShouldEqual, 10)
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.file != "" {
				writeConfig(t, tc.file)
			}
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			Convey("Loading "+tc.name, t, func() {
				cfg, err := config.Load(context.Background())
				So(err, ShouldBeNil)
				tc.check(cfg)
			})
		})
	}
}

func TestLoadFailures(t *testing.T) {
	t.Run("malformed yaml", func(t *testing.T) {
		writeConfig(t, `invalid: yaml: content: [`)
		Convey("A malformed file is a load error", t, func() {
			cfg, err := config.Load(context.Background())
			So(errors.Is(err, config.ErrLoadConfig), ShouldBeTrue)
			So(cfg, ShouldBeNil)
		})
	})

	t.Run("missing file", func(t *testing.T) {
		t.Setenv(config.EnvConfigFile, filepath.Join(t.TempDir(), "absent.yaml"))
		Convey("A missing file is a load error", t, func() {
			cfg, err := config.Load(context.Background())
			So(errors.Is(err, config.ErrLoadConfig), ShouldBeTrue)
			So(cfg, ShouldBeNil)
		})
	})

	t.Run("non numeric window", func(t *testing.T) {
		t.Setenv("OUTREACH_WINDOW_DAYS", "a week")
		Convey("A window that is not a number is rejected", t, func() {
			cfg, err := config.Load(context.Background())
			So(err, ShouldNotBeNil)
			So(cfg, ShouldBeNil)
		})
	})

	t.Run("empty addr", func(t *testing.T) {
		t.Setenv("OUTREACH_ADDR", "")
		Convey("An empty listen address fails validation", t, func() {
			cfg, err := config.Load(context.Background())
			So(errors.Is(err, config.ErrInvalidConfig), ShouldBeTrue)
			So(err.Error(), ShouldContainSubstring, "addr must not be empty")
			So(cfg, ShouldBeNil)
		})
	})
}
