package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Option configures a Manager before its collectors are registered.
type Option func(*Manager)

// WithNamespace prefixes every metric name. Empty keeps "outreach".
func WithNamespace(namespace string) Option {
	return func(m *Manager) {
		if namespace != "" {
			m.namespace = namespace
		}
	}
}

// WithSubsystem sets the second name segment. Empty keeps "priority".
func WithSubsystem(subsystem string) Option {
	return func(m *Manager) {
		if subsystem != "" {
			m.subsystem = subsystem
		}
	}
}

// WithLatencyBuckets sets the millisecond buckets of recompute and worker
// latency histograms.
func WithLatencyBuckets(ms ...float64) Option {
	return func(m *Manager) {
		if len(ms) > 0 {
			m.histogramBuckets = ms
		}
	}
}

// WithDisabled turns every recorder into a no-op. Collectors are still
// registered so scrapes keep a stable shape.
func WithDisabled() Option {
	return func(m *Manager) {
		m.enabled = false
	}
}

// WithLabel adds a constant label to every collector.
func WithLabel(name, value string) Option {
	return func(m *Manager) {
		if name == "" {
			return
		}
		if m.constLabels == nil {
			m.constLabels = prometheus.Labels{}
		}
		m.constLabels[name] = value
	}
}

// WithDeployment tags every collector with the deployment it runs in.
func WithDeployment(name string) Option {
	return WithLabel("deployment", name)
}

// WithRegisterer sets where collectors are registered.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(m *Manager) {
		if r != nil {
			m.registry = r
		}
	}
}
