package mirror

import (
	"sync"
	"time"

	"github.com/okian/outreachops/internal/domain/model"
	"github.com/okian/outreachops/internal/domain/scoring"
)

// Mode is the engine's data source.
//
// Live reads the store. Degraded serves the seed; the engine enters it when
// there is no session, when a read or subscription fails with a transient
// error, or on ResetSeed. Permission errors never switch modes.
type Mode string

// Modes.
const (
	ModeLive     Mode = "live"
	ModeDegraded Mode = "degraded"
)

// DataMode selects which streams a live engine mirrors.
type DataMode string

// Data modes.
const (
	// DataRaw mirrors signals, resources and logs and derives everything.
	DataRaw DataMode = "raw"
	// DataAggregates mirrors the stored aggregates, resources and metrics.
	DataAggregates DataMode = "aggregates"
)

// Banners.
const (
	BannerLocalData   = "Using local demo data"
	BannerReadBlocked = "Backend read blocked"
)

func bannerUnavailable(stream string) string { return "Backend unavailable (" + stream + ")" }

func bannerListenerError(stream string) string { return "Backend listener error (" + stream + ")" }

// Pending counts optimistic writes not yet reflected by the live streams.
type Pending struct {
	Signals   int `json:"signals"`
	Resources int `json:"resources"`
	Logs      int `json:"logs"`
}

// Snapshot is the full derived state handed to the presentation layer.
type Snapshot struct {
	scoring.Surface
	Mode        Mode                 `json:"mode"`
	Banner      string               `json:"banner,omitempty"`
	Metrics     model.MetricsSummary `json:"metrics"`
	Resources   []model.Resource     `json:"resources"`
	Pending     Pending              `json:"pending"`
	GeneratedAt time.Time            `json:"generated_at"`
}

// Masked hides the numbers of data insufficient cells.
func (s Snapshot) Masked() Snapshot {
	s.Surface = s.Surface.Masked()
	return s
}

// Sink receives every rebuilt snapshot.
type Sink interface {
	Publish(s Snapshot)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Snapshot)

// Publish calls f.
func (f SinkFunc) Publish(s Snapshot) { f(s) }

// Hub fans snapshots out to any number of listeners. Slow listeners only
// ever see the latest snapshot. Close ends every listener channel.
type Hub struct {
	mu        sync.Mutex
	listeners map[chan Snapshot]struct{}
	last      *Snapshot
	closed    bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{listeners: make(map[chan Snapshot]struct{})}
}

// Publish implements Sink.
func (h *Hub) Publish(s Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.last = &s
	for ch := range h.listeners {
		select {
		case <-ch:
		default:
		}
		ch <- s
	}
}

// Listen returns a channel carrying the latest snapshot, primed with the
// last published one, and a function that detaches it. The channel is
// closed by Close; after Close it is returned already closed.
func (h *Hub) Listen() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	h.listeners[ch] = struct{}{}
	if h.last != nil {
		ch <- *h.last
	}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.listeners, ch)
			h.mu.Unlock()
		})
	}
}

// Close closes every listener channel and drops later publishes.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.listeners {
		close(ch)
		delete(h.listeners, ch)
	}
}

// Listeners returns the number of attached listeners.
func (h *Hub) Listeners() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.listeners)
}
