package loadgen

import (
	"crypto/rand"
	"math/big"

	"github.com/google/uuid"

	"github.com/okian/outreachops/internal/domain/model"
)

// hotspotShare is the per-mille of signals routed to hotspot cells.
const hotspotShare = 700

var (
	sources    = []model.SourceClass{model.SourceOrg, model.SourceProvider, model.SourcePublic}
	categories = []string{"food", "shelter", "medical", "hygiene", "clothing"}
)

// randInt returns a uniform int in [0, n) using crypto/rand.
func randInt(n int) int {
	if n <= 1 {
		return 0
	}
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0
	}
	return int(v.Int64())
}

// generateSignals builds cfg.Signals signals over the cells ids. Most of
// them land on the first cfg.Hotspots cells so the surface has a clear top.
func generateSignals(cfg *Config, ids []string) []Signal {
	if len(ids) == 0 {
		return nil
	}
	hot := ids
	if cfg.Hotspots > 0 && cfg.Hotspots < len(ids) {
		hot = ids[:cfg.Hotspots]
	}

	sessions := make([]string, cfg.Sessions)
	for i := range sessions {
		sessions[i] = uuid.NewString()
	}

	out := make([]Signal, cfg.Signals)
	for i := range out {
		cell := ids[randInt(len(ids))]
		if randInt(1000) < hotspotShare {
			cell = hot[randInt(len(hot))]
		}
		session := uuid.NewString()
		if len(sessions) > 0 {
			session = sessions[i%len(sessions)]
		}
		out[i] = Signal{
			SourceType: string(sources[randInt(len(sources))]),
			Category:   categories[randInt(len(categories))],
			GridID:     cell,
			Session:    session,
		}
	}
	return out
}
