// Package changefeed carries store change notifications to the trigger
// dispatcher and the client mirror. Notifications name what changed; readers
// always re-read current state from the store.
package changefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Collection names a record stream.
type Collection string

// Record streams.
const (
	Signals    Collection = "signals"
	Resources  Collection = "resources"
	Logs       Collection = "logs"
	Aggregates Collection = "aggregates"
	Metrics    Collection = "metrics"
	// Recompute carries administrative full-recompute requests.
	Recompute Collection = "recompute"
)

// Op is the kind of mutation.
type Op string

// Mutation kinds. Purge is a batch delete performed by the reaper.
const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
	OpPurge  Op = "purge"
)

// Change is one store mutation.
type Change struct {
	Collection Collection `json:"collection"`
	Op         Op         `json:"op"`
	ID         string     `json:"id,omitempty"`
	GridID     string     `json:"grid_id,omitempty"`
	// GridIDs lists the cells of a purge batch.
	GridIDs []string  `json:"grid_ids,omitempty"`
	At      time.Time `json:"at"`
}

// Publisher emits changes.
type Publisher interface {
	Publish(ctx context.Context, c Change) error
}

// Subscription is a long-lived stream of changes.
type Subscription interface {
	// Next blocks until the next change, ctx is done or the subscription fails.
	Next(ctx context.Context) (Change, error)
	Close() error
}

// Subscriber opens subscriptions. The name identifies the consumer; backends
// with consumer groups use it as the group id.
type Subscriber interface {
	Subscribe(ctx context.Context, name string, collections ...Collection) (Subscription, error)
}

// Feed is a full change feed backend.
type Feed interface {
	Publisher
	Subscriber
	Close() error
}

func encode(c Change) ([]byte, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode change: %w", err)
	}
	return b, nil
}

func decode(b []byte) (Change, error) {
	var c Change
	if err := json.Unmarshal(b, &c); err != nil {
		return Change{}, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return c, nil
}

func wants(collections []Collection, c Collection) bool {
	if len(collections) == 0 {
		return true
	}
	for _, x := range collections {
		if x == c {
			return true
		}
	}
	return false
}

// Nop discards every change.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, Change) error { return nil }
