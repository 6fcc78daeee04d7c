package trigger

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/okian/outreachops/pkg/logger"
)

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithHandlerLogger sets the handler's logger.
func WithHandlerLogger(l logger.Logger) HandlerOption {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithConsumerName sets the subscription name, used as consumer group by
// backends that have them.
func WithConsumerName(name string) DispatcherOption {
	return func(d *Dispatcher) {
		if name != "" {
			d.name = name
		}
	}
}

// WithDispatcherLogger sets the dispatcher's logger.
func WithDispatcherLogger(l logger.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

// WithRetryBackoff bounds the wait between attempts after a subscription
// error. The wait doubles from lo up to hi and resets on the next change.
func WithRetryBackoff(lo, hi time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if lo > 0 {
			d.minBackoff = lo
		}
		if hi > 0 {
			d.maxBackoff = hi
		}
	}
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithLocation evaluates the schedule in loc instead of local time.
func WithLocation(loc *time.Location) SchedulerOption {
	return func(s *Scheduler) {
		if loc != nil {
			s.cron = cron.New(cron.WithLocation(loc))
		}
	}
}

// WithSchedulerLogger sets the scheduler's logger.
func WithSchedulerLogger(l logger.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l
		}
	}
}
