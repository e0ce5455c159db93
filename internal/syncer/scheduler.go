package syncer

import (
	"context"
	"errors"
	"time"

	"github.com/flowtrack/flowsync/internal/flowsync"
)

// Trigger names the event that asked for a sync cycle.
type Trigger string

const (
	TriggerManual       Trigger = "manual"
	TriggerConnectivity Trigger = "connectivity"
	TriggerForeground   Trigger = "foreground"
	TriggerInterval     Trigger = "interval"
	TriggerRemoteChange Trigger = "remote-change"
)

const (
	// DefaultSyncInterval is the periodic fallback cadence. Event triggers
	// usually fire long before it elapses.
	DefaultSyncInterval = 24 * time.Hour

	defaultBackoffBase = 30 * time.Second
	defaultBackoffMax  = time.Hour
)

type SchedulerOptions struct {
	Engine   *Engine
	Logger   flowsync.Logger
	Interval time.Duration
	// BackoffBase and BackoffMax shape the exponential delay applied after a
	// failed cycle before event triggers are honored again.
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// Scheduler turns external events into sync cycles. Triggers arriving while
// a cycle runs are dropped, not queued; after a failed cycle it holds event
// triggers back with exponential backoff until a cycle succeeds.
type Scheduler struct {
	engine      *Engine
	logger      flowsync.Logger
	interval    time.Duration
	backoffBase time.Duration
	backoffMax  time.Duration
	now         func() time.Time

	triggers chan Trigger

	failures  int
	nextRetry time.Time
}

func NewScheduler(opts SchedulerOptions) (*Scheduler, error) {
	if opts.Engine == nil {
		return nil, errors.New("scheduler requires an engine")
	}
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultSyncInterval
	}
	backoffBase := opts.BackoffBase
	if backoffBase <= 0 {
		backoffBase = defaultBackoffBase
	}
	backoffMax := opts.BackoffMax
	if backoffMax <= 0 {
		backoffMax = defaultBackoffMax
	}
	return &Scheduler{
		engine:      opts.Engine,
		logger:      logger,
		interval:    interval,
		backoffBase: backoffBase,
		backoffMax:  backoffMax,
		now:         time.Now,
		triggers:    make(chan Trigger, 16),
	}, nil
}

// Notify asks the scheduler for a cycle. It never blocks; when the trigger
// buffer is full the event is redundant and dropped.
func (s *Scheduler) Notify(trigger Trigger) {
	select {
	case s.triggers <- trigger:
	default:
	}
}

// Run consumes triggers and the interval ticker until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case trigger := <-s.triggers:
			s.handle(ctx, trigger)
		case <-ticker.C:
			s.handle(ctx, TriggerInterval)
		}
	}
}

func (s *Scheduler) handle(ctx context.Context, trigger Trigger) {
	if trigger != TriggerManual && s.now().Before(s.nextRetry) {
		s.logger.Printf("sync trigger %s suppressed until %s (backoff after %d failures)",
			trigger, s.nextRetry.Format(time.RFC3339), s.failures)
		return
	}
	// Eligibility is re-checked per trigger; conditions may have changed
	// since the event fired.
	if !s.engine.CanSync() {
		return
	}

	err := s.engine.SyncOnce(ctx)
	switch {
	case err == nil:
		s.failures = 0
		s.nextRetry = time.Time{}
	case errors.Is(err, ErrSyncInProgress), errors.Is(err, ErrNotEligible):
		// Pre-flight no-op, not a failure. No backoff.
	default:
		s.failures++
		delay := s.backoffDelay(s.failures)
		s.nextRetry = s.now().Add(delay)
		s.logger.Printf("sync trigger %s failed (attempt %d), next retry in %s: %v",
			trigger, s.failures, delay, err)
	}
}

func (s *Scheduler) backoffDelay(failures int) time.Duration {
	delay := s.backoffBase
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= s.backoffMax {
			return s.backoffMax
		}
	}
	if delay > s.backoffMax {
		return s.backoffMax
	}
	return delay
}
