package retention

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// Purger removes records older than a cutoff. store.Store satisfies it.
type Purger interface {
	PurgeJobs(ctx context.Context, before time.Time) (int64, error)
	PurgeDLQ(ctx context.Context, before time.Time) (int64, error)
}

// Result reports what one sweep removed.
type Result struct {
	Cutoff time.Time
	Jobs   int64
	DLQ    int64
}

// cronParser supports standard 5-field cron and descriptors like "@every 1h".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule validates a cron expression.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sweeper) { s.logger = l }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// Sweeper periodically purges expired records.
type Sweeper struct {
	purger   Purger
	window   time.Duration
	schedule string
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	cron    *cronlib.Cron
	running bool
}

// NewSweeper creates a Sweeper that removes records older than window on
// the given cron schedule. A non-positive window disables purging.
func NewSweeper(p Purger, window time.Duration, schedule string, opts ...Option) (*Sweeper, error) {
	if _, err := ParseSchedule(schedule); err != nil {
		return nil, fmt.Errorf("retention: invalid schedule %q: %w", schedule, err)
	}
	s := &Sweeper{
		purger:   p,
		window:   window,
		schedule: schedule,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start schedules the sweep. It is a no-op when the window is disabled.
func (s *Sweeper) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running || s.window <= 0 {
		return nil
	}

	c := cronlib.New(
		cronlib.WithParser(cronParser),
		cronlib.WithLocation(time.UTC),
		cronlib.WithChain(cronlib.SkipIfStillRunning(cronlib.DiscardLogger)),
	)
	if _, err := c.AddFunc(s.schedule, func() {
		if _, err := s.Sweep(context.Background()); err != nil {
			s.logger.Error("retention sweep failed", slog.String("error", err.Error()))
		}
	}); err != nil {
		return fmt.Errorf("retention: schedule sweep: %w", err)
	}
	c.Start()
	s.cron = c
	s.running = true

	s.logger.Info("retention sweeper started",
		slog.String("schedule", s.schedule),
		slog.Duration("window", s.window),
	)
	return nil
}

// Stop unschedules the sweep and waits for a sweep in progress, or for
// ctx, whichever comes first.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	c := s.cron
	s.running = false
	s.cron = nil
	s.mu.Unlock()

	select {
	case <-c.Stop().Done():
		s.logger.Info("retention sweeper stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sweep purges records older than the window once.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	res := Result{Cutoff: s.now().UTC().Add(-s.window)}
	if s.window <= 0 {
		return res, nil
	}

	jobs, err := s.purger.PurgeJobs(ctx, res.Cutoff)
	if err != nil {
		return res, fmt.Errorf("purge jobs: %w", err)
	}
	res.Jobs = jobs

	dlqs, err := s.purger.PurgeDLQ(ctx, res.Cutoff)
	if err != nil {
		return res, fmt.Errorf("purge dlq: %w", err)
	}
	res.DLQ = dlqs

	if jobs > 0 || dlqs > 0 {
		s.logger.Info("retention sweep",
			slog.Time("cutoff", res.Cutoff),
			slog.Int64("jobs", jobs),
			slog.Int64("dlq_entries", dlqs),
		)
	}
	return res, nil
}
