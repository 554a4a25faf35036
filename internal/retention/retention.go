// Package retention prunes resolved delivery records on a cron schedule.
package retention

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "alertrelay/pkg/logx"
)

const (
	DefaultSchedule = "@hourly"
	DefaultMaxAge   = 7 * 24 * time.Hour
)

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule accepts standard 5-field specs, an optional seconds field and
// descriptors such as "@hourly" or "@every 30m".
func ParseSchedule(spec string) (cron.Schedule, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		spec = DefaultSchedule
	}
	s, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("retention schedule %q: %w", spec, err)
	}
	return s, nil
}

// Pruner is the subset of storage.Store the sweep needs.
type Pruner interface {
	PruneResolved(ctx context.Context, before time.Time) (int, error)
}

type Config struct {
	Schedule string
	MaxAge   time.Duration
	// Timeout bounds one sweep.
	Timeout time.Duration
}

type Service struct {
	cfg   Config
	sched cron.Schedule
	store Pruner
	log   logx.Logger
	now   func() time.Time

	// running guards against overlapping sweeps on slow stores.
	running sync.Mutex
}

func New(cfg Config, store Pruner, log logx.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("retention: store is nil")
	}
	sched, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Schedule) == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, sched: sched, store: store, log: log, now: time.Now}, nil
}

// RunOnce deletes resolved records older than MaxAge and returns how many went.
func (s *Service) RunOnce(ctx context.Context) (int, error) {
	if !s.running.TryLock() {
		s.log.Debug("retention sweep already running; skipped")
		return 0, nil
	}
	defer s.running.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	before := s.now().Add(-s.cfg.MaxAge)
	start := time.Now()
	n, err := s.store.PruneResolved(ctx, before)
	if err != nil {
		s.log.Warn("retention sweep failed", logx.Time("before", before), logx.Err(err))
		return n, err
	}
	s.log.Info("retention sweep done",
		logx.Int("pruned", n), logx.Time("before", before), logx.Duration("took", time.Since(start)))
	return n, nil
}

// Run schedules sweeps until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	c := cron.New(cron.WithParser(parser))
	c.Schedule(s.sched, cron.FuncJob(func() {
		_, _ = s.RunOnce(ctx)
	}))
	c.Start()
	s.log.Info("retention started",
		logx.String("schedule", s.cfg.Schedule), logx.Duration("max_age", s.cfg.MaxAge),
		logx.Time("next", s.sched.Next(time.Now())))

	<-ctx.Done()
	<-c.Stop().Done()
	s.log.Info("retention stopped")
	return ctx.Err()
}
