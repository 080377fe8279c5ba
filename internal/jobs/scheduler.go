// Package jobs runs periodic housekeeping: starting scheduled broadcasts and
// failing the ones that run for too long.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

const DefaultSpec = "@every 30s"

// Dispatcher is the part of the dispatch manager the jobs drive.
type Dispatcher interface {
	StartDue(ctx context.Context, now time.Time) (int, error)
	Watchdog(ctx context.Context, now time.Time) int
}

type Scheduler struct {
	cron    *cron.Cron
	d       Dispatcher
	log     *slog.Logger
	now     func() time.Time
	timeout time.Duration
}

// New registers the housekeeping job on spec (standard cron syntax or
// descriptors such as "@every 30s").
func New(d Dispatcher, spec string, log *slog.Logger) (*Scheduler, error) {
	if log == nil {
		log = slog.Default()
	}
	if spec == "" {
		spec = DefaultSpec
	}
	s := &Scheduler{
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		d:       d,
		log:     log,
		now:     time.Now,
		timeout: time.Minute,
	}
	if _, err := s.cron.AddFunc(spec, s.tick); err != nil {
		return nil, fmt.Errorf("jobs: schedule %q: %w", spec, err)
	}
	return s, nil
}

func (s *Scheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	s.RunOnce(ctx)
}

// RunOnce performs one housekeeping pass.
func (s *Scheduler) RunOnce(ctx context.Context) {
	now := s.now()
	started, err := s.d.StartDue(ctx, now)
	if err != nil {
		s.log.Error("start due broadcasts", "err", err)
	} else if started > 0 {
		s.log.Info("scheduled broadcasts started", "count", started)
	}
	if failed := s.d.Watchdog(ctx, now); failed > 0 {
		s.log.Warn("watchdog failed broadcasts", "count", failed)
	}
}

func (s *Scheduler) Start() {
	s.log.Info("job scheduler started", "entries", len(s.cron.Entries()))
	s.cron.Start()
}

// Stop prevents new runs and waits for a running one, up to ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.log.Warn("job scheduler stop timed out")
	}
}
