package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultInterval is how often the scheduled trigger fires
const DefaultInterval = 30 * time.Minute

// Service fires the guard's scheduled trigger on a cron schedule
type Service struct {
	guard    *Guard
	cron     *cron.Cron
	interval time.Duration
	logger   *slog.Logger
}

// NewService creates a service. A zero interval uses DefaultInterval.
func NewService(guard *Guard, interval time.Duration, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}

	s := &Service{
		guard:    guard,
		interval: interval,
		logger:   logger,
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", interval), s.tick); err != nil {
		return nil, fmt.Errorf("invalid schedule interval %s: %w", interval, err)
	}
	return s, nil
}

// Interval returns the trigger interval
func (s *Service) Interval() time.Duration {
	return s.interval
}

func (s *Service) tick() {
	decision, _, err := s.guard.RunScheduled(context.Background())
	if err != nil {
		s.logger.Error("scheduled trigger finished with error", "decision", decision, "error", err)
		return
	}
	s.logger.Debug("scheduled trigger finished", "decision", decision)
}

// Run starts the schedule and blocks until ctx is done, then waits for a
// running trigger to finish.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("scheduler started", "interval", s.interval.String())
	s.cron.Start()
	<-ctx.Done()
	stopped := s.cron.Stop()
	<-stopped.Done()
	s.logger.Info("scheduler stopped")
	return nil
}
