package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"sharecal/internal/metrics"
)

type Sweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

type Purger interface {
	PurgeExpired(ctx context.Context) (int, error)
}

type Drainer interface {
	Trigger()
}

type Config struct {
	CacheSweep        string
	ConfirmationPurge string
	DrainSchedule     string
}

// Service runs periodic housekeeping: expired cache entries, expired confirmation
// tokens and a drain trigger for shares that were queued while offline.
type Service struct {
	cron    *cron.Cron
	sweeper Sweeper
	purger  Purger
	drainer Drainer
	metrics *metrics.Metrics
	log     zerolog.Logger
}

func NewService(cfg Config, sweeper Sweeper, purger Purger, drainer Drainer, m *metrics.Metrics, log zerolog.Logger) (*Service, error) {
	s := &Service{
		cron:    cron.New(),
		sweeper: sweeper,
		purger:  purger,
		drainer: drainer,
		metrics: m,
		log:     log.With().Str("component", "scheduler").Logger(),
	}
	jobs := []struct {
		name string
		expr string
		fn   func()
	}{
		{"cache_sweep", cfg.CacheSweep, s.SweepCache},
		{"confirmation_purge", cfg.ConfirmationPurge, s.PurgeConfirmations},
		{"drain", cfg.DrainSchedule, s.triggerDrain},
	}
	for _, j := range jobs {
		if j.expr == "" {
			continue
		}
		if err := ValidateCronExpression(j.expr); err != nil {
			return nil, fmt.Errorf("%s schedule %q: %w", j.name, j.expr, err)
		}
		if _, err := s.cron.AddFunc(j.expr, j.fn); err != nil {
			return nil, fmt.Errorf("%s schedule %q: %w", j.name, j.expr, err)
		}
		ev := s.log.Info().Str("job", j.name).Str("schedule", j.expr)
		if next, err := NextRunTime(j.expr, time.Now()); err == nil {
			ev = ev.Time("next_run", next)
		}
		ev.Msg("housekeeping scheduled")
	}
	return s, nil
}

// Start runs the schedules until ctx is done and waits for running jobs to finish.
func (s *Service) Start(ctx context.Context) {
	s.cron.Start()
	s.log.Info().Int("entries", len(s.cron.Entries())).Msg("schedule service started")
	<-ctx.Done()
	<-s.cron.Stop().Done()
}

func (s *Service) SweepCache() {
	if s.sweeper == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	n, err := s.sweeper.SweepExpired(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("cache sweep failed")
		return
	}
	s.metrics.Swept(n)
	if n > 0 {
		s.log.Info().Int("removed", n).Msg("expired cache entries swept")
	}
}

func (s *Service) PurgeConfirmations() {
	if s.purger == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	n, err := s.purger.PurgeExpired(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("confirmation purge failed")
		return
	}
	if n > 0 {
		s.log.Info().Int("removed", n).Msg("expired confirmations purged")
	}
}

func (s *Service) triggerDrain() {
	if s.drainer != nil {
		s.drainer.Trigger()
	}
}

// ValidateCronExpression accepts standard five-field expressions and descriptors
// such as "@every 15m".
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// NextRunTime calculates the next run time for a cron expression
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	cronSchedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return cronSchedule.Next(from), nil
}
