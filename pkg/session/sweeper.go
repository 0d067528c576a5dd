package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	DefaultIdleTTL       = 30 * time.Minute
	DefaultSweepSchedule = "@every 1m"
)

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Sweeper periodically evicts idle sessions.
type Sweeper struct {
	manager  *Manager
	ttl      time.Duration
	schedule cron.Schedule
	spec     string

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewSweeper validates spec (a five-field cron expression or a descriptor
// such as "@every 1m").
func NewSweeper(manager *Manager, ttl time.Duration, spec string) (*Sweeper, error) {
	if ttl <= 0 {
		ttl = DefaultIdleTTL
	}
	if spec == "" {
		spec = DefaultSweepSchedule
	}
	sched, err := scheduleParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}
	return &Sweeper{manager: manager, ttl: ttl, schedule: sched, spec: spec}, nil
}

// Start schedules the sweep.
func (s *Sweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("sweeper is already running")
	}

	s.cron = cron.New(cron.WithParser(scheduleParser))
	s.cron.Schedule(s.schedule, cron.FuncJob(s.Sweep))
	s.cron.Start()
	s.running = true

	s.manager.logger.Info().Dur("idle_ttl", s.ttl).Str("schedule", s.spec).Msg("Session sweeper started")
	return nil
}

// Stop cancels the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return errors.New("sweeper is not running")
	}
	<-s.cron.Stop().Done()
	s.running = false

	s.manager.logger.Info().Msg("Session sweeper stopped")
	return nil
}

// Sweep evicts idle sessions once.
func (s *Sweeper) Sweep() {
	s.manager.EvictIdle(context.Background(), s.ttl)
}

// Next returns when the schedule fires after t.
func (s *Sweeper) Next(t time.Time) time.Time {
	return s.schedule.Next(t)
}
