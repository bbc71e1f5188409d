// Package batch runs recurring benchmark runs on cron schedules.
package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/rexbench/rexbench/internal/config"
)

// RunFunc starts one full benchmark run for a due batch
type RunFunc func(ctx context.Context, batch config.BatchConfig) error

// Scheduler fires benchmark runs when their cron expressions come due.
// At most one run per batch is active at a time; a still-running batch
// simply skips its slot.
type Scheduler struct {
	configs map[string]config.BatchConfig
	parser  cron.Parser
	logger  *zap.Logger

	mu      sync.Mutex
	lastRun map[string]time.Time
	running map[string]bool
}

// NewScheduler validates the batch configs and builds a scheduler
func NewScheduler(configs []config.BatchConfig, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		configs: make(map[string]config.BatchConfig),
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:  logger,
		lastRun: make(map[string]time.Time),
		running: make(map[string]bool),
	}
	for _, cfg := range configs {
		if cfg.Name == "" {
			return nil, fmt.Errorf("batch with empty name")
		}
		if _, err := s.parser.Parse(cfg.Cron); err != nil {
			return nil, fmt.Errorf("batch %q: invalid cron %q: %w", cfg.Name, cfg.Cron, err)
		}
		s.configs[cfg.Name] = cfg
	}
	return s, nil
}

// NextRun returns the next scheduled time for a batch
func (s *Scheduler) NextRun(name string) time.Time {
	cfg, ok := s.configs[name]
	if !ok {
		return time.Time{}
	}
	sched, err := s.parser.Parse(cfg.Cron)
	if err != nil {
		return time.Time{}
	}
	return sched.Next(time.Now())
}

// shouldRun reports whether a batch is due and not already running
func (s *Scheduler) shouldRun(name string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, ok := s.configs[name]
	if !ok || s.running[name] {
		return false
	}
	sched, err := s.parser.Parse(cfg.Cron)
	if err != nil {
		return false
	}
	last := s.lastRun[name]
	if last.IsZero() {
		last = now.Add(-24 * time.Hour)
	}
	return now.After(sched.Next(last))
}

func (s *Scheduler) markRunning(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[name] = true
}

func (s *Scheduler) markComplete(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[name] = false
	s.lastRun[name] = time.Now()
}

// Start ticks once a minute and fires due batches until the context is
// cancelled. Batch failures are logged, never fatal to the loop.
func (s *Scheduler) Start(ctx context.Context, run RunFunc) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for name, cfg := range s.configs {
				if !s.shouldRun(name, now) {
					continue
				}
				s.markRunning(name)
				go func(c config.BatchConfig) {
					defer s.markComplete(c.Name)
					s.logger.Info("starting scheduled benchmark batch", zap.String("batch", c.Name))
					if err := run(ctx, c); err != nil {
						s.logger.Error("scheduled batch failed", zap.String("batch", c.Name), zap.Error(err))
					}
				}(cfg)
			}
		}
	}
}
