package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler fires time_based trigger events on cron schedules. Each
// schedule carries a label so workflows can filter on which schedule
// fired them.
type Scheduler struct {
	cron    *cron.Cron
	matcher *Matcher
	logger  *slog.Logger
}

// NewScheduler creates a Scheduler around the given matcher.
func NewScheduler(matcher *Matcher, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		matcher: matcher,
		logger:  logger,
	}
}

// Add registers a cron schedule under a label.
func (s *Scheduler) Add(label, spec string) error {
	_, err := s.cron.AddFunc(spec, func() {
		ev := Event{
			Type: "time_based",
			Payload: map[string]any{
				"schedule": label,
				"fired_at": time.Now().UTC().Format(time.RFC3339),
			},
		}
		dispatches, err := s.matcher.Fire(context.Background(), ev)
		if err != nil {
			s.logger.Error("scheduled trigger failed",
				slog.String("schedule", label),
				slog.String("error", err.Error()),
			)
			return
		}
		if len(dispatches) > 0 {
			s.logger.Info("scheduled trigger fired",
				slog.String("schedule", label),
				slog.Int("dispatches", len(dispatches)),
			)
		}
	})
	if err != nil {
		return fmt.Errorf("add schedule %q: %w", label, err)
	}
	return nil
}

// Start begins firing schedules.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop stops the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
