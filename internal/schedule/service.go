// Package schedule drives daemon mode: it triggers dispatch runs on a cron
// spec in a configured timezone.
package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	logx "crossposter/pkg/logx"
)

type Config struct {
	// Spec is a cron expression (5 or 6 fields) or @every duration.
	Spec     string
	Timezone string
}

type Service struct {
	log logx.Logger
	c   *cron.Cron
}

// New builds the scheduler and registers job on the spec. Start it with
// Start; overlapping triggers are the job's problem (the engine rejects
// overlapping runs on its own).
func New(cfg Config, job func(ctx context.Context), log logx.Logger) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	spec := cfg.Spec
	if spec == "" {
		spec = "@every 30m"
	}

	loc := time.Local
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("timezone %q: %w", cfg.Timezone, err)
		}
		loc = l
	}

	// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithLocation(loc))

	s := &Service{log: log, c: c}
	if _, err := c.AddFunc(spec, func() { job(context.Background()) }); err != nil {
		return nil, fmt.Errorf("cron spec %q: %w", spec, err)
	}
	log.Info("schedule registered", logx.String("spec", spec), logx.String("tz", loc.String()))
	return s, nil
}

func (s *Service) Start() { s.c.Start() }

// Stop halts triggering and waits for a running job to return.
func (s *Service) Stop(ctx context.Context) error {
	done := s.c.Stop().Done()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
