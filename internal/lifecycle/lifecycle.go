// Package lifecycle runs the periodic sweeps that start and close auctions, close
// guarantee bidding windows and purge expired idempotency keys.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Sweeper moves due items to their next state and reports how many changed
type Sweeper interface {
	ProcessDue(ctx context.Context) (int, error)
}

// Purger deletes expired records and reports how many were removed
type Purger interface {
	Purge(ctx context.Context) (int64, error)
}

type Options struct {
	SweepInterval time.Duration
	PurgeInterval time.Duration
}

// Processor schedules one singleton job per sweep. A run that overlaps the previous
// one is skipped and rescheduled.
type Processor struct {
	scheduler  gocron.Scheduler
	auctions   Sweeper
	guarantees Sweeper
	keys       Purger
	opts       Options
	logger     zerolog.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

func NewProcessor(auctions, guarantees Sweeper, keys Purger, opts Options) (*Processor, error) {
	if opts.SweepInterval <= 0 {
		return nil, fmt.Errorf("sweep interval must be positive, got %s", opts.SweepInterval)
	}
	if opts.PurgeInterval <= 0 {
		opts.PurgeInterval = time.Hour
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	return &Processor{
		scheduler:  s,
		auctions:   auctions,
		guarantees: guarantees,
		keys:       keys,
		opts:       opts,
		logger:     log.With().Str("component", "lifecycle_processor").Logger(),
	}, nil
}

// Start registers the sweeps and starts the scheduler. Jobs stop when ctx is done
// or Stop is called.
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()

	jobs := []struct {
		name     string
		interval time.Duration
		run      func(context.Context)
	}{
		{"auction_sweep", p.opts.SweepInterval, p.sweepAuctions},
		{"guarantee_sweep", p.opts.SweepInterval, p.sweepGuarantees},
		{"idempotency_purge", p.opts.PurgeInterval, p.purgeKeys},
	}

	for _, job := range jobs {
		run := job.run
		if _, err := p.scheduler.NewJob(
			gocron.DurationJob(job.interval),
			gocron.NewTask(func() { run(p.context()) }),
			gocron.WithName(job.name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		); err != nil {
			return fmt.Errorf("failed to register job %s: %w", job.name, err)
		}
	}

	p.scheduler.Start()
	p.logger.Info().
		Dur("sweep_interval", p.opts.SweepInterval).
		Dur("purge_interval", p.opts.PurgeInterval).
		Msg("starting lifecycle processor")
	return nil
}

// Stop cancels in-flight sweeps and waits for the scheduler to shut down
func (p *Processor) Stop() error {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Unlock()

	if err := p.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("failed to shutdown scheduler: %w", err)
	}
	p.logger.Info().Msg("shutting down lifecycle processor")
	return nil
}

// RunOnce runs every sweep synchronously
func (p *Processor) RunOnce(ctx context.Context) {
	p.sweepAuctions(ctx)
	p.sweepGuarantees(ctx)
	p.purgeKeys(ctx)
}

func (p *Processor) context() context.Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx == nil {
		return context.Background()
	}
	return p.ctx
}

func (p *Processor) sweepAuctions(ctx context.Context) {
	p.sweep(ctx, "auctions", p.auctions)
}

func (p *Processor) sweepGuarantees(ctx context.Context) {
	p.sweep(ctx, "guarantees", p.guarantees)
}

func (p *Processor) sweep(ctx context.Context, name string, s Sweeper) {
	if s == nil || ctx.Err() != nil {
		return
	}
	changed, err := s.ProcessDue(ctx)
	if err != nil {
		p.logger.Error().Err(err).Str("sweep", name).Msg("failed to process due items")
		return
	}
	if changed > 0 {
		p.logger.Info().Str("sweep", name).Int("changed", changed).Msg("processed due items")
	}
}

func (p *Processor) purgeKeys(ctx context.Context) {
	if p.keys == nil || ctx.Err() != nil {
		return
	}
	purged, err := p.keys.Purge(ctx)
	if err != nil {
		p.logger.Error().Err(err).Msg("failed to purge idempotency keys")
		return
	}
	if purged > 0 {
		p.logger.Debug().Int64("purged", purged).Msg("purged expired idempotency keys")
	}
}
