// Package maintenance runs the background jobs the realtime backend needs to
// stay tidy: chat logs for workspaces that have gone quiet are pruned on a
// schedule so the durable store does not grow without bound.
package maintenance

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/tallyhq/tally/pkg/logger"
)

const (
	defaultRetentionDays = 180
	defaultPruneSpec     = "@daily"
)

// ChatLogPruner removes chat logs not written since the cutoff.
type ChatLogPruner interface {
	PruneIdle(ctx context.Context, cutoff time.Time) (int64, error)
}

// Cleaner coordinates the scheduled maintenance tasks.
type Cleaner struct {
	pruner    ChatLogPruner
	cron      *cron.Cron
	now       func() time.Time
	log       *zap.Logger
	retention int
	pruneSpec string
}

// Option customises the Cleaner.
type Option func(*Cleaner)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(cleaner *Cleaner) {
		if c != nil {
			cleaner.cron = c
		}
	}
}

// WithNow overrides the clock used for retention comparisons.
func WithNow(now func() time.Time) Option {
	return func(cleaner *Cleaner) {
		if now != nil {
			cleaner.now = now
		}
	}
}

// WithRetentionDays adjusts how long idle chat logs are retained.
func WithRetentionDays(days int) Option {
	return func(cleaner *Cleaner) {
		if days > 0 {
			cleaner.retention = days
		}
	}
}

// WithPruneSchedule overrides the cron specification for log pruning.
func WithPruneSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.pruneSpec = spec
		}
	}
}

// NewCleaner constructs a Cleaner with sensible defaults. A nil pruner
// results in the job being skipped.
func NewCleaner(pruner ChatLogPruner, opts ...Option) *Cleaner {
	cleaner := &Cleaner{
		pruner:    pruner,
		now:       time.Now,
		retention: defaultRetentionDays,
		pruneSpec: defaultPruneSpec,
		log:       logger.WithModule("maintenance"),
	}

	for _, opt := range opts {
		opt(cleaner)
	}

	if cleaner.cron == nil {
		cleaner.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}

	return cleaner
}

// Start registers the cleanup jobs with the scheduler and launches it.
func (c *Cleaner) Start() error {
	if c.pruner == nil {
		return nil
	}

	if _, err := c.cron.AddFunc(c.pruneSpec, func() {
		if err := c.pruneOnce(context.Background()); err != nil {
			c.log.Warn("chat log prune failed", zap.Error(err))
		}
	}); err != nil {
		return err
	}

	c.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for any running jobs to complete.
func (c *Cleaner) Stop() context.Context {
	if c.cron == nil {
		return context.Background()
	}
	return c.cron.Stop()
}

// RunOnce executes all configured cleanup routines sequentially. Used in
// tests and during graceful shutdown.
func (c *Cleaner) RunOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var errs error

	if c.pruner != nil {
		if err := c.pruneOnce(ctx); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	return errs
}

func (c *Cleaner) pruneOnce(ctx context.Context) error {
	cutoff := c.now().AddDate(0, 0, -c.retention)
	pruned, err := c.pruner.PruneIdle(ctx, cutoff)
	if err != nil {
		return err
	}
	if pruned > 0 {
		c.log.Info("pruned idle chat logs", zap.Int64("count", pruned))
	}
	return nil
}
