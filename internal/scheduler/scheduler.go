package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked once per window boundary with the boundary time.
type TickFunc func(ctx context.Context, bucket time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Interval time.Duration
	// AlignToBucket fires on wall-clock multiples of Interval.
	AlignToBucket bool
	StartupDelay  time.Duration
	// SettleDelay postpones each tick past its boundary so the closing candle is final upstream.
	SettleDelay time.Duration
}

// Scheduler drives evaluation ticks on window boundaries.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
	now    func() time.Time
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) (*Scheduler, error) {
	if opts.Interval <= 0 {
		return nil, errors.New("scheduler interval must be positive")
	}
	if opts.SettleDelay < 0 || opts.SettleDelay >= opts.Interval {
		return nil, errors.New("scheduler settle delay must be within the interval")
	}
	return &Scheduler{
		opts:   opts,
		logger: logger.With().Str("component", "scheduler").Logger(),
		now:    time.Now,
	}, nil
}

// Interval reports the tick spacing.
func (s *Scheduler) Interval() time.Duration { return s.opts.Interval }

// Run blocks, invoking tick at each boundary until ctx is cancelled.
// A failing tick is logged and the loop carries on.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if s.opts.StartupDelay > 0 {
		if err := sleep(ctx, s.opts.StartupDelay); err != nil {
			return err
		}
	}

	bucket := s.nextBucket(s.now().UTC())
	for {
		fireAt := bucket.Add(s.opts.SettleDelay)
		delay := fireAt.Sub(s.now())
		if delay < 0 {
			// Fell behind; skip to the next boundary rather than replaying missed ones.
			missed := bucket
			bucket = s.nextBucket(s.now().UTC())
			s.logger.Warn().Time("missed_bucket", missed).Time("next_bucket", bucket).Msg("scheduler fell behind")
			continue
		}

		s.logger.Debug().Time("next_bucket", bucket).Dur("delay", delay).Msg("waiting for next bucket")
		if err := sleep(ctx, delay); err != nil {
			return err
		}

		s.logger.Info().Time("bucket", bucket).Msg("executing scheduled tick")
		if err := tick(ctx, bucket); err != nil {
			s.logger.Error().Err(err).Time("bucket", bucket).Msg("tick execution failed")
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		bucket = bucket.Add(s.opts.Interval)
	}
}

// nextBucket returns the first boundary strictly after now.
func (s *Scheduler) nextBucket(now time.Time) time.Time {
	if !s.opts.AlignToBucket {
		return now.Add(s.opts.Interval)
	}
	bucket := now.Truncate(s.opts.Interval)
	if !bucket.After(now) {
		bucket = bucket.Add(s.opts.Interval)
	}
	return bucket
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
