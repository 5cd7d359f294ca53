package syncer

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/bioinfo/internal/observable"
)

// AutoSyncOptions configures periodic syncing.
type AutoSyncOptions struct {
	Interval       time.Duration `default:"1m"`
	InitialBackoff time.Duration `default:"2s"`
	MaxBackoff     time.Duration `default:"5m"`
}

// AutoSync runs SyncAll periodically and on demand. A pass that errors or
// reports failed items is retried with exponential backoff.
type AutoSync struct {
	engine  *Engine
	logger  *logrus.Logger
	opts    AutoSyncOptions
	trigger chan struct{}
	last    *observable.Value[*Report]
}

func NewAutoSync(engine *Engine, logger *logrus.Logger, opts *AutoSyncOptions) *AutoSync {
	if logger == nil {
		logger = logrus.New()
	}
	o := AutoSyncOptions{}
	if opts != nil {
		o = *opts
	}
	defaults.SetDefaults(&o)
	return &AutoSync{
		engine:  engine,
		logger:  logger,
		opts:    o,
		trigger: make(chan struct{}, 1),
		last:    observable.NewValue[*Report](nil),
	}
}

// LastReport is the observable report of the most recent pass.
func (a *AutoSync) LastReport() *observable.Value[*Report] { return a.last }

// Trigger requests a pass as soon as possible. Requests made while one is
// pending are merged.
func (a *AutoSync) Trigger() {
	select {
	case a.trigger <- struct{}{}:
	default:
	}
}

// Run syncs until ctx is done. It returns nil when ctx is canceled.
func (a *AutoSync) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = a.opts.InitialBackoff
	bo.MaxInterval = a.opts.MaxBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()

	timer := time.NewTimer(a.opts.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		case <-a.trigger:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		wait := a.pass(ctx, bo)
		if ctx.Err() != nil {
			return nil
		}
		timer.Reset(wait)
	}
}

// pass runs one SyncAll and returns the delay before the next one.
func (a *AutoSync) pass(ctx context.Context, bo *backoff.ExponentialBackOff) time.Duration {
	report, err := a.engine.SyncAll(ctx)
	a.last.Set(report)

	switch {
	case errors.Is(err, context.Canceled):
		return a.opts.Interval
	case err != nil || report.Failed() > 0:
		wait := bo.NextBackOff()
		a.logger.WithError(err).WithFields(logrus.Fields{
			"failed": report.Failed(),
			"retry":  wait,
		}).Warn("Sync pass incomplete, backing off")
		return wait
	default:
		bo.Reset()
		return a.opts.Interval
	}
}
