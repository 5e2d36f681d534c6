// Package refresher re-resolves repository metadata for published
// extensions on a cron schedule.
package refresher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/plughub/pkg/marketplace"
	"github.com/platinummonkey/plughub/pkg/observability"
)

// MetadataRefresher is satisfied by *marketplace.Service
type MetadataRefresher interface {
	RefreshAllMetadata(ctx context.Context) (marketplace.RefreshReport, error)
}

// Recorder receives the outcome of every run
type Recorder interface {
	RecordRefresh(report marketplace.RefreshReport, err error)
}

// Option configures a Refresher
type Option func(*Refresher)

// WithTimeout bounds a single run. Zero means no bound.
func WithTimeout(d time.Duration) Option {
	return func(r *Refresher) { r.timeout = d }
}

// WithRecorder reports run outcomes to rec
func WithRecorder(rec Recorder) Option {
	return func(r *Refresher) { r.recorder = rec }
}

// Refresher runs metadata refreshes on a schedule. Overlapping runs are
// skipped rather than queued.
type Refresher struct {
	target   MetadataRefresher
	schedule string
	timeout  time.Duration
	recorder Recorder
	logger   logrus.FieldLogger

	cron *cron.Cron

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
}

// New validates schedule and builds a stopped Refresher
func New(target MetadataRefresher, schedule string, logger logrus.FieldLogger, opts ...Option) (*Refresher, error) {
	r := &Refresher{
		target:   target,
		schedule: schedule,
		logger:   logger.WithField("component", "refresher"),
	}
	for _, opt := range opts {
		opt(r)
	}

	cl := cronLogger{r.logger}
	r.cron = cron.New(cron.WithChain(
		cron.Recover(cl),
		cron.SkipIfStillRunning(cl),
	), cron.WithLogger(cl))

	if _, err := r.cron.AddFunc(schedule, r.scheduledRun); err != nil {
		return nil, fmt.Errorf("invalid refresh schedule %q: %w", schedule, err)
	}
	return r, nil
}

// Start begins scheduling. Runs inherit ctx; cancelling it aborts an
// in-flight run.
func (r *Refresher) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.running = true
	r.cron.Start()
	r.logger.WithField("schedule", r.schedule).Info("metadata refresher started")
}

// Stop halts scheduling and waits for an in-flight run up to ctx
func (r *Refresher) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	cancel := r.cancel
	r.mu.Unlock()

	done := r.cron.Stop()
	select {
	case <-done.Done():
		cancel()
		r.logger.Info("metadata refresher stopped")
		return nil
	case <-ctx.Done():
		cancel()
		return fmt.Errorf("waiting for refresh run: %w", ctx.Err())
	}
}

// RunOnce performs a single refresh synchronously
func (r *Refresher) RunOnce(ctx context.Context) (report marketplace.RefreshReport, err error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	defer observability.RecoverPanicWithCallback(r.logger, "metadata refresh", func(perr error) {
		err = perr
	})

	start := time.Now()
	report, err = r.target.RefreshAllMetadata(ctx)
	if r.recorder != nil {
		r.recorder.RecordRefresh(report, err)
	}

	log := r.logger.WithField("duration", time.Since(start).String())
	if err != nil {
		log.WithError(err).Error("metadata refresh run failed")
		return report, err
	}
	log.WithField("failed", report.Failed).Debug("metadata refresh run complete")
	return report, nil
}

func (r *Refresher) scheduledRun() {
	r.mu.Lock()
	ctx := r.ctx
	r.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	_, _ = r.RunOnce(ctx)
}

// cronLogger adapts logrus to cron.Logger
type cronLogger struct {
	logger logrus.FieldLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(fields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(fields(keysAndValues)).WithError(err).Error(msg)
}

func fields(keysAndValues []interface{}) logrus.Fields {
	f := make(logrus.Fields, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		f[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return f
}
