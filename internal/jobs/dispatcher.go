package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/TakTek-App/TakTek-App/internal/metrics"
)

const (
	DefaultMaxAttempts  = 5
	DefaultRetryBackoff = 2 * time.Second
	DefaultPollInterval = time.Second

	maxBackoff = 5 * time.Minute
)

type DispatcherConfig struct {
	Store   Store
	Creator Creator
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	Workers      int
	MaxAttempts  int
	RetryBackoff time.Duration
	PollInterval time.Duration
	// AttemptTimeout bounds one Create call and is also the claim lease.
	AttemptTimeout time.Duration

	Now func() time.Time
}

// Dispatcher drains the outbox with a fixed pool of workers. Failed
// deliveries are retried with exponential backoff until MaxAttempts.
type Dispatcher struct {
	cfg  DispatcherConfig
	log  *slog.Logger
	wake chan struct{}
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 10 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Dispatcher{cfg: cfg, log: cfg.Logger, wake: make(chan struct{}, 1)}
}

// Enqueue writes req to the outbox and wakes a worker.
func (d *Dispatcher) Enqueue(ctx context.Context, req Request) error {
	if err := req.Validate(); err != nil {
		return err
	}
	j, err := d.cfg.Store.Add(ctx, req, d.cfg.Now())
	if err != nil {
		return err
	}
	d.log.Debug("job queued", "job_id", j.ID, "technician_id", req.TechnicianID, "user_id", req.UserID)
	select {
	case d.wake <- struct{}{}:
	default:
	}
	return nil
}

// Run blocks until ctx is cancelled and every worker has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			d.work(ctx, worker)
		}(i)
	}
	wg.Wait()
}

func (d *Dispatcher) work(ctx context.Context, worker int) {
	t := time.NewTicker(d.cfg.PollInterval)
	defer t.Stop()
	for {
		for d.processOne(ctx, worker) {
		}
		select {
		case <-ctx.Done():
			return
		case <-d.wake:
		case <-t.C:
		}
	}
}

// processOne claims and attempts one due job. It reports whether a job was
// found so the caller can keep draining.
func (d *Dispatcher) processOne(ctx context.Context, worker int) bool {
	if ctx.Err() != nil {
		return false
	}
	j, ok, err := d.cfg.Store.Claim(ctx, d.cfg.Now(), d.cfg.AttemptTimeout)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			d.log.Error("claim job", "worker", worker, "err", err)
		}
		return false
	}
	if !ok {
		return false
	}

	attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
	err = d.cfg.Creator.Create(attemptCtx, j.Request)
	cancel()

	// Outcome writes must land even when shutdown cancelled the attempt.
	storeCtx := context.WithoutCancel(ctx)
	switch {
	case err == nil:
		d.cfg.Metrics.Inc(metrics.JobCreated)
		d.log.Info("job created", "job_id", j.ID, "technician_id", j.Request.TechnicianID, "user_id", j.Request.UserID, "attempts", j.Attempts)
		if err := d.cfg.Store.Complete(storeCtx, j.ID); err != nil {
			d.log.Error("complete job", "job_id", j.ID, "err", err)
		}
	case IsPermanent(err) || j.Attempts >= d.cfg.MaxAttempts:
		d.cfg.Metrics.Inc(metrics.JobFailed)
		d.log.Error("job failed", "job_id", j.ID, "attempts", j.Attempts, "err", err)
		if err := d.cfg.Store.Fail(storeCtx, j.ID, err.Error()); err != nil {
			d.log.Error("fail job", "job_id", j.ID, "err", err)
		}
	default:
		next := d.cfg.Now().Add(Backoff(d.cfg.RetryBackoff, j.Attempts))
		d.cfg.Metrics.Inc(metrics.JobRetried)
		d.log.Warn("job attempt failed", "job_id", j.ID, "attempts", j.Attempts, "retry_at", next, "err", err)
		if err := d.cfg.Store.Retry(storeCtx, j.ID, next, err.Error()); err != nil {
			d.log.Error("reschedule job", "job_id", j.ID, "err", err)
		}
	}
	return true
}

// Backoff returns base doubled for every attempt after the first, capped at
// five minutes.
func Backoff(base time.Duration, attempts int) time.Duration {
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}
