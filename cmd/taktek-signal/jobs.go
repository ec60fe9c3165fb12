package main

import (
	"context"
	"log/slog"

	"github.com/TakTek-App/TakTek-App/internal/config"
	"github.com/TakTek-App/TakTek-App/internal/jobs"
	"github.com/TakTek-App/TakTek-App/internal/metrics"
)

// jobQueue bundles the outbox store with the dispatcher draining it. A nil
// *jobQueue means job creation is disabled.
type jobQueue struct {
	*jobs.Dispatcher
	store jobs.Store
}

func newJobQueue(ctx context.Context, cfg config.JobsConfig, logger *slog.Logger, m *metrics.Metrics) (*jobQueue, error) {
	if cfg.APIURL == "" {
		logger.Warn("job creation disabled: no jobs api url configured")
		return nil, nil
	}

	var store jobs.Store
	if cfg.OutboxPath != "" {
		s, err := jobs.OpenSQLite(ctx, cfg.OutboxPath)
		if err != nil {
			return nil, err
		}
		store = s
	} else {
		store = jobs.NewMemoryStore()
	}

	client := jobs.NewClient(jobs.ClientConfig{
		BaseURL:   cfg.APIURL,
		Timeout:   cfg.APITimeout,
		JWTSecret: cfg.JWTSecret,
		JWTIssuer: cfg.JWTIssuer,
	})
	d := jobs.NewDispatcher(jobs.DispatcherConfig{
		Store:          store,
		Creator:        client,
		Logger:         logger.With("component", "jobs"),
		Metrics:        m,
		Workers:        cfg.Workers,
		MaxAttempts:    cfg.MaxAttempts,
		RetryBackoff:   cfg.RetryBackoff,
		PollInterval:   cfg.PollInterval,
		AttemptTimeout: cfg.APITimeout,
	})
	return &jobQueue{Dispatcher: d, store: store}, nil
}

func (q *jobQueue) enabled() bool {
	return q != nil
}

func (q *jobQueue) Run(ctx context.Context) {
	if q == nil {
		return
	}
	q.Dispatcher.Run(ctx)
}

func (q *jobQueue) Close() {
	if q == nil {
		return
	}
	if err := q.store.Close(); err != nil {
		slog.Default().Warn("close job outbox", "err", err)
	}
}
