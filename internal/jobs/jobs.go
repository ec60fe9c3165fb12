// Package jobs hands accepted hires to the external jobs API. Requests are
// written to an outbox first and delivered by a worker pool with retries.
package jobs

import (
	"context"
	"errors"
	"time"
)

var (
	ErrMissingTechnician = errors.New("jobs: missing technician id")
	ErrMissingUser       = errors.New("jobs: missing user id")
	ErrMissingService    = errors.New("jobs: missing service id")
	ErrClosed            = errors.New("jobs: store closed")
)

// Request is the body POSTed to the jobs API.
type Request struct {
	TechnicianID string `json:"technicianId"`
	UserID       string `json:"userId"`
	ServiceID    string `json:"serviceId"`
}

func (r Request) Validate() error {
	switch {
	case r.TechnicianID == "":
		return ErrMissingTechnician
	case r.UserID == "":
		return ErrMissingUser
	case r.ServiceID == "":
		return ErrMissingService
	}
	return nil
}

type Status string

const (
	StatusPending Status = "pending"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Job is an outbox row.
type Job struct {
	ID        int64
	Request   Request
	Status    Status
	Attempts  int
	NextTryAt time.Time
	LastError string
	CreatedAt time.Time
}

// Store is the job outbox.
type Store interface {
	Add(ctx context.Context, req Request, now time.Time) (Job, error)
	// Claim returns the oldest pending job due at now, counts the attempt
	// and hides it from other claimers until now+lease.
	Claim(ctx context.Context, now time.Time, lease time.Duration) (Job, bool, error)
	Complete(ctx context.Context, id int64) error
	Retry(ctx context.Context, id int64, at time.Time, lastErr string) error
	Fail(ctx context.Context, id int64, lastErr string) error
	Get(ctx context.Context, id int64) (Job, bool, error)
	Close() error
}

// Creator performs one delivery attempt.
type Creator interface {
	Create(ctx context.Context, req Request) error
}
