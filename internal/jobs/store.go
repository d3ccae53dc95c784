package jobs

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned for ids with no live record. An expired record is
// indistinguishable from a deleted one.
var ErrNotFound = errors.New("job not found")

// ErrTerminalState is returned when a patch would move a record out of a
// terminal status. A job that completed, failed or was canceled keeps that
// status for good.
var ErrTerminalState = errors.New("job already in a terminal state")

// Patch carries the fields an Update may change. Nil fields are left alone.
type Patch struct {
	Status   *Status
	Progress *int
	Error    *string
	Message  *string
}

// Apply merges the patch into job and refreshes UpdatedAt. A status change on
// a record that is already terminal is rejected with ErrTerminalState and
// leaves the record untouched. Stores call this inside their own per-key
// critical section, so the guard and the write are atomic together.
func (p Patch) Apply(job *Job) error {
	if p.Status != nil && job.Status.Terminal() && *p.Status != job.Status {
		return ErrTerminalState
	}
	if p.Status != nil {
		job.Status = *p.Status
	}
	if p.Progress != nil {
		job.Progress = *p.Progress
	}
	if p.Error != nil {
		job.Error = *p.Error
	}
	if p.Message != nil {
		job.Message = *p.Message
	}
	job.UpdatedAt = time.Now()
	return nil
}

// Store is the TTL-keyed record store behind the queue. All operations are
// atomic per key; no multi-key transactions are assumed.
type Store interface {
	// Create writes a new record that expires after ttl.
	Create(ctx context.Context, job *Job, ttl time.Duration) error
	// Get returns the live record for id or ErrNotFound.
	Get(ctx context.Context, id string) (*Job, error)
	// Update merges patch into the existing record, preserving its remaining
	// TTL. Returns ErrNotFound if the record is gone and ErrTerminalState if
	// the patch would change the status of a terminal record; callers treat
	// both as benign races, not failures.
	Update(ctx context.Context, id string, patch Patch) (*Job, error)
	Delete(ctx context.Context, id string) error
	// ListAll returns live records ordered by CreatedAt descending.
	ListAll(ctx context.Context) ([]*Job, error)
	// Keys enumerates every stored id, including ones at or past their TTL.
	Keys(ctx context.Context) ([]string, error)
	// TTLRemaining reports the time until id expires; zero or negative means
	// the record is logically gone.
	TTLRemaining(ctx context.Context, id string) (time.Duration, error)
}
