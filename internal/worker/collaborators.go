package worker

import (
	"context"
	"errors"

	"dispatchq/internal/models"
)

// ErrNoActiveConnection fails a dispatch job outright: no message jobs
// are created and the job is not retried. The caller must re-submit
// after reconnecting a messaging slot.
var ErrNoActiveConnection = errors.New("no active messaging connection")

// CandidateRepository resolves candidate records for a client. Supplied
// by the host application.
type CandidateRepository interface {
	GetCandidatesByClient(ctx context.Context, clientID string) ([]models.Candidate, error)
}

// ConnectionManager exposes the messaging-channel connection pool. The
// worker only ever reads slot snapshots; it never mutates slot state.
type ConnectionManager interface {
	GetActiveSlots(ctx context.Context, clientID string) ([]models.ConnectionSlot, error)
}

// MessageSender performs one send over a specific connection slot. A nil
// return means delivered; any error is treated as retryable until the
// message job's attempt budget runs out.
type MessageSender interface {
	Send(ctx context.Context, clientID, destination, message string, slotNumber int) error
}

// SelectionStore flips the originating selection record once a dispatch
// job has been fully expanded.
type SelectionStore interface {
	MarkSent(ctx context.Context, selectionID string) error
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent wraps an error so the scheduler fails the job immediately
// instead of consuming its remaining attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}
