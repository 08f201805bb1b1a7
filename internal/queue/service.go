package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"dispatchq/internal/models"
	"dispatchq/internal/progress"
	"dispatchq/internal/store"
)

// CancelReason is the fixed error recorded on a cancelled dispatch job.
const CancelReason = "cancelled"

// StatusNotFound is returned by GetJobStatus for unknown job ids.
const StatusNotFound = "not_found"

var (
	ErrNoCandidates = errors.New("candidate list is empty")
	ErrNoTemplate   = errors.New("message template is empty")
	ErrNoClient     = errors.New("client id is required")
)

// Service is the public entry point used by the surrounding application:
// enqueue a dispatch, poll its status, cancel it, inspect queue depths.
type Service struct {
	queues  *Queues
	tracker *progress.Tracker
	store   *store.Store
	log     zerolog.Logger

	maxAttempts int
}

func NewService(q *Queues, tracker *progress.Tracker, st *store.Store, maxAttempts int, log zerolog.Logger) *Service {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Service{queues: q, tracker: tracker, store: st, log: log, maxAttempts: maxAttempts}
}

// AddDispatchJob validates and enqueues a fan-out request, returning the
// dispatch job id the caller polls with GetJobStatus.
func (s *Service) AddDispatchJob(ctx context.Context, payload models.DispatchPayload) (string, error) {
	if payload.ClientID == "" {
		return "", ErrNoClient
	}
	if len(payload.CandidateIDs) == 0 {
		return "", ErrNoCandidates
	}
	if payload.MessageTemplate == "" {
		return "", ErrNoTemplate
	}
	payload.PriorityClass = models.NormalizeClass(payload.PriorityClass)
	if payload.RateLimit.BatchSize <= 0 {
		payload.RateLimit.BatchSize = 10
	}
	if payload.RateLimit.DelayPerMessage <= 0 {
		payload.RateLimit.DelayPerMessage = time.Second
	}
	if payload.RateLimit.MaxRetries <= 0 {
		payload.RateLimit.MaxRetries = 3
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal dispatch payload: %w", err)
	}

	now := time.Now().UTC()
	job := models.Job{
		ID:          uuid.NewString(),
		Kind:        models.KindDispatch,
		Payload:     raw,
		Priority:    models.PriorityValue(payload.PriorityClass),
		MaxAttempts: s.maxAttempts,
		Status:      models.StatusPending,
		CreatedAt:   now,
		NextRunAt:   now,
	}

	if err := s.queues.SaveJob(ctx, job); err != nil {
		return "", fmt.Errorf("save dispatch job: %w", err)
	}
	if err := s.queues.Push(ctx, Dispatch, job); err != nil {
		return "", fmt.Errorf("enqueue dispatch job: %w", err)
	}

	s.log.Info().
		Str("job_id", job.ID).
		Str("client_id", payload.ClientID).
		Str("selection_id", payload.SelectionID).
		Int("candidates", len(payload.CandidateIDs)).
		Str("priority", payload.PriorityClass).
		Msg("dispatch job enqueued")
	return job.ID, nil
}

// JobStatus is the caller-facing view of a dispatch job. Note that a
// completed status means the job was fully expanded into message jobs;
// Progress keeps moving until every message reaches a terminal state.
type JobStatus struct {
	ID          string           `json:"id,omitempty"`
	Status      string           `json:"status"`
	Progress    *models.Progress `json:"progress,omitempty"`
	CreatedAt   *time.Time       `json:"created_at,omitempty"`
	ProcessedAt *time.Time       `json:"processed_at,omitempty"`
	LastError   string           `json:"last_error,omitempty"`
}

// GetJobStatus returns a well-formed status for any id; unknown ids get
// status not_found rather than an error.
func (s *Service) GetJobStatus(ctx context.Context, jobID string) (JobStatus, error) {
	job, ok, err := s.queues.GetJob(ctx, jobID)
	if err != nil {
		return JobStatus{}, err
	}
	if !ok {
		return JobStatus{Status: StatusNotFound}, nil
	}

	st := JobStatus{
		ID:          job.ID,
		Status:      job.Status,
		CreatedAt:   &job.CreatedAt,
		ProcessedAt: job.ProcessedAt,
		LastError:   job.LastError,
	}
	p, found, err := s.tracker.Get(ctx, jobID)
	if err != nil {
		return JobStatus{}, err
	}
	if !found {
		p = models.Progress{Errors: []string{}, Status: job.Status}
	}
	st.Progress = &p
	return st, nil
}

// CancelJob marks a dispatch job failed with a fixed cancelled reason.
// Message jobs already fanned out are not pulled back out of the queue;
// the message processor drops them when it sees the failed parent.
func (s *Service) CancelJob(ctx context.Context, jobID string) (bool, error) {
	job, ok, err := s.queues.GetJob(ctx, jobID)
	if err != nil || !ok {
		return false, err
	}
	if job.Status == models.StatusCompleted || job.Status == models.StatusFailed {
		return false, nil
	}

	job.Status = models.StatusFailed
	job.LastError = CancelReason
	if err := s.queues.SaveJob(ctx, job); err != nil {
		return false, err
	}
	_ = s.tracker.SetStatus(ctx, jobID, models.StatusFailed)
	s.log.Info().Str("job_id", jobID).Msg("dispatch job cancelled")
	return true, nil
}

// QueueStats is the live depth/in-flight snapshot per queue plus store totals.
type QueueStats struct {
	Dispatch QueueCounts `json:"dispatch"`
	Messages QueueCounts `json:"messages"`
	Store    store.Stats `json:"store"`
}

type QueueCounts struct {
	Waiting int64 `json:"waiting"`
	Active  int64 `json:"active"`
}

// GetQueueStats reports waiting and in-flight counts for both queues.
func (s *Service) GetQueueStats(ctx context.Context) (QueueStats, error) {
	var stats QueueStats
	var err error

	if stats.Dispatch.Waiting, err = s.queues.Depth(ctx, Dispatch); err != nil {
		return stats, err
	}
	if stats.Dispatch.Active, err = s.queues.Active(ctx, Dispatch); err != nil {
		return stats, err
	}
	if stats.Messages.Waiting, err = s.queues.Depth(ctx, Message); err != nil {
		return stats, err
	}
	if stats.Messages.Active, err = s.queues.Active(ctx, Message); err != nil {
		return stats, err
	}
	if stats.Store, err = s.store.Stats(ctx); err != nil {
		return stats, err
	}
	return stats, nil
}
