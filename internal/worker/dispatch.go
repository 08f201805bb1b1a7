package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"dispatchq/internal/models"
	"dispatchq/internal/progress"
	"dispatchq/internal/queue"
	"dispatchq/internal/store"
	"dispatchq/internal/telemetry"
)

// Template placeholders recognized by the message renderer.
const (
	PlaceholderCandidate = "[candidate name]"
	PlaceholderClient    = "[client name]"
)

const expandedTTL = 24 * time.Hour

// DispatchProcessor expands one dispatch job into one message job per
// candidate: resolves candidates, picks connection slots round-robin,
// personalizes the template, and enqueues the fan-out in batches.
type DispatchProcessor struct {
	store      *store.Store
	queues     *queue.Queues
	tracker    *progress.Tracker
	candidates CandidateRepository
	conns      ConnectionManager
	selections SelectionStore
	log        zerolog.Logger
}

func NewDispatchProcessor(
	st *store.Store,
	q *queue.Queues,
	tracker *progress.Tracker,
	candidates CandidateRepository,
	conns ConnectionManager,
	selections SelectionStore,
	log zerolog.Logger,
) *DispatchProcessor {
	return &DispatchProcessor{
		store:      st,
		queues:     q,
		tracker:    tracker,
		candidates: candidates,
		conns:      conns,
		selections: selections,
		log:        log,
	}
}

func expandedKey(jobID string) string { return "dispatched:" + jobID }

// Process runs the expansion. Errors from collaborator lookups are
// retryable at the dispatch job's own attempt budget; a missing
// connection pool is permanent.
func (p *DispatchProcessor) Process(ctx context.Context, job *models.Job) error {
	payload, err := job.DispatchPayload()
	if err != nil {
		return Permanent(fmt.Errorf("decode dispatch payload: %w", err))
	}

	// A retried job that already started issuing message jobs must not
	// expand a second time.
	expanded, err := p.store.Exists(ctx, expandedKey(job.ID))
	if err != nil {
		return fmt.Errorf("check expansion marker: %w", err)
	}
	if expanded {
		p.log.Warn().Str("job_id", job.ID).Msg("dispatch already expanded, skipping re-expansion")
		// If the first pass was cut short, candidates it never reached
		// count as failed so progress still converges on total.
		if n, err := p.tracker.ReconcileUnissued(ctx, job.ID); err == nil && n > 0 {
			_ = p.tracker.AppendError(ctx, job.ID, fmt.Sprintf("%d candidates not issued before interruption", n))
			p.log.Warn().Str("job_id", job.ID).Int("unissued", n).Msg("reconciled interrupted expansion")
		}
		p.finish(ctx, job.ID, payload.SelectionID)
		return nil
	}

	slots, err := p.activeSlots(ctx, payload.ClientID)
	if err != nil {
		return err
	}

	candidates, err := p.candidates.GetCandidatesByClient(ctx, payload.ClientID)
	if err != nil {
		return fmt.Errorf("resolve candidates for client %s: %w", payload.ClientID, err)
	}
	byID := make(map[string]models.Candidate, len(candidates))
	for _, c := range candidates {
		byID[c.ID] = c
	}

	if err := p.tracker.Init(ctx, job.ID, len(payload.CandidateIDs), time.Now()); err != nil {
		return fmt.Errorf("init progress: %w", err)
	}
	if err := p.store.Set(ctx, expandedKey(job.ID), "1", expandedTTL); err != nil {
		return fmt.Errorf("set expansion marker: %w", err)
	}

	batchSize := payload.RateLimit.BatchSize
	delay := payload.RateLimit.DelayPerMessage
	issued := 0
	slotCounter := 0

	for start := 0; start < len(payload.CandidateIDs); start += batchSize {
		end := start + batchSize
		if end > len(payload.CandidateIDs) {
			end = len(payload.CandidateIDs)
		}

		for _, candidateID := range payload.CandidateIDs[start:end] {
			cand, ok := byID[candidateID]
			if !ok {
				// Counted against total right away; never reaches a message job.
				_ = p.tracker.Increment(ctx, job.ID, progress.FieldFailed)
				_ = p.tracker.Increment(ctx, job.ID, progress.FieldAccounted)
				_ = p.tracker.AppendError(ctx, job.ID, fmt.Sprintf("candidate %s: not found", candidateID))
				continue
			}

			slot := slots[slotCounter%len(slots)]
			slotCounter++

			if err := p.enqueueMessage(ctx, job, payload, cand, slot.SlotNumber); err != nil {
				return fmt.Errorf("enqueue message for candidate %s: %w", candidateID, err)
			}
			_ = p.tracker.Increment(ctx, job.ID, progress.FieldAccounted)
			issued++
		}

		// Pause between batches spreads outbound volume; per-message
		// pacing is the scheduler's cadence, not a sleep here.
		if end < len(payload.CandidateIDs) {
			if err := sleepCtx(ctx, 2*delay); err != nil {
				return err
			}
		}
	}

	telemetry.MessagesIssued.Add(float64(issued))
	p.log.Info().
		Str("job_id", job.ID).
		Int("issued", issued).
		Int("candidates", len(payload.CandidateIDs)).
		Int("slots", len(slots)).
		Msg("dispatch expanded")

	p.finish(ctx, job.ID, payload.SelectionID)
	return nil
}

// FailPermanently records the terminal failure of a dispatch job on its
// progress snapshot, if one was created.
func (p *DispatchProcessor) FailPermanently(ctx context.Context, job *models.Job, cause error) {
	if _, found, err := p.tracker.Get(ctx, job.ID); err == nil && found {
		_ = p.tracker.SetStatus(ctx, job.ID, models.StatusFailed)
		_ = p.tracker.AppendError(ctx, job.ID, cause.Error())
	}
	telemetry.DispatchesFailed.Inc()
	p.log.Error().Str("job_id", job.ID).Err(cause).Msg("dispatch job failed permanently")
}

func (p *DispatchProcessor) activeSlots(ctx context.Context, clientID string) ([]models.ConnectionSlot, error) {
	slots, err := p.conns.GetActiveSlots(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("query connection slots for client %s: %w", clientID, err)
	}
	// Copy, never filter in place: the slice belongs to the
	// ConnectionManager implementation.
	active := make([]models.ConnectionSlot, 0, len(slots))
	for _, s := range slots {
		if s.IsConnected {
			active = append(active, s)
		}
	}
	if len(active) == 0 {
		return nil, Permanent(ErrNoActiveConnection)
	}
	return active, nil
}

func (p *DispatchProcessor) enqueueMessage(ctx context.Context, parent *models.Job, dp models.DispatchPayload, cand models.Candidate, slotNumber int) error {
	msg := models.MessagePayload{
		CandidateID:     cand.ID,
		CandidateName:   cand.Name,
		Destination:     cand.Destination,
		RenderedMessage: renderTemplate(dp.MessageTemplate, cand.Name, dp.ClientID),
		ClientID:        dp.ClientID,
		SelectionID:     dp.SelectionID,
		SlotNumber:      slotNumber,
		Attempt:         1,
		ParentJobID:     parent.ID,
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	job := models.Job{
		ID:          uuid.NewString(),
		Kind:        models.KindMessage,
		Payload:     raw,
		Priority:    parent.Priority,
		MaxAttempts: dp.RateLimit.MaxRetries,
		Status:      models.StatusPending,
		CreatedAt:   now,
		NextRunAt:   now,
	}
	if err := p.queues.SaveJob(ctx, job); err != nil {
		return err
	}
	return p.queues.Push(ctx, queue.Message, job)
}

// finish mirrors completion onto the progress snapshot and flips the
// originating selection. Completed means fully expanded; delivery keeps
// going on the message queue.
func (p *DispatchProcessor) finish(ctx context.Context, jobID, selectionID string) {
	_ = p.tracker.SetStatus(ctx, jobID, models.StatusCompleted)
	telemetry.DispatchesCompleted.Inc()
	if selectionID == "" {
		return
	}
	if err := p.selections.MarkSent(ctx, selectionID); err != nil {
		p.log.Warn().Str("selection_id", selectionID).Err(err).Msg("mark selection sent failed")
	}
}

func renderTemplate(template, candidateName, clientID string) string {
	out := strings.ReplaceAll(template, PlaceholderCandidate, candidateName)
	return strings.ReplaceAll(out, PlaceholderClient, "Client "+clientID)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
