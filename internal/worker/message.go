package worker

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"dispatchq/internal/models"
	"dispatchq/internal/progress"
	"dispatchq/internal/queue"
	"dispatchq/internal/telemetry"
)

// MessageProcessor delivers one message job: a single send to a single
// candidate over an assigned connection slot. Failures are contained to
// the candidate; siblings of the same dispatch are never affected.
type MessageProcessor struct {
	queues  *queue.Queues
	tracker *progress.Tracker
	sender  MessageSender
	log     zerolog.Logger
}

func NewMessageProcessor(q *queue.Queues, tracker *progress.Tracker, sender MessageSender, log zerolog.Logger) *MessageProcessor {
	return &MessageProcessor{queues: q, tracker: tracker, sender: sender, log: log}
}

func (p *MessageProcessor) Process(ctx context.Context, job *models.Job) error {
	payload, err := job.MessagePayload()
	if err != nil {
		return Permanent(fmt.Errorf("decode message payload: %w", err))
	}

	// Cancellation scope: a cancelled dispatch leaves its fan-out in the
	// queue, so check the parent before spending a send on it.
	if parent, ok, err := p.queues.GetJob(ctx, payload.ParentJobID); err == nil && ok && parent.Status == models.StatusFailed {
		_ = p.tracker.Increment(ctx, payload.ParentJobID, progress.FieldFailed)
		telemetry.MessagesDropped.Inc()
		p.log.Info().
			Str("job_id", job.ID).
			Str("parent_id", payload.ParentJobID).
			Str("candidate_id", payload.CandidateID).
			Msg("parent dispatch failed, dropping message")
		return nil
	}

	if err := p.sender.Send(ctx, payload.ClientID, payload.Destination, payload.RenderedMessage, payload.SlotNumber); err != nil {
		telemetry.SendFailures.Inc()
		return fmt.Errorf("send to %s via slot %d: %w", payload.CandidateID, payload.SlotNumber, err)
	}

	if err := p.tracker.Increment(ctx, payload.ParentJobID, progress.FieldSent); err != nil {
		p.log.Warn().Str("job_id", job.ID).Err(err).Msg("progress update failed after send")
	}
	telemetry.MessagesSent.Inc()
	p.log.Debug().
		Str("job_id", job.ID).
		Str("candidate_id", payload.CandidateID).
		Int("slot", payload.SlotNumber).
		Msg("message sent")
	return nil
}

// FailPermanently runs once per message job, after its attempt budget is
// spent: the failed counter moves exactly once and one human-readable
// line lands in the dispatch's error list.
func (p *MessageProcessor) FailPermanently(ctx context.Context, job *models.Job, cause error) {
	payload, err := job.MessagePayload()
	if err != nil {
		p.log.Error().Str("job_id", job.ID).Err(err).Msg("undecodable message job failed")
		return
	}
	_ = p.tracker.Increment(ctx, payload.ParentJobID, progress.FieldFailed)
	_ = p.tracker.AppendError(ctx, payload.ParentJobID,
		fmt.Sprintf("%s (%s): %v", payload.CandidateName, payload.Destination, cause))
	telemetry.MessagesDead.Inc()
	p.log.Warn().
		Str("job_id", job.ID).
		Str("candidate_id", payload.CandidateID).
		Int("attempts", job.Attempts).
		Err(cause).
		Msg("message failed permanently")
}
