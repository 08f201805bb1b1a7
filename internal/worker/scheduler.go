package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"dispatchq/internal/models"
	"dispatchq/internal/queue"
	"dispatchq/internal/telemetry"
)

// Processor handles jobs of one kind. FailPermanently is invoked exactly
// once, when a job exhausts its attempts or returns a permanent error.
type Processor interface {
	Process(ctx context.Context, job *models.Job) error
	FailPermanently(ctx context.Context, job *models.Job, cause error)
}

// Options bound the scheduler's per-tick work.
type Options struct {
	Interval        time.Duration
	DispatchPerTick int
	MessagePerTick  int
	BackoffInitial  time.Duration
	BackoffMax      time.Duration
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = 500 * time.Millisecond
	}
	if o.DispatchPerTick <= 0 {
		o.DispatchPerTick = 2
	}
	if o.MessagePerTick <= 0 {
		o.MessagePerTick = 5
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = 2 * time.Second
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 5 * time.Minute
	}
}

// Scheduler is the single cooperative polling loop: every tick it drains
// a bounded number of jobs from each queue, dispatch first, and runs them
// synchronously. One failing job never halts the loop; a store outage
// costs one tick, not the process.
type Scheduler struct {
	queues   *queue.Queues
	dispatch Processor
	message  Processor
	opts     Options
	log      zerolog.Logger
}

func NewScheduler(q *queue.Queues, dispatch, message Processor, opts Options, log zerolog.Logger) *Scheduler {
	opts.defaults()
	return &Scheduler{queues: q, dispatch: dispatch, message: message, opts: opts, log: log}
}

// Run ticks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	s.log.Info().
		Dur("interval", s.opts.Interval).
		Int("dispatch_per_tick", s.opts.DispatchPerTick).
		Int("message_per_tick", s.opts.MessagePerTick).
		Msg("scheduler started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick processes one scheduling cycle. Exported so tests can drive the
// loop deterministically.
func (s *Scheduler) Tick(ctx context.Context) {
	s.drain(ctx, queue.Dispatch, s.opts.DispatchPerTick, s.dispatch)
	s.drain(ctx, queue.Message, s.opts.MessagePerTick, s.message)

	if depth, err := s.queues.Depth(ctx, queue.Dispatch); err == nil {
		telemetry.DispatchDepthGauge.Set(float64(depth))
	}
	if depth, err := s.queues.Depth(ctx, queue.Message); err == nil {
		telemetry.MessageDepthGauge.Set(float64(depth))
	}
}

func (s *Scheduler) drain(ctx context.Context, name string, limit int, proc Processor) {
	// Jobs that must go back on the queue, either not yet due or scheduled
	// for retry, are held until the loop ends. Pushing them back mid-loop
	// would let one backing-off job in an urgent bucket get re-popped every
	// iteration and starve due jobs in lower buckets.
	var requeue []models.Job
	for i := 0; i < limit; i++ {
		job, ok, err := s.queues.Pop(ctx, name)
		if err != nil {
			telemetry.TickErrors.Inc()
			s.log.Error().Str("queue", name).Err(err).Msg("dequeue failed, abandoning tick")
			break
		}
		if !ok {
			break
		}

		if job.NextRunAt.After(time.Now()) {
			requeue = append(requeue, job)
			continue
		}

		if retry, again := s.runJob(ctx, name, job, proc); again {
			requeue = append(requeue, retry)
		}
	}

	for _, job := range requeue {
		if err := s.queues.Push(ctx, name, job); err != nil {
			s.log.Error().Str("queue", name).Str("job_id", job.ID).Err(err).Msg("requeue failed")
		}
	}
}

// runJob processes one job. When the job should be retried it returns
// the updated copy and true; the caller requeues it after the drain
// loop finishes.
func (s *Scheduler) runJob(ctx context.Context, name string, job models.Job, proc Processor) (models.Job, bool) {
	// The queued copy is stale if the job was cancelled while waiting.
	if fresh, ok, err := s.queues.GetJob(ctx, job.ID); err == nil && ok && fresh.Status == models.StatusFailed {
		s.log.Info().Str("queue", name).Str("job_id", job.ID).Msg("skipping job failed while queued")
		return models.Job{}, false
	}

	now := time.Now().UTC()
	job.Status = models.StatusProcessing
	job.ProcessedAt = &now
	if err := s.queues.SaveJob(ctx, job); err != nil {
		s.log.Error().Str("job_id", job.ID).Err(err).Msg("persist processing state failed")
	}
	_ = s.queues.MarkActive(ctx, name, 1)
	defer func() { _ = s.queues.MarkActive(ctx, name, -1) }()
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	err := proc.Process(ctx, &job)
	if err == nil {
		s.settle(ctx, job, models.StatusCompleted, "")
		return models.Job{}, false
	}

	job.Attempts++
	job.LastError = err.Error()

	if IsPermanent(err) || job.Attempts >= job.MaxAttempts {
		s.settle(ctx, job, models.StatusFailed, job.LastError)
		proc.FailPermanently(ctx, &job, err)
		return models.Job{}, false
	}

	job.Status = models.StatusPending
	job.NextRunAt = time.Now().Add(backoffWithJitter(s.opts.BackoffInitial, s.opts.BackoffMax, job.Attempts))
	if job.Kind == models.KindMessage {
		if perr := job.SetMessageAttempt(job.Attempts + 1); perr != nil {
			s.log.Warn().Str("job_id", job.ID).Err(perr).Msg("attempt sync failed")
		}
	}
	if err := s.queues.SaveJob(ctx, job); err != nil {
		s.log.Error().Str("job_id", job.ID).Err(err).Msg("persist retry state failed")
	}
	telemetry.JobRetries.Inc()
	s.log.Info().
		Str("queue", name).
		Str("job_id", job.ID).
		Int("attempts", job.Attempts).
		Time("next_run", job.NextRunAt).
		Msg("job scheduled for retry")
	return job, true
}

// settle writes the terminal state unless a concurrent cancel already
// marked the job failed.
func (s *Scheduler) settle(ctx context.Context, job models.Job, status, lastError string) {
	if fresh, ok, err := s.queues.GetJob(ctx, job.ID); err == nil && ok &&
		fresh.Status == models.StatusFailed && fresh.LastError == queue.CancelReason {
		return
	}
	job.Status = status
	job.LastError = lastError
	if err := s.queues.SaveJob(ctx, job); err != nil {
		s.log.Error().Str("job_id", job.ID).Err(err).Msg("persist terminal state failed")
	}
}
