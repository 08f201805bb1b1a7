package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"dispatchq/internal/models"
	"dispatchq/internal/store"
)

// Queue names. Dispatch jobs expand into message jobs on the message queue.
const (
	Dispatch = "dispatch"
	Message  = "message"
)

const activeKey = "queue:active"

// Queues lays the two job queues over the store's list primitives. Each
// queue is split into one FIFO list per priority class; Pop drains the
// most urgent non-empty bucket, so priority orders jobs within a cycle
// while order inside a bucket stays first-in first-out.
type Queues struct {
	store  *store.Store
	jobTTL time.Duration
}

func New(st *store.Store, jobTTL time.Duration) *Queues {
	if jobTTL <= 0 {
		jobTTL = 24 * time.Hour
	}
	return &Queues{store: st, jobTTL: jobTTL}
}

func bucketKey(queue, class string) string {
	return fmt.Sprintf("queue:%s:%s", queue, class)
}

func jobKey(id string) string { return "job:" + id }

// classForPriority buckets a numeric priority back into its class.
func classForPriority(p int) string {
	switch {
	case p >= models.PriorityValue(models.PriorityUrgent):
		return models.PriorityUrgent
	case p >= models.PriorityValue(models.PriorityHigh):
		return models.PriorityHigh
	case p >= models.PriorityValue(models.PriorityNormal):
		return models.PriorityNormal
	default:
		return models.PriorityLow
	}
}

// Push serializes the job and appends it to its priority bucket.
func (q *Queues) Push(ctx context.Context, queue string, job models.Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}
	return q.store.LPush(ctx, bucketKey(queue, classForPriority(job.Priority)), string(raw))
}

// Pop removes the next job, scanning buckets most urgent first. The
// boolean is false when every bucket is empty.
func (q *Queues) Pop(ctx context.Context, queue string) (models.Job, bool, error) {
	for _, class := range models.PriorityClasses {
		raw, ok, err := q.store.RPop(ctx, bucketKey(queue, class))
		if err != nil {
			return models.Job{}, false, err
		}
		if !ok {
			continue
		}
		var job models.Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			return models.Job{}, false, fmt.Errorf("decode queued job: %w", err)
		}
		return job, true, nil
	}
	return models.Job{}, false, nil
}

// Depth is the number of waiting jobs across all buckets of a queue.
func (q *Queues) Depth(ctx context.Context, queue string) (int64, error) {
	var total int64
	for _, class := range models.PriorityClasses {
		n, err := q.store.LLen(ctx, bucketKey(queue, class))
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// SaveJob persists the job record under job:<id> so status queries work
// independently of queue position. Records age out with the job TTL.
func (q *Queues) SaveJob(ctx context.Context, job models.Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}
	return q.store.Set(ctx, jobKey(job.ID), string(raw), q.jobTTL)
}

// GetJob loads a job record by id.
func (q *Queues) GetJob(ctx context.Context, id string) (models.Job, bool, error) {
	raw, ok, err := q.store.Get(ctx, jobKey(id))
	if err != nil || !ok {
		return models.Job{}, false, err
	}
	var job models.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return models.Job{}, false, fmt.Errorf("decode job record: %w", err)
	}
	return job, true, nil
}

// MarkActive adjusts the in-flight counter for a queue. Delta is +1 when
// a job enters processing and -1 when it leaves.
func (q *Queues) MarkActive(ctx context.Context, queue string, delta int64) error {
	_, err := q.store.HIncrBy(ctx, activeKey, queue, delta)
	return err
}

// Active reports how many jobs a queue currently has in processing.
func (q *Queues) Active(ctx context.Context, queue string) (int64, error) {
	raw, ok, err := q.store.HGet(ctx, activeKey, queue)
	if err != nil || !ok {
		return 0, err
	}
	var n int64
	_, err = fmt.Sscanf(raw, "%d", &n)
	if err != nil {
		return 0, nil
	}
	if n < 0 {
		n = 0
	}
	return n, nil
}
