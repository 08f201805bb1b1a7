package progress

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"dispatchq/internal/models"
	"dispatchq/internal/store"
)

// Counter fields a caller may increment. Accounted tracks how many
// candidates the expansion has disposed of, whether issued as message
// jobs or recorded failed; it never appears in the snapshot itself.
const (
	FieldSent      = "sent"
	FieldFailed    = "failed"
	FieldAccounted = "accounted"
)

// Tracker keeps one progress snapshot per dispatch job in the queue
// store, under progress:<id>. Counters live in a hash so increments are
// atomic even with several scheduler instances; error strings live in a
// sibling list. Both carry a bounded TTL so finished jobs age out.
type Tracker struct {
	store *store.Store
	ttl   time.Duration
}

func NewTracker(st *store.Store, ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Tracker{store: st, ttl: ttl}
}

func key(jobID string) string       { return "progress:" + jobID }
func errorsKey(jobID string) string { return "progress:" + jobID + ":errors" }

// Init creates the snapshot for a dispatch job about to be expanded.
func (t *Tracker) Init(ctx context.Context, jobID string, total int, now time.Time) error {
	k := key(jobID)
	fields := map[string]string{
		"total":     strconv.Itoa(total),
		"sent":      "0",
		"failed":    "0",
		"accounted": "0",
		"start_ms":  strconv.FormatInt(now.UnixMilli(), 10),
		"status":    models.StatusProcessing,
	}
	for f, v := range fields {
		if err := t.store.HSet(ctx, k, f, v); err != nil {
			return fmt.Errorf("init progress %s: %w", jobID, err)
		}
	}
	return t.store.Expire(ctx, k, t.ttl)
}

// Increment bumps the sent or failed counter by one.
func (t *Tracker) Increment(ctx context.Context, jobID, field string) error {
	if _, err := t.store.HIncrBy(ctx, key(jobID), field, 1); err != nil {
		return fmt.Errorf("increment %s.%s: %w", jobID, field, err)
	}
	return t.store.Expire(ctx, key(jobID), t.ttl)
}

// SetStatus mirrors the parent dispatch job's status onto the snapshot.
func (t *Tracker) SetStatus(ctx context.Context, jobID, status string) error {
	return t.store.HSet(ctx, key(jobID), "status", status)
}

// ReconcileUnissued marks every candidate the expansion never disposed
// of as failed, so the counters converge on total even when an
// expansion was cut short. Returns how many were reconciled; zero when
// the expansion accounted for everyone.
func (t *Tracker) ReconcileUnissued(ctx context.Context, jobID string) (int, error) {
	fields, err := t.store.HGetAll(ctx, key(jobID))
	if err != nil {
		return 0, err
	}
	if len(fields) == 0 {
		return 0, nil
	}
	missing := atoi(fields["total"]) - atoi(fields["accounted"])
	if missing <= 0 {
		return 0, nil
	}
	if _, err := t.store.HIncrBy(ctx, key(jobID), FieldFailed, int64(missing)); err != nil {
		return 0, fmt.Errorf("reconcile %s: %w", jobID, err)
	}
	if _, err := t.store.HIncrBy(ctx, key(jobID), FieldAccounted, int64(missing)); err != nil {
		return 0, fmt.Errorf("reconcile %s: %w", jobID, err)
	}
	return missing, t.store.Expire(ctx, key(jobID), t.ttl)
}

// AppendError records a human-readable failure for display.
func (t *Tracker) AppendError(ctx context.Context, jobID, msg string) error {
	if err := t.store.LPush(ctx, errorsKey(jobID), msg); err != nil {
		return fmt.Errorf("append error %s: %w", jobID, err)
	}
	return t.store.Expire(ctx, errorsKey(jobID), t.ttl)
}

// Get returns the snapshot, deriving percentage and the remaining-time
// estimate from the stored counters. The second return is false when no
// snapshot exists for the id.
func (t *Tracker) Get(ctx context.Context, jobID string) (models.Progress, bool, error) {
	fields, err := t.store.HGetAll(ctx, key(jobID))
	if err != nil {
		return models.Progress{}, false, err
	}
	if len(fields) == 0 {
		return models.Progress{}, false, nil
	}

	p := models.Progress{
		Sent:   atoi(fields["sent"]),
		Failed: atoi(fields["failed"]),
		Total:  atoi(fields["total"]),
		Status: fields["status"],
		Errors: []string{},
	}
	if ms, err := strconv.ParseInt(fields["start_ms"], 10, 64); err == nil {
		p.StartTime = time.UnixMilli(ms)
	}

	done := p.Sent + p.Failed
	if p.Total > 0 {
		p.Percentage = int(math.Round(float64(done) / float64(p.Total) * 100))
	}
	if done > 0 && !p.StartTime.IsZero() {
		elapsed := time.Since(p.StartTime)
		avg := elapsed / time.Duration(done)
		remaining := p.Total - done
		if remaining > 0 {
			p.EstimatedTimeRemaining = time.Duration(remaining) * avg
		}
	}

	// Errors are pushed to the head; reverse for chronological order.
	raw, err := t.store.LRange(ctx, errorsKey(jobID), 0, -1)
	if err != nil {
		return p, true, err
	}
	for i := len(raw) - 1; i >= 0; i-- {
		p.Errors = append(p.Errors, raw[i])
	}
	return p, true, nil
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
