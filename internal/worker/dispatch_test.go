package worker

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"dispatchq/internal/models"
	"dispatchq/internal/progress"
	"dispatchq/internal/queue"
)

func (e *testEnv) popDispatch(t *testing.T) models.Job {
	t.Helper()
	job, ok, err := e.queues.Pop(context.Background(), queue.Dispatch)
	if err != nil || !ok {
		t.Fatalf("pop dispatch: ok=%v err=%v", ok, err)
	}
	return job
}

func TestExpandFanOut(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	ids := env.candidates(10)
	env.connectedSlots(7)

	jobID := env.addDispatch(t, ids, 5)
	job := env.popDispatch(t)

	if err := env.dispatch.Process(ctx, &job); err != nil {
		t.Fatalf("process: %v", err)
	}

	msgs := env.drainMessages(t)
	if len(msgs) != 10 {
		t.Fatalf("expected 10 message jobs, got %d", len(msgs))
	}
	for i, m := range msgs {
		if m.SlotNumber != 7 {
			t.Fatalf("message %d assigned slot %d, want 7", i, m.SlotNumber)
		}
		if m.ParentJobID != jobID {
			t.Fatalf("message %d has parent %q, want %q", i, m.ParentJobID, jobID)
		}
		if m.CandidateID != ids[i] {
			t.Fatalf("fan-out order broken: message %d is %q, want %q", i, m.CandidateID, ids[i])
		}
	}

	first := msgs[0]
	if !strings.Contains(first.RenderedMessage, "Candidate a") {
		t.Fatalf("candidate name not substituted: %q", first.RenderedMessage)
	}
	if !strings.Contains(first.RenderedMessage, "Client client-1") {
		t.Fatalf("client name not substituted: %q", first.RenderedMessage)
	}
	if strings.Contains(first.RenderedMessage, "[") {
		t.Fatalf("placeholder left in message: %q", first.RenderedMessage)
	}

	p, found, err := env.tracker.Get(ctx, jobID)
	if err != nil || !found {
		t.Fatalf("progress: found=%v err=%v", found, err)
	}
	if p.Total != 10 || p.Sent != 0 || p.Failed != 0 {
		t.Fatalf("unexpected progress after expansion: %+v", p)
	}
	if p.Status != models.StatusCompleted {
		t.Fatalf("expected completed after expansion, got %q", p.Status)
	}

	if len(env.selections.marked) != 1 || env.selections.marked[0] != "sel-1" {
		t.Fatalf("expected selection marked sent, got %v", env.selections.marked)
	}
}

func TestExpandRoundRobinAcrossSlots(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	ids := env.candidates(7)
	env.connectedSlots(1, 2, 3)
	env.conns.slots = append(env.conns.slots, models.ConnectionSlot{SlotNumber: 4, IsConnected: false})

	env.addDispatch(t, ids, 2)
	job := env.popDispatch(t)
	if err := env.dispatch.Process(ctx, &job); err != nil {
		t.Fatalf("process: %v", err)
	}

	msgs := env.drainMessages(t)
	want := []int{1, 2, 3, 1, 2, 3, 1}
	if len(msgs) != len(want) {
		t.Fatalf("expected %d messages, got %d", len(want), len(msgs))
	}
	for i, m := range msgs {
		if m.SlotNumber != want[i] {
			t.Fatalf("message %d on slot %d, want %d (disconnected slots must not rotate in)", i, m.SlotNumber, want[i])
		}
	}
}

func TestExpandNoActiveConnection(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	ids := env.candidates(3)
	env.conns.slots = []models.ConnectionSlot{{SlotNumber: 1, IsConnected: false}}

	jobID := env.addDispatch(t, ids, 5)
	env.sched.Tick(ctx)

	job, ok, _ := env.queues.GetJob(ctx, jobID)
	if !ok {
		t.Fatalf("job record missing")
	}
	if job.Status != models.StatusFailed {
		t.Fatalf("expected failed, got %q", job.Status)
	}
	if !strings.Contains(job.LastError, ErrNoActiveConnection.Error()) {
		t.Fatalf("unexpected last error: %q", job.LastError)
	}

	// Permanent failure: not retried, no fan-out, no progress snapshot.
	if depth, _ := env.queues.Depth(ctx, queue.Dispatch); depth != 0 {
		t.Fatalf("expected empty dispatch queue, got %d", depth)
	}
	if depth, _ := env.queues.Depth(ctx, queue.Message); depth != 0 {
		t.Fatalf("expected no message jobs, got %d", depth)
	}
	if _, found, _ := env.tracker.Get(ctx, jobID); found {
		t.Fatalf("expected no progress snapshot for a dispatch that never started")
	}
	if len(env.selections.marked) != 0 {
		t.Fatalf("selection must not be marked sent, got %v", env.selections.marked)
	}
}

func TestExpandUnknownCandidateCountedFailed(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	ids := env.candidates(2)
	ids = append(ids, "ghost")
	env.connectedSlots(1)

	jobID := env.addDispatch(t, ids, 10)
	job := env.popDispatch(t)
	if err := env.dispatch.Process(ctx, &job); err != nil {
		t.Fatalf("process: %v", err)
	}

	if msgs := env.drainMessages(t); len(msgs) != 2 {
		t.Fatalf("expected 2 message jobs, got %d", len(msgs))
	}

	p, _, _ := env.tracker.Get(ctx, jobID)
	if p.Total != 3 || p.Failed != 1 {
		t.Fatalf("unexpected progress: %+v", p)
	}
	if len(p.Errors) != 1 || p.Errors[0] != "candidate ghost: not found" {
		t.Fatalf("unexpected errors: %v", p.Errors)
	}
	if p.Status != models.StatusCompleted {
		t.Fatalf("one bad candidate must not fail the dispatch, got %q", p.Status)
	}
}

func TestExpandOnlyOnce(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	ids := env.candidates(4)
	env.connectedSlots(1)

	env.addDispatch(t, ids, 10)
	job := env.popDispatch(t)

	if err := env.dispatch.Process(ctx, &job); err != nil {
		t.Fatalf("first process: %v", err)
	}
	// A requeued copy of the same job must not duplicate the fan-out.
	if err := env.dispatch.Process(ctx, &job); err != nil {
		t.Fatalf("second process: %v", err)
	}

	if msgs := env.drainMessages(t); len(msgs) != 4 {
		t.Fatalf("expected 4 message jobs after re-run, got %d", len(msgs))
	}
}

func TestExpandLeavesSlotSnapshotIntact(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	ids := env.candidates(1)
	env.conns.slots = []models.ConnectionSlot{
		{SlotNumber: 9, IsConnected: false},
		{SlotNumber: 1, IsConnected: true},
	}

	env.addDispatch(t, ids, 10)
	job := env.popDispatch(t)
	if err := env.dispatch.Process(ctx, &job); err != nil {
		t.Fatalf("process: %v", err)
	}

	if env.conns.slots[0].SlotNumber != 9 || env.conns.slots[0].IsConnected {
		t.Fatalf("connection manager's slice was mutated: %+v", env.conns.slots)
	}
	msgs := env.drainMessages(t)
	if len(msgs) != 1 || msgs[0].SlotNumber != 1 {
		t.Fatalf("expected one message on slot 1, got %+v", msgs)
	}
}

func TestInterruptedExpansionConverges(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	ids := env.candidates(4)
	env.connectedSlots(1)

	jobID := env.addDispatch(t, ids, 10)
	job := env.popDispatch(t)

	// Simulate a first pass that crashed after issuing two of four
	// candidates: snapshot and marker exist, two accounted for.
	if err := env.tracker.Init(ctx, jobID, 4, time.Now()); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := env.st.Set(ctx, expandedKey(jobID), "1", time.Hour); err != nil {
		t.Fatalf("set marker: %v", err)
	}
	_ = env.tracker.Increment(ctx, jobID, progress.FieldAccounted)
	_ = env.tracker.Increment(ctx, jobID, progress.FieldAccounted)

	if err := env.dispatch.Process(ctx, &job); err != nil {
		t.Fatalf("process: %v", err)
	}

	p, _, _ := env.tracker.Get(ctx, jobID)
	if p.Failed != 2 {
		t.Fatalf("unreached candidates should count as failed, got %+v", p)
	}
	if len(p.Errors) != 1 || !strings.Contains(p.Errors[0], "not issued") {
		t.Fatalf("expected one reconciliation error line, got %v", p.Errors)
	}
	if p.Status != models.StatusCompleted {
		t.Fatalf("expected completed, got %q", p.Status)
	}
	// No duplicate fan-out either way.
	if msgs := env.drainMessages(t); len(msgs) != 0 {
		t.Fatalf("re-run must not issue message jobs, got %d", len(msgs))
	}

	// A further retry finds everything accounted for and changes nothing.
	if err := env.dispatch.Process(ctx, &job); err != nil {
		t.Fatalf("third process: %v", err)
	}
	p, _, _ = env.tracker.Get(ctx, jobID)
	if p.Failed != 2 || len(p.Errors) != 1 {
		t.Fatalf("reconciliation must be idempotent, got %+v", p)
	}
}

func TestExpandRetriesOnRepositoryError(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	ids := env.candidates(2)
	env.connectedSlots(1)
	env.repo.err = errors.New("db down")

	jobID := env.addDispatch(t, ids, 10)
	env.sched.Tick(ctx)

	job, _, _ := env.queues.GetJob(ctx, jobID)
	if job.Status != models.StatusPending || job.Attempts != 1 {
		t.Fatalf("expected pending retry with 1 attempt, got %+v", job)
	}
	if depth, _ := env.queues.Depth(ctx, queue.Dispatch); depth != 1 {
		t.Fatalf("expected job requeued, got depth %d", depth)
	}

	env.repo.err = nil
	env.sched.Tick(ctx)

	job, _, _ = env.queues.GetJob(ctx, jobID)
	if job.Status != models.StatusCompleted {
		t.Fatalf("expected completed after recovery, got %q", job.Status)
	}
}
