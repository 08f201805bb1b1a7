package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"dispatchq/internal/models"
	"dispatchq/internal/progress"
	"dispatchq/internal/queue"
	"dispatchq/internal/store"
)

type fakeRepo struct {
	candidates []models.Candidate
	err        error
}

func (f *fakeRepo) GetCandidatesByClient(ctx context.Context, clientID string) ([]models.Candidate, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.candidates, nil
}

type fakeConns struct {
	slots []models.ConnectionSlot
	err   error
}

func (f *fakeConns) GetActiveSlots(ctx context.Context, clientID string) ([]models.ConnectionSlot, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.slots, nil
}

type sendCall struct {
	clientID    string
	destination string
	message     string
	slotNumber  int
}

type fakeSender struct {
	mu            sync.Mutex
	calls         []sendCall
	failRemaining map[string]int // destination -> failures left
	failAll       bool
}

func (f *fakeSender) Send(ctx context.Context, clientID, destination, message string, slotNumber int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sendCall{clientID, destination, message, slotNumber})
	if f.failAll {
		return errors.New("channel timeout")
	}
	if f.failRemaining[destination] > 0 {
		f.failRemaining[destination]--
		return errors.New("channel timeout")
	}
	return nil
}

func (f *fakeSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeSelections struct {
	marked []string
}

func (f *fakeSelections) MarkSent(ctx context.Context, selectionID string) error {
	f.marked = append(f.marked, selectionID)
	return nil
}

type testEnv struct {
	st         *store.Store
	mr         *miniredis.Miniredis
	queues     *queue.Queues
	tracker    *progress.Tracker
	svc        *queue.Service
	repo       *fakeRepo
	conns      *fakeConns
	sender     *fakeSender
	selections *fakeSelections
	sched      *Scheduler
	dispatch   *DispatchProcessor
	message    *MessageProcessor
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	st := store.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	queues := queue.New(st, time.Hour)
	tracker := progress.NewTracker(st, time.Hour)
	svc := queue.NewService(queues, tracker, st, 3, zerolog.Nop())

	env := &testEnv{
		st:         st,
		mr:         mr,
		queues:     queues,
		tracker:    tracker,
		svc:        svc,
		repo:       &fakeRepo{},
		conns:      &fakeConns{},
		sender:     &fakeSender{failRemaining: map[string]int{}},
		selections: &fakeSelections{},
	}

	env.dispatch = NewDispatchProcessor(st, queues, tracker, env.repo, env.conns, env.selections, zerolog.Nop())
	env.message = NewMessageProcessor(queues, tracker, env.sender, zerolog.Nop())
	env.sched = NewScheduler(queues, env.dispatch, env.message, Options{
		Interval:        time.Millisecond,
		DispatchPerTick: 2,
		MessagePerTick:  5,
		// Nanosecond backoff keeps retried jobs due on the next tick.
		BackoffInitial: time.Nanosecond,
		BackoffMax:     time.Nanosecond,
	}, zerolog.Nop())
	return env
}

func (e *testEnv) candidates(n int) []string {
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id := string(rune('a' + i))
		ids = append(ids, id)
		e.repo.candidates = append(e.repo.candidates, models.Candidate{
			ID:          id,
			Name:        "Candidate " + id,
			Destination: "+55119" + id,
		})
	}
	return ids
}

func (e *testEnv) connectedSlots(numbers ...int) {
	for _, n := range numbers {
		e.conns.slots = append(e.conns.slots, models.ConnectionSlot{SlotNumber: n, IsConnected: true})
	}
}

func (e *testEnv) addDispatch(t *testing.T, ids []string, batchSize int) string {
	t.Helper()
	jobID, err := e.svc.AddDispatchJob(context.Background(), models.DispatchPayload{
		SelectionID:     "sel-1",
		ClientID:        "client-1",
		CandidateIDs:    ids,
		MessageTemplate: "Hi [candidate name], interview with [client name]",
		PriorityClass:   models.PriorityNormal,
		RateLimit: models.RateLimit{
			DelayPerMessage: time.Millisecond,
			BatchSize:       batchSize,
			MaxRetries:      3,
		},
	})
	if err != nil {
		t.Fatalf("add dispatch: %v", err)
	}
	return jobID
}

// drainMessages pops every queued message job without processing it.
func (e *testEnv) drainMessages(t *testing.T) []models.MessagePayload {
	t.Helper()
	var out []models.MessagePayload
	for {
		job, ok, err := e.queues.Pop(context.Background(), queue.Message)
		if err != nil {
			t.Fatalf("pop message: %v", err)
		}
		if !ok {
			return out
		}
		p, err := job.MessagePayload()
		if err != nil {
			t.Fatalf("decode message payload: %v", err)
		}
		out = append(out, p)
	}
}
