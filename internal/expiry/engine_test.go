package expiry

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/iamwavecut/wardbot/internal/db"
)

type fakeStore struct {
	mu      sync.Mutex
	nextID  int64
	jobs    map[int64]*db.ScheduledJob
	deleted []int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{jobs: map[int64]*db.ScheduledJob{}}
}

func (s *fakeStore) CreateJob(ctx context.Context, job *db.ScheduledJob) (*db.ScheduledJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	copied := *job
	copied.ID = s.nextID
	s.jobs[copied.ID] = &copied
	return &copied, nil
}

func (s *fakeStore) DeleteJob(ctx context.Context, jobID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[jobID]
	delete(s.jobs, jobID)
	s.deleted = append(s.deleted, jobID)
	return ok, nil
}

func (s *fakeStore) DeleteJobsForCase(ctx context.Context, chatID int64, kind db.CaseKind, caseID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, job := range s.jobs {
		if job.ChatID == chatID && job.CaseKind == kind && job.CaseID == caseID {
			delete(s.jobs, id)
		}
	}
	return nil
}

func (s *fakeStore) ListJobs(ctx context.Context) ([]*db.ScheduledJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := make([]*db.ScheduledJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		copied := *job
		res = append(res, &copied)
	}
	return res, nil
}

func (s *fakeStore) RescheduleJob(ctx context.Context, jobID int64, fireAt time.Time, attempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[jobID]; ok {
		job.FireAt = fireAt
		job.Attempts = attempts
	}
	return nil
}

func (s *fakeStore) MarkJobCloseCommitted(ctx context.Context, jobID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[jobID]; ok {
		job.CloseCommitted = true
	}
	return nil
}

type fakeLedger struct {
	mu       sync.Mutex
	closed   []int64
	closeOK  bool
	closeErr error
}

func (l *fakeLedger) CloseRecord(ctx context.Context, chatID int64, kind db.CaseKind, id, closedBy int64, reason string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closeErr != nil {
		return false, l.closeErr
	}
	l.closed = append(l.closed, id)
	return l.closeOK, nil
}

func (l *fakeLedger) GetRecord(ctx context.Context, chatID int64, kind db.CaseKind, id int64) (*db.CaseRecord, error) {
	return &db.CaseRecord{ChatID: chatID, Kind: kind, ID: id, UserID: 42}, nil
}

type fakeReverser struct {
	mu       sync.Mutex
	reversed []int64
	failures int
}

func (r *fakeReverser) Reverse(ctx context.Context, job *db.ScheduledJob, record *db.CaseRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failures > 0 {
		r.failures--
		return fmt.Errorf("platform unavailable")
	}
	r.reversed = append(r.reversed, job.ID)
	return nil
}

func (r *fakeReverser) reversedIDs() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.reversed...)
}

func newTestEngine(store *fakeStore, ledger *fakeLedger, reverser *fakeReverser, now time.Time) *Engine {
	e := NewEngine(store, ledger, reverser, 3, time.Minute)
	e.now = func() time.Time { return now }
	return e
}

func schedule(t *testing.T, e *Engine, caseID int64, fireAt time.Time) *db.ScheduledJob {
	t.Helper()
	job, err := e.Schedule(context.Background(), &db.ScheduledJob{
		ChatID:   100,
		CaseKind: db.CaseKindMute,
		CaseID:   caseID,
		Kind:     db.JobKindUnmute,
		FireAt:   fireAt,
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	return job
}

func TestProcessDueFiresInFireAtOrder(t *testing.T) {
	t.Parallel()

	now := time.Now()
	store := newFakeStore()
	ledger := &fakeLedger{closeOK: true}
	reverser := &fakeReverser{}
	e := newTestEngine(store, ledger, reverser, now)

	late := schedule(t, e, 1, now.Add(-time.Minute))
	early := schedule(t, e, 2, now.Add(-2*time.Minute))
	pending := schedule(t, e, 3, now.Add(time.Minute))

	e.processDue(context.Background())

	got := reverser.reversedIDs()
	if len(got) != 2 || got[0] != early.ID || got[1] != late.ID {
		t.Fatalf("expected fire order [%d %d], got %v", early.ID, late.ID, got)
	}

	e.mu.Lock()
	_, stillPending := e.jobs[pending.ID]
	e.mu.Unlock()
	if !stillPending {
		t.Fatalf("future job must stay armed")
	}
}

func TestTieOnFireAtBreaksByJobID(t *testing.T) {
	t.Parallel()

	now := time.Now()
	store := newFakeStore()
	ledger := &fakeLedger{closeOK: true}
	reverser := &fakeReverser{}
	e := newTestEngine(store, ledger, reverser, now)

	fireAt := now.Add(-time.Minute)
	first := schedule(t, e, 1, fireAt)
	second := schedule(t, e, 2, fireAt)

	e.processDue(context.Background())

	got := reverser.reversedIDs()
	if len(got) != 2 || got[0] != first.ID || got[1] != second.ID {
		t.Fatalf("expected id order [%d %d], got %v", first.ID, second.ID, got)
	}
}

func TestCancelledJobNeverFires(t *testing.T) {
	t.Parallel()

	now := time.Now()
	store := newFakeStore()
	ledger := &fakeLedger{closeOK: true}
	reverser := &fakeReverser{}
	e := newTestEngine(store, ledger, reverser, now)

	job := schedule(t, e, 1, now.Add(-time.Minute))
	if err := e.Cancel(context.Background(), job.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	e.processDue(context.Background())

	if len(reverser.reversedIDs()) != 0 {
		t.Fatalf("cancelled job must not fire")
	}
	if len(ledger.closed) != 0 {
		t.Fatalf("cancelled job must not close its case")
	}
}

func TestManualCloseWinsAndJobIsDropped(t *testing.T) {
	t.Parallel()

	now := time.Now()
	store := newFakeStore()
	ledger := &fakeLedger{closeOK: false} // zero rows: someone closed it first
	reverser := &fakeReverser{}
	e := newTestEngine(store, ledger, reverser, now)

	job := schedule(t, e, 1, now.Add(-time.Minute))
	e.processDue(context.Background())

	if len(reverser.reversedIDs()) != 0 {
		t.Fatalf("losing job must not run the reversal")
	}
	store.mu.Lock()
	_, exists := store.jobs[job.ID]
	store.mu.Unlock()
	if exists {
		t.Fatalf("losing job must be deleted")
	}
}

func TestReversalFailureRetriesWithBackoffThenDrops(t *testing.T) {
	t.Parallel()

	now := time.Now()
	store := newFakeStore()
	ledger := &fakeLedger{closeOK: true}
	reverser := &fakeReverser{failures: 100}
	e := newTestEngine(store, ledger, reverser, now)

	job := schedule(t, e, 1, now.Add(-time.Minute))

	// First failure: close commits, job backs off by the base delay.
	e.processDue(context.Background())
	store.mu.Lock()
	persisted := *store.jobs[job.ID]
	store.mu.Unlock()
	if !persisted.CloseCommitted {
		t.Fatalf("close must be flagged after the first attempt")
	}
	if persisted.Attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", persisted.Attempts)
	}
	if got := persisted.FireAt.Sub(now); got != time.Minute {
		t.Fatalf("expected base delay backoff, got %s", got)
	}
	if len(ledger.closed) != 1 {
		t.Fatalf("close must run exactly once, got %d", len(ledger.closed))
	}

	// Walk the clock past each backoff until attempts are exhausted.
	for i := 0; i < 3; i++ {
		e.mu.Lock()
		tracked, ok := e.jobs[job.ID]
		if !ok {
			e.mu.Unlock()
			break
		}
		fireAt := tracked.FireAt
		e.mu.Unlock()
		e.now = func() time.Time { return fireAt }
		e.processDue(context.Background())
	}

	e.mu.Lock()
	_, stillTracked := e.jobs[job.ID]
	e.mu.Unlock()
	if stillTracked {
		t.Fatalf("job must be dropped after attempts run out")
	}
	// The close never re-runs across retries.
	if len(ledger.closed) != 1 {
		t.Fatalf("close must not repeat on retries, got %d", len(ledger.closed))
	}
}

func TestRecoveredReversalSucceedsWithoutReclosing(t *testing.T) {
	t.Parallel()

	now := time.Now()
	store := newFakeStore()
	ledger := &fakeLedger{closeOK: true}
	reverser := &fakeReverser{failures: 1}
	e := newTestEngine(store, ledger, reverser, now)

	job := schedule(t, e, 1, now.Add(-time.Minute))

	e.processDue(context.Background())
	if len(reverser.reversedIDs()) != 0 {
		t.Fatalf("first attempt should fail")
	}

	e.mu.Lock()
	fireAt := e.jobs[job.ID].FireAt
	e.mu.Unlock()
	e.now = func() time.Time { return fireAt }
	e.processDue(context.Background())

	if got := reverser.reversedIDs(); len(got) != 1 || got[0] != job.ID {
		t.Fatalf("second attempt should reverse, got %v", got)
	}
	if len(ledger.closed) != 1 {
		t.Fatalf("close must run exactly once, got %d", len(ledger.closed))
	}
}

func TestStartRearmsPersistedJobs(t *testing.T) {
	t.Parallel()

	now := time.Now()
	store := newFakeStore()
	if _, err := store.CreateJob(context.Background(), &db.ScheduledJob{
		ChatID:   100,
		CaseKind: db.CaseKindJail,
		CaseID:   5,
		Kind:     db.JobKindUnjail,
		FireAt:   now.Add(-time.Second),
	}); err != nil {
		t.Fatalf("seed job: %v", err)
	}

	ledger := &fakeLedger{closeOK: true}
	reverser := &fakeReverser{}
	e := newTestEngine(store, ledger, reverser, now)

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Stop(stopCtx)
	})

	deadline := time.After(5 * time.Second)
	for len(reverser.reversedIDs()) == 0 {
		select {
		case <-deadline:
			t.Fatalf("persisted job did not fire after restart")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
