package expiry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/iamwavecut/wardbot/internal/db"
	werrors "github.com/iamwavecut/wardbot/internal/errors"
	"github.com/iamwavecut/wardbot/internal/observability"
)

const (
	idleWake        = time.Hour
	reversalTimeout = 10 * time.Second
)

type store interface {
	CreateJob(ctx context.Context, job *db.ScheduledJob) (*db.ScheduledJob, error)
	DeleteJob(ctx context.Context, jobID int64) (bool, error)
	DeleteJobsForCase(ctx context.Context, chatID int64, kind db.CaseKind, caseID int64) error
	ListJobs(ctx context.Context) ([]*db.ScheduledJob, error)
	RescheduleJob(ctx context.Context, jobID int64, fireAt time.Time, attempts int) error
	MarkJobCloseCommitted(ctx context.Context, jobID int64) error
}

type caseLedger interface {
	CloseRecord(ctx context.Context, chatID int64, kind db.CaseKind, id, closedBy int64, reason string) (bool, error)
	GetRecord(ctx context.Context, chatID int64, kind db.CaseKind, id int64) (*db.CaseRecord, error)
}

// Reverser performs the external platform reversal for a fired job (lift the
// timeout, restore permissions). Calls must be idempotent at the target.
type Reverser interface {
	Reverse(ctx context.Context, job *db.ScheduledJob, record *db.CaseRecord) error
}

// Notifier receives expiry outcomes for the audit trail. May be nil.
type Notifier interface {
	CaseExpired(record *db.CaseRecord)
}

type Engine struct {
	store    store
	ledger   caseLedger
	reverser Reverser
	notifier Notifier

	maxAttempts int
	baseDelay   time.Duration
	now         func() time.Time

	mu   sync.Mutex
	jobs map[int64]*db.ScheduledJob
	wake chan struct{}

	runMutex  sync.Mutex
	started   bool
	runCancel context.CancelFunc
	workersWg sync.WaitGroup
}

func NewEngine(store store, ledger caseLedger, reverser Reverser, maxAttempts int, baseDelay time.Duration) *Engine {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if baseDelay <= 0 {
		baseDelay = 300 * time.Millisecond
	}
	return &Engine{
		store:       store,
		ledger:      ledger,
		reverser:    reverser,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		now:         time.Now,
		jobs:        map[int64]*db.ScheduledJob{},
		wake:        make(chan struct{}, 1),
	}
}

func (e *Engine) SetNotifier(n Notifier) {
	e.notifier = n
}

func (e *Engine) getLogEntry() *log.Entry {
	return log.WithField("context", "expiry_engine")
}

// Start loads every persisted job and arms the timer loop, so pending
// reversals survive process restarts.
func (e *Engine) Start(ctx context.Context) error {
	e.runMutex.Lock()
	defer e.runMutex.Unlock()
	if e.started {
		return nil
	}

	jobs, err := e.store.ListJobs(ctx)
	if err != nil {
		return errors.WithMessage(err, "cant load scheduled jobs")
	}
	e.mu.Lock()
	for _, job := range jobs {
		e.jobs[job.ID] = job
	}
	e.mu.Unlock()
	if len(jobs) > 0 {
		e.getLogEntry().WithField("count", len(jobs)).Info("re-armed scheduled jobs")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.runCancel = cancel

	e.workersWg.Add(1)
	go func() {
		defer e.workersWg.Done()
		e.run(runCtx)
	}()

	e.started = true
	return nil
}

func (e *Engine) Stop(ctx context.Context) error {
	e.runMutex.Lock()
	if !e.started {
		e.runMutex.Unlock()
		return nil
	}
	e.started = false
	cancel := e.runCancel
	e.runMutex.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.workersWg.Wait()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// Schedule persists the job and arms it. The job fires at or after FireAt,
// never before.
func (e *Engine) Schedule(ctx context.Context, job *db.ScheduledJob) (*db.ScheduledJob, error) {
	created, err := e.store.CreateJob(ctx, job)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.jobs[created.ID] = created
	e.mu.Unlock()
	e.kick()

	e.getLogEntry().WithFields(log.Fields{
		"job_id":  created.ID,
		"kind":    created.Kind,
		"fire_at": created.FireAt,
	}).Debug("job scheduled")
	return created, nil
}

// Cancel removes a pending job. Cancelling a job that already fired or never
// existed is a no-op.
func (e *Engine) Cancel(ctx context.Context, jobID int64) error {
	if _, err := e.store.DeleteJob(ctx, jobID); err != nil {
		return err
	}
	e.mu.Lock()
	delete(e.jobs, jobID)
	e.mu.Unlock()
	e.kick()
	return nil
}

// CancelForCase drops every pending job referencing a case, used when the
// case is closed early by a manual reversal or an accepted appeal.
func (e *Engine) CancelForCase(ctx context.Context, chatID int64, kind db.CaseKind, caseID int64) error {
	if err := e.store.DeleteJobsForCase(ctx, chatID, kind, caseID); err != nil {
		return err
	}
	e.mu.Lock()
	for id, job := range e.jobs {
		if job.ChatID == chatID && job.CaseKind == kind && job.CaseID == caseID {
			delete(e.jobs, id)
		}
	}
	e.mu.Unlock()
	e.kick()
	return nil
}

func (e *Engine) kick() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) run(ctx context.Context) {
	entry := e.getLogEntry()
	for {
		wait := e.untilNext()
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			entry.Info("shutting down expiry engine by cancelled context")
			return
		case <-e.wake:
			timer.Stop()
		case <-timer.C:
		}
		e.processDue(ctx)
	}
}

func (e *Engine) untilNext() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()

	next := time.Duration(-1)
	now := e.now()
	for _, job := range e.jobs {
		until := job.FireAt.Sub(now)
		if until < 0 {
			until = 0
		}
		if next < 0 || until < next {
			next = until
		}
	}
	if next < 0 {
		return idleWake
	}
	return next
}

// processDue fires every job due at or before now, fireAt ascending, ties by
// job id for determinism.
func (e *Engine) processDue(ctx context.Context) {
	now := e.now()

	e.mu.Lock()
	due := make([]*db.ScheduledJob, 0)
	for _, job := range e.jobs {
		if !job.FireAt.After(now) {
			due = append(due, job)
		}
	}
	e.mu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		if due[i].FireAt.Equal(due[j].FireAt) {
			return due[i].ID < due[j].ID
		}
		return due[i].FireAt.Before(due[j].FireAt)
	})

	for _, job := range due {
		select {
		case <-ctx.Done():
			return
		default:
		}
		e.fire(ctx, job)
	}
}

// fire drives one job through close-then-reverse. The ledger close is the
// exactly-once serialization point: a zero-row close means a manual reversal
// won the race and the job is dropped. Once the close commits the job is
// flagged, so retries (and restarts mid-retry) only re-run the reversal.
func (e *Engine) fire(ctx context.Context, job *db.ScheduledJob) {
	entry := e.getLogEntry().WithFields(log.Fields{
		"job_id":  job.ID,
		"kind":    job.Kind,
		"case_id": job.CaseID,
	})

	if !job.CloseCommitted {
		closed, err := e.ledger.CloseRecord(ctx, job.ChatID, job.CaseKind, job.CaseID, 0, "expired")
		if err != nil {
			entry.WithError(err).Error("failed to close expired case, will retry")
			e.retry(ctx, job)
			return
		}
		if !closed {
			entry.Debug("case already closed, dropping job")
			e.drop(ctx, job.ID)
			return
		}
		job.CloseCommitted = true
		if err := e.store.MarkJobCloseCommitted(ctx, job.ID); err != nil {
			entry.WithError(err).Error("failed to persist close marker")
		}
		e.mu.Lock()
		if tracked, ok := e.jobs[job.ID]; ok {
			tracked.CloseCommitted = true
		}
		e.mu.Unlock()
	}

	record, err := e.ledger.GetRecord(ctx, job.ChatID, job.CaseKind, job.CaseID)
	if err != nil {
		entry.WithError(err).Error("failed to load case for reversal, will retry")
		e.retry(ctx, job)
		return
	}

	reverseCtx, cancel := context.WithTimeout(ctx, reversalTimeout)
	err = e.reverser.Reverse(reverseCtx, job, record)
	cancel()
	if err != nil {
		// A closed case with no external reversal is worse than a delayed
		// retry, so the job is kept until attempts run out.
		entry.WithError(errors.WithMessage(err, werrors.ErrTransientExternal.Error())).Warn("reversal failed")
		e.retry(ctx, job)
		return
	}

	observability.RecordJobFired(string(job.Kind))
	if e.notifier != nil {
		e.notifier.CaseExpired(record)
	}
	entry.Info("job fired")
	e.drop(ctx, job.ID)
}

func (e *Engine) retry(ctx context.Context, job *db.ScheduledJob) {
	entry := e.getLogEntry().WithField("job_id", job.ID)

	attempts := job.Attempts + 1
	if attempts > e.maxAttempts {
		entry.WithError(werrors.ErrPersistentExternal).
			WithField("attempts", job.Attempts).
			Error("giving up on job, manual remediation required")
		observability.RecordJobFailed(string(job.Kind))
		e.drop(ctx, job.ID)
		return
	}

	delay := e.baseDelay << (attempts - 1)
	fireAt := e.now().Add(delay)
	if err := e.store.RescheduleJob(ctx, job.ID, fireAt, attempts); err != nil {
		entry.WithError(err).Error("failed to persist job retry")
	}

	e.mu.Lock()
	if tracked, ok := e.jobs[job.ID]; ok {
		tracked.FireAt = fireAt
		tracked.Attempts = attempts
	}
	e.mu.Unlock()
	e.kick()
}

func (e *Engine) drop(ctx context.Context, jobID int64) {
	if _, err := e.store.DeleteJob(ctx, jobID); err != nil {
		e.getLogEntry().WithError(err).WithField("job_id", jobID).Error("failed to delete job")
	}
	e.mu.Lock()
	delete(e.jobs, jobID)
	e.mu.Unlock()
}
