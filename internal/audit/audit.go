package audit

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/iamwavecut/wardbot/internal/db"
	werrors "github.com/iamwavecut/wardbot/internal/errors"
	"github.com/iamwavecut/wardbot/internal/observability"
)

const queueSize = 1024

// Event is one committed state transition. Record is called only after the
// transition is durable; delivery is observability, not a transactional
// participant.
type Event struct {
	Kind     string
	ChatID   int64
	ActorID  int64
	TargetID int64
	CaseKind db.CaseKind
	CaseID   int64
	TicketID int64
	Before   string
	After    string
	Reason   string
	At       time.Time
}

// Sink delivers a rendered audit event to the configured destination (the
// moderation log channel). Implementations must be safely retryable.
type Sink interface {
	Deliver(ctx context.Context, event Event) error
}

type Emitter struct {
	sink Sink

	maxAttempts int
	baseDelay   time.Duration

	queue chan Event

	runMutex  sync.Mutex
	started   bool
	runCancel context.CancelFunc
	workersWg sync.WaitGroup
}

func NewEmitter(sink Sink, maxAttempts int, baseDelay time.Duration) *Emitter {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if baseDelay <= 0 {
		baseDelay = 300 * time.Millisecond
	}
	return &Emitter{
		sink:        sink,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		queue:       make(chan Event, queueSize),
	}
}

func (e *Emitter) getLogEntry() *log.Entry {
	return log.WithField("context", "audit")
}

func (e *Emitter) Start(ctx context.Context) error {
	e.runMutex.Lock()
	defer e.runMutex.Unlock()
	if e.started {
		return nil
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

func (e *Emitter) Stop(ctx context.Context) error {
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

// Record enqueues a committed transition for delivery. Never blocks the
// caller: when the queue is full the event is dropped with a log line, never
// the state change.
func (e *Emitter) Record(event Event) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	select {
	case e.queue <- event:
	default:
		e.getLogEntry().WithField("kind", event.Kind).Warn("audit queue full, dropping event")
		observability.RecordAuditDelivery("dropped")
	}
}

func (e *Emitter) run(ctx context.Context) {
	entry := e.getLogEntry()
	for {
		select {
		case <-ctx.Done():
			entry.Info("shutting down audit emitter by cancelled context")
			return
		case event := <-e.queue:
			e.deliver(ctx, event)
		}
	}
}

func (e *Emitter) deliver(ctx context.Context, event Event) {
	entry := e.getLogEntry().WithField("kind", event.Kind)
	delay := e.baseDelay
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		deliverCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := e.sink.Deliver(deliverCtx, event)
		cancel()
		if err == nil {
			observability.RecordAuditDelivery("ok")
			return
		}
		entry.WithError(err).WithField("attempt", attempt).Warn("audit delivery failed")
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
	}
	// Audit delivery failures never roll back state, only get logged.
	entry.WithError(werrors.ErrPersistentExternal).Error("audit event lost")
	observability.RecordAuditDelivery("failed")
}
