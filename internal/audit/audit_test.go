package audit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeSink struct {
	mu        sync.Mutex
	failures  int
	delivered []Event
}

func (s *fakeSink) Deliver(ctx context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return fmt.Errorf("channel unavailable")
	}
	s.delivered = append(s.delivered, event)
	return nil
}

func (s *fakeSink) deliveredKinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := make([]string, 0, len(s.delivered))
	for _, event := range s.delivered {
		res = append(res, event.Kind)
	}
	return res
}

func startEmitter(t *testing.T, sink Sink) *Emitter {
	t.Helper()

	e := NewEmitter(sink, 3, time.Millisecond)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start emitter: %v", err)
	}
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Stop(stopCtx)
	})
	return e
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("condition not met in time")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestEventsDeliverInRecordOrder(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	e := startEmitter(t, sink)

	e.Record(Event{Kind: "case_issued"})
	e.Record(Event{Kind: "case_closed"})
	e.Record(Event{Kind: "appeal_opened"})

	waitFor(t, func() bool { return len(sink.deliveredKinds()) == 3 })

	got := sink.deliveredKinds()
	want := []string{"case_issued", "case_closed", "appeal_opened"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delivery order %v, want %v", got, want)
		}
	}
}

func TestDeliveryRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{failures: 2}
	e := startEmitter(t, sink)

	e.Record(Event{Kind: "case_issued"})

	waitFor(t, func() bool { return len(sink.deliveredKinds()) == 1 })
}

func TestDeliveryGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	// Exactly enough failures to exhaust the doomed event's attempts.
	sink := &fakeSink{failures: 3}
	e := startEmitter(t, sink)

	e.Record(Event{Kind: "doomed"})
	e.Record(Event{Kind: "survivor"})

	waitFor(t, func() bool {
		kinds := sink.deliveredKinds()
		return len(kinds) == 1 && kinds[0] == "survivor"
	})
}

func TestRecordNeverBlocksWhenQueueIsFull(t *testing.T) {
	t.Parallel()

	// Not started: nothing drains the queue.
	e := NewEmitter(&fakeSink{}, 1, time.Millisecond)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < queueSize+10; i++ {
			e.Record(Event{Kind: "flood"})
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Record must not block on a full queue")
	}
}

func TestRecordStampsMissingTimestamp(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	e := startEmitter(t, sink)

	e.Record(Event{Kind: "case_issued"})
	waitFor(t, func() bool { return len(sink.deliveredKinds()) == 1 })

	sink.mu.Lock()
	at := sink.delivered[0].At
	sink.mu.Unlock()
	if at.IsZero() {
		t.Fatalf("delivered event must carry a timestamp")
	}
}
