package infra

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestGoRecoverableRestartsAfterPanic(t *testing.T) {
	t.Parallel()

	done := make(chan struct{})
	var runs int32
	go GoRecoverable(1, "test", func() {
		if atomic.AddInt32(&runs, 1) == 1 {
			panic("boom")
		}
		close(done)
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("job was not restarted after panic")
	}
	if got := atomic.LoadInt32(&runs); got != 2 {
		t.Fatalf("expected 2 runs, got %d", got)
	}
}
