package infra

import (
	"fmt"
	"runtime"
	"strings"

	log "github.com/sirupsen/logrus"
)

// GoRecoverable runs f, restarting it in a fresh goroutine after a panic.
// A negative maxPanics restarts forever; zero aborts the process on the
// first panic.
func GoRecoverable(maxPanics int, id string, f func()) {
	defer func() {
		err := recover()
		if err == nil {
			return
		}
		entry := log.WithField("context", "recover").WithField("job", id)
		entry.Errorf("panic at %s: %v", panicOrigin(), err)
		if maxPanics == 0 {
			entry.Fatal("panic limit exceeded, exiting")
		}
		if maxPanics > 0 {
			maxPanics--
		}
		entry.Debug("restarting job")
		go GoRecoverable(maxPanics, id, f)
	}()
	f()
}

// panicOrigin walks past the runtime frames to the first caller frame, which
// is where the panic was raised.
func panicOrigin() string {
	var pc [16]uintptr
	n := runtime.Callers(3, pc[:])
	for _, pc := range pc[:n] {
		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}
		name := fn.Name()
		if strings.HasPrefix(name, "runtime.") {
			continue
		}
		_, line := fn.FileLine(pc)
		return fmt.Sprintf("%s:%d", name, line)
	}
	return "unknown"
}
