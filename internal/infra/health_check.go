package infra

import (
	"context"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
)

const checkExecInterval = 5 * time.Second

// MonitorExecutable signals once when the running binary's file is replaced
// on disk, letting main exit so a supervisor restarts the new build. The
// channel closes without signalling if the binary cannot be watched.
func MonitorExecutable(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{})
	entry := log.WithField("context", "infra")
	go func() {
		defer close(ch)

		exePath, err := os.Executable()
		if err != nil {
			entry.WithError(err).Warn("cant resolve executable path, monitor disabled")
			return
		}
		stat, err := os.Stat(exePath)
		if err != nil {
			entry.WithError(err).Warn("cant stat executable, monitor disabled")
			return
		}
		startedWith := stat.ModTime()

		ticker := time.NewTicker(checkExecInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stat, err := os.Stat(exePath)
				if err != nil {
					entry.WithError(err).Warn("cant stat executable")
					continue
				}
				if !startedWith.Equal(stat.ModTime()) {
					entry.Info("executable replaced on disk, requesting restart")
					ch <- struct{}{}
					return
				}
			}
		}
	}()
	return ch
}
