package lifecycle

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// Component is a long-running service with an explicit lifecycle: the audit
// emitter, the expiry engine and the appeal service all implement it.
type Component interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Runtime starts components in registration order and stops them in reverse,
// so producers come up before consumers and drain after them.
type Runtime struct {
	components []Component
}

func NewRuntime(components ...Component) *Runtime {
	return &Runtime{components: components}
}

func (r *Runtime) Register(component Component) {
	if component == nil {
		return
	}
	r.components = append(r.components, component)
}

func (r *Runtime) Start(ctx context.Context) error {
	entry := log.WithField("context", "lifecycle")
	started := make([]Component, 0, len(r.components))
	for _, component := range r.components {
		if component == nil {
			continue
		}
		if err := component.Start(ctx); err != nil {
			_ = stopComponents(ctx, started)
			return fmt.Errorf("start %s: %w", componentName(component), err)
		}
		entry.WithField("component", componentName(component)).Debug("started")
		started = append(started, component)
	}
	return nil
}

func (r *Runtime) Stop(ctx context.Context) error {
	return stopComponents(ctx, r.components)
}

func stopComponents(ctx context.Context, components []Component) error {
	var stopErr error
	for i := len(components) - 1; i >= 0; i-- {
		component := components[i]
		if component == nil {
			continue
		}
		if err := component.Stop(ctx); err != nil {
			stopErr = errors.Join(stopErr, fmt.Errorf("stop %s: %w", componentName(component), err))
		}
	}
	return stopErr
}

func componentName(component Component) string {
	if named, ok := component.(interface{ Name() string }); ok {
		return named.Name()
	}
	return fmt.Sprintf("%T", component)
}
