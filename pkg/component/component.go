// Package component implements the background-service lifecycle
// abstraction spec.md section 9 calls for in place of a DI-container's
// scoped hosted-service model: Start(ctx)/Stop(gracePeriod), a Status
// enum, and a process-wide orchestrator that starts components in
// dependency order and stops them in reverse. The start/stop/running-flag
// shape is adapted from perkeep/pkg/importer's Host.start/stop (a mutex
// guarding a running bool and a stop channel).
package component

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Status is a component's lifecycle state.
type Status int

const (
	StatusUnknown Status = iota
	StatusRunning
	StatusStopped
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "Running"
	case StatusStopped:
		return "Stopped"
	case StatusCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Component is a background service with an explicit lifecycle. Start must
// not block past launching its goroutines; Stop blocks until the component
// has wound down or gracePeriod elapses.
type Component interface {
	Name() string
	Start(ctx context.Context) error
	Stop(gracePeriod time.Duration) error
	Status() Status
}

// Base gives Component implementations the mutex-guarded status bookkeeping
// so each one doesn't reimplement it; embed it and call SetStatus from
// Start/Stop.
type Base struct {
	mu     sync.Mutex
	status Status
	cancel context.CancelFunc
	done   chan struct{}
}

func (b *Base) SetStatus(s Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = s
}

func (b *Base) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// BeginRun derives a cancellable context from ctx, remembers its cancel
// func and a done channel for Stop to wait on, and returns both. Run
// implementations should close the returned done channel when their
// goroutine(s) actually exit.
func (b *Base) BeginRun(ctx context.Context) (context.Context, chan struct{}) {
	runCtx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.cancel = cancel
	b.done = make(chan struct{})
	b.status = StatusRunning
	b.mu.Unlock()
	return runCtx, b.done
}

// StopAndWait cancels the run context and waits up to gracePeriod for done
// to close.
func (b *Base) StopAndWait(gracePeriod time.Duration) error {
	b.mu.Lock()
	cancel := b.cancel
	done := b.done
	b.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		b.SetStatus(StatusStopped)
		return nil
	case <-time.After(gracePeriod):
		b.SetStatus(StatusCancelled)
		return fmt.Errorf("component: stop timed out after %s", gracePeriod)
	}
}

// Orchestrator starts components in registration order and stops them in
// reverse, the dependency-order contract spec.md section 9 describes.
type Orchestrator struct {
	log        zerolog.Logger
	components []Component
}

func NewOrchestrator(log zerolog.Logger) *Orchestrator {
	return &Orchestrator{log: log}
}

// Register adds a component. Order matters: Start runs in this order,
// Stop runs in reverse.
func (o *Orchestrator) Register(c Component) {
	o.components = append(o.components, c)
}

// Start launches every registered component in order, stopping anything
// already started if a later one fails.
func (o *Orchestrator) Start(ctx context.Context) error {
	for i, c := range o.components {
		if err := c.Start(ctx); err != nil {
			o.log.Error().Err(err).Str("component", c.Name()).Msg("component failed to start")
			for j := i - 1; j >= 0; j-- {
				_ = o.components[j].Stop(5 * time.Second)
			}
			return fmt.Errorf("component: starting %s: %w", c.Name(), err)
		}
		o.log.Info().Str("component", c.Name()).Msg("component started")
	}
	return nil
}

// Stop stops every registered component in reverse order, collecting (but
// not short-circuiting on) errors so every component gets a chance to wind
// down within its grace period.
func (o *Orchestrator) Stop(gracePeriod time.Duration) error {
	var firstErr error
	for i := len(o.components) - 1; i >= 0; i-- {
		c := o.components[i]
		if err := c.Stop(gracePeriod); err != nil {
			o.log.Error().Err(err).Str("component", c.Name()).Msg("component failed to stop cleanly")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		o.log.Info().Str("component", c.Name()).Msg("component stopped")
	}
	return firstErr
}

// StatusReport returns name -> Status for every registered component, the
// map an (out-of-scope) /health/status handler would serialize.
func (o *Orchestrator) StatusReport() map[string]Status {
	report := make(map[string]Status, len(o.components))
	for _, c := range o.components {
		report[c.Name()] = c.Status()
	}
	return report
}
