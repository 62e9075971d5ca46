// Package service implements the uniform service lifecycle spec.md
// §4.5 describes: NEW→STARTING→RUNNING, PAUSED↔RUNNING, STOPPING→STOPPED,
// terminal ERROR. Grounded on pkg/procmgr/manager.go's one-worker-
// goroutine-per-process-ID pattern, generalized from "one goroutine per
// managed external process" to "one goroutine per service body."
package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rainco77/evochora-pipeline/internal/metrics"
	"github.com/rainco77/evochora-pipeline/internal/pkgerrors"
)

// State is a service's lifecycle state (spec.md §4.5).
type State int

const (
	New State = iota
	Starting
	Running
	Paused
	Stopping
	Stopped
	Error
)

func (s State) String() string {
	switch s {
	case New:
		return "NEW"
	case Starting:
		return "STARTING"
	case Running:
		return "RUNNING"
	case Paused:
		return "PAUSED"
	case Stopping:
		return "STOPPING"
	case Stopped:
		return "STOPPED"
	case Error:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Body is the service's business logic, run on a dedicated goroutine.
// It must check ctl.CheckPause at cooperative points and return promptly
// when ctx is done.
type Body func(ctx context.Context, ctl *Control) error

// Control is the cooperative control surface a running Body receives:
// CheckPause blocks while the service is paused and returns a non-nil
// Interrupted error when the service is stopping (paused or not) or ctx
// is done (spec.md
// §4.5: "pause sets a flag checked at each checkPause() cooperative
// point; the worker blocks on a condition until resumed").
type Control struct {
	svc *Service
}

func (c *Control) CheckPause(ctx context.Context) error {
	c.svc.mu.Lock()
	for c.svc.state == Paused {
		c.svc.pauseCond.Wait()
		if c.svc.state == Stopping {
			c.svc.mu.Unlock()
			return pkgerrors.New(pkgerrors.Interrupted, "service stopped while paused")
		}
	}
	stopping := c.svc.state == Stopping
	c.svc.mu.Unlock()
	if stopping {
		return pkgerrors.New(pkgerrors.Interrupted, "service stopping")
	}
	select {
	case <-ctx.Done():
		return pkgerrors.Wrap(pkgerrors.Interrupted, ctx.Err(), "service context cancelled")
	default:
		return nil
	}
}

// Service wraps a Body with the state machine, a dedicated worker
// goroutine, and the metrics/error surfaces spec.md §4.5/§4.6 require
// every service to expose.
type Service struct {
	name string
	body Body

	mu        sync.Mutex
	pauseCond *sync.Cond
	state     State
	lastErr   error

	ctx         context.Context
	cancel      context.CancelFunc
	done        chan struct{}
	stopTimeout time.Duration

	metrics *metrics.Registry
}

// New creates a service named name running body, not yet started.
func New(name string, body Body, stopTimeout time.Duration) *Service {
	s := &Service{
		name:        name,
		body:        body,
		state:       New,
		stopTimeout: stopTimeout,
		metrics:     metrics.NewRegistry(),
	}
	s.pauseCond = sync.NewCond(&s.mu)
	return s
}

// Start transitions NEW→STARTING→RUNNING and launches the body on its
// own goroutine (spec.md §4.5).
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != New {
		s.mu.Unlock()
		return pkgerrors.ConfigErrorf("service %s already started (state=%s)", s.name, s.state)
	}
	s.state = Starting
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.state = Running
	s.mu.Unlock()

	slog.Info("service starting", "name", s.name)
	go s.run()
	return nil
}

func (s *Service) run() {
	defer close(s.done)
	ctl := &Control{svc: s}
	err := s.body(s.ctx, ctl)

	s.mu.Lock()
	defer s.mu.Unlock()
	// An Interrupted-kind error is a clean exit from Stop()'s context
	// cancellation; anything else, including during a Stop()-triggered
	// shutdown, is a genuine failure (e.g. a final flush that itself
	// failed, spec.md §4.4.5: "if [final flush] also fails, service
	// transitions to ERROR") and must escalate regardless of state.
	if err != nil && pkgerrors.KindOf(err) != pkgerrors.Interrupted {
		s.state = Error
		s.lastErr = err
		s.metrics.Errors.Record(metrics.ErrorEntry{
			Code:    string(pkgerrors.KindOf(err)),
			Message: err.Error(),
			At:      time.Now(),
		})
		slog.Error("service body failed", "name", s.name, "error", err)
		return
	}
	s.state = Stopped
	slog.Info("service stopped", "name", s.name)
}

// Pause sets the paused flag; the worker blocks at its next CheckPause.
func (s *Service) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Running {
		return pkgerrors.ConfigErrorf("cannot pause service %s in state %s", s.name, s.state)
	}
	s.state = Paused
	return nil
}

// Resume releases a paused worker.
func (s *Service) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Paused {
		return pkgerrors.ConfigErrorf("cannot resume service %s in state %s", s.name, s.state)
	}
	s.state = Running
	s.pauseCond.Broadcast()
	return nil
}

// Stop transitions to STOPPING, cancels the body's context, wakes any
// paused worker, and waits up to stopTimeout before returning (spec.md
// §4.5). It does not itself force STOPPED; run() sets the terminal
// state once the body actually returns.
func (s *Service) Stop() error {
	s.mu.Lock()
	if s.state == Stopped || s.state == Error {
		s.mu.Unlock()
		return nil
	}
	s.state = Stopping
	s.pauseCond.Broadcast()
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return s.AwaitTermination(s.stopTimeout)
}

// AwaitTermination blocks until the body returns or timeout elapses.
func (s *Service) AwaitTermination(timeout time.Duration) error {
	if timeout <= 0 {
		<-s.done
		return nil
	}
	select {
	case <-s.done:
		return nil
	case <-time.After(timeout):
		return pkgerrors.New(pkgerrors.Timeout, "service %s did not stop within %s", s.name, timeout)
	}
}

func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Service) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Service) Metrics() map[string]any { return s.metrics.Snapshot() }

func (s *Service) Errors() []metrics.ErrorEntry { return s.metrics.Errors.Entries() }
