package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Task runs a step function in a loop on its own goroutine until stopped.
//
// Lifecycle:
// - Start spawns the loop with a fresh cancellation signal.
// - Stop raises the signal and blocks until the loop has exited.
// - A Task is single-use. Start after Stop returns ErrStopped.
//
// Cancellation is cooperative: the loop checks the context between steps,
// and a step must pass its ctx to anything that blocks (use Sleep for waits).
type Task struct {
	name string
	step StepFunc
	log  *slog.Logger

	onExit func(err error)

	mu     sync.Mutex
	state  state
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// StepFunc is one iteration of a task loop.
// Returning a non-nil error other than a context cancellation ends the loop.
type StepFunc func(ctx context.Context) error

type state int

const (
	stateIdle state = iota
	stateRunning
	stateStopped
)

var (
	ErrRunning = errors.New("task: already running")
	ErrStopped = errors.New("task: stopped tasks cannot be restarted")
)

type Option func(*Task)

// WithLogger sets the logger used for lifecycle messages.
func WithLogger(l *slog.Logger) Option {
	return func(t *Task) {
		if l != nil {
			t.log = l
		}
	}
}

// WithOnExit registers a hook called once, from the loop goroutine, when the
// loop ends on a fatal step error. It is not called for a normal Stop.
// Done is already closed when the hook runs.
func WithOnExit(fn func(err error)) Option {
	return func(t *Task) { t.onExit = fn }
}

func New(name string, step StepFunc, opts ...Option) *Task {
	t := &Task{name: name, step: step, log: slog.Default()}
	for _, o := range opts {
		o(t)
	}
	t.log = t.log.With("task", name)
	return t
}

func (t *Task) Name() string { return t.name }

// Start spawns the loop. The loop context keeps ctx's values but not its
// cancellation; only Stop ends the loop.
func (t *Task) Start(ctx context.Context) error {
	if t.step == nil {
		return fmt.Errorf("task %s: step is nil", t.name)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case stateRunning:
		return ErrRunning
	case stateStopped:
		return ErrStopped
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.cancel = cancel
	t.done = make(chan struct{})
	t.state = stateRunning

	go t.run(loopCtx, t.done)
	t.log.Debug("task started")
	return nil
}

func (t *Task) run(ctx context.Context, done chan struct{}) {
	err := t.loop(ctx)
	if err == nil {
		close(done)
		return
	}

	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
	t.log.Error("task failed", "err", err)

	// The loop is over before the hook runs, so the hook may Stop or replace the task.
	close(done)
	if t.onExit != nil {
		t.onExit(err)
	}
}

// loop runs steps until cancellation (nil) or a fatal step error.
func (t *Task) loop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			t.log.Debug("task cancelled")
			return nil
		}

		err := t.safeStep(ctx)
		if err == nil {
			continue
		}
		// Errors raised while the signal is up are the step observing it.
		if ctx.Err() != nil {
			t.log.Debug("task cancelled", "err", err)
			return nil
		}
		return err
	}
}

func (t *Task) safeStep(ctx context.Context) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("task %s: panic: %v", t.name, p)
		}
	}()
	return t.step(ctx)
}

// Stop cancels the loop and waits for it to exit. It returns the fatal error
// that ended the loop, if any. Stop is safe to call more than once and on a
// task that was never started.
func (t *Task) Stop() error {
	t.mu.Lock()
	prev := t.state
	t.state = stateStopped
	cancel, done := t.cancel, t.done
	t.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	if prev == stateRunning {
		t.log.Debug("task stopped")
	}
	return t.Err()
}

// Done is closed once the loop has exited. It is nil before Start.
func (t *Task) Done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

// Exited reports whether the loop has ended, either by Stop or by a fatal error.
func (t *Task) Exited() bool {
	done := t.Done()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return true
	default:
		return false
	}
}

func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
