package connectors

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrKilled is returned by Wait when the execution was killed through Kill.
var ErrKilled = errors.New("command killed")

// Execution is a running command. Output chunks arrive on Chunks in the order
// the executor read them; the channel is closed once both output streams end.
//
// Consumers must either range over Chunks or call Wait, which discards
// anything left unread. The producer blocks while the channel is full.
type Execution struct {
	chunks chan Chunk
	done   chan struct{}
	kill   func() error

	mu       sync.Mutex
	cause    error
	finished bool
	code     int
	err      error
}

// NewExecution creates an execution for an executor implementation. kill is
// invoked at most once per abort reason to stop the command on the target; the
// execution is aborted when ctx ends or timeout elapses.
func NewExecution(ctx context.Context, timeout time.Duration, kill func() error) *Execution {
	e := &Execution{
		chunks: make(chan Chunk, 64),
		done:   make(chan struct{}),
		kill:   kill,
	}
	go e.watch(ctx, timeout)
	return e
}

func (e *Execution) watch(ctx context.Context, timeout time.Duration) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-e.done:
	case <-ctx.Done():
		e.abort(ctx.Err())
	case <-timer:
		e.abort(ErrTimeout)
	}
}

func (e *Execution) abort(cause error) error {
	e.mu.Lock()
	if e.finished {
		e.mu.Unlock()
		return nil
	}
	if e.cause == nil {
		e.cause = cause
	}
	e.mu.Unlock()

	if e.kill == nil {
		return nil
	}
	return e.kill()
}

// Emit delivers a chunk of output. Only executors call Emit, never after Finish.
func (e *Execution) Emit(stream Stream, data []byte) {
	if len(data) == 0 {
		return
	}
	e.chunks <- Chunk{Stream: stream, Data: append([]byte(nil), data...)}
}

// Finish records the command result and closes the output channel. err is a
// transport failure; a non-zero code without err becomes an *ExitError. An
// earlier abort takes precedence over both.
func (e *Execution) Finish(code int, err error) {
	e.mu.Lock()
	if e.finished {
		e.mu.Unlock()
		return
	}
	e.finished = true
	e.code = code
	switch {
	case e.cause != nil:
		e.err = e.cause
	case err != nil:
		e.err = err
	case code != 0:
		e.err = &ExitError{Code: code}
	}
	e.mu.Unlock()

	close(e.chunks)
	close(e.done)
}

// Chunks returns the output channel.
func (e *Execution) Chunks() <-chan Chunk {
	return e.chunks
}

// Done is closed when the command has finished.
func (e *Execution) Done() <-chan struct{} {
	return e.done
}

// Wait blocks until the command finishes and returns its error, if any.
func (e *Execution) Wait() error {
	for range e.chunks {
	}
	<-e.done
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// ExitCode returns the exit status. Only meaningful after Done is closed.
func (e *Execution) ExitCode() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.code
}

// Kill stops the command. It is a no-op once the command has finished.
func (e *Execution) Kill() error {
	return e.abort(ErrKilled)
}
