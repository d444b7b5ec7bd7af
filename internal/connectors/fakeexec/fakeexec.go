// Package fakeexec provides a scriptable in-memory executor for tests.
package fakeexec

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/fentz26/jetdeploy/internal/connectors"
	"github.com/kballard/go-shellquote"
)

// Call records one Run invocation.
type Call struct {
	Command string
	Opts    connectors.RunOptions
	Stdin   []byte
}

// Response scripts the outcome of a call.
type Response struct {
	Stdout   string
	Stderr   string
	ExitCode int
	// Err is returned by Run instead of starting the command.
	Err error
	// Block keeps the command running until the channel is closed or the execution is killed.
	Block <-chan struct{}
}

// Handler decides the response for a call.
type Handler func(call Call) Response

// Router dispatches calls to the first rule whose fragment occurs in the command.
type Router struct {
	mu       sync.Mutex
	rules    []rule
	Fallback Response
}

type rule struct {
	fragment string
	fn       func(Call) Response
}

// On adds a rule. Later rules do not override earlier ones.
func (r *Router) On(fragment string, fn func(Call) Response) *Router {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, rule{fragment: fragment, fn: fn})
	return r
}

// Reply adds a rule with a fixed response.
func (r *Router) Reply(fragment string, resp Response) *Router {
	return r.On(fragment, func(Call) Response { return resp })
}

// Handle implements Handler.
func (r *Router) Handle(call Call) Response {
	r.mu.Lock()
	rules := append([]rule(nil), r.rules...)
	r.mu.Unlock()
	for _, rl := range rules {
		if strings.Contains(call.Command, rl.fragment) {
			return rl.fn(call)
		}
	}
	return r.Fallback
}

// Executor is a connectors.Executor backed by a handler and an in-memory file map.
// "cat -- PATH" and "rm -f -- PATH" are served from the file map.
type Executor struct {
	handler Handler

	mu        sync.Mutex
	calls     []Call
	files     map[string][]byte
	forwards  map[int]string
	elevated  string
	closed    bool
	lost      error
	uploadErr error
}

// New creates a fake executor. A nil handler answers every command with exit 0.
func New(h Handler) *Executor {
	return &Executor{
		handler:  h,
		files:    make(map[string][]byte),
		forwards: make(map[int]string),
	}
}

// Name returns the executor identifier.
func (e *Executor) Name() string {
	return "fakeexec"
}

// Run records the call and plays back the scripted response.
func (e *Executor) Run(ctx context.Context, command string, opts connectors.RunOptions) (*connectors.Execution, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, connectors.ErrClosed
	}
	if e.lost != nil {
		err := e.lost
		e.mu.Unlock()
		return nil, err
	}
	if opts.Elevated && e.elevated == "" {
		e.mu.Unlock()
		return nil, connectors.ErrElevationRequired
	}
	e.mu.Unlock()

	call := Call{Command: command, Opts: opts}
	if opts.Stdin != nil {
		data, err := io.ReadAll(opts.Stdin)
		if err != nil {
			return nil, err
		}
		call.Stdin = data
	}

	e.mu.Lock()
	e.calls = append(e.calls, call)
	e.mu.Unlock()

	resp, ok := e.builtin(command)
	if !ok {
		if e.handler != nil {
			resp = e.handler(call)
		}
	}
	if resp.Err != nil {
		return nil, resp.Err
	}

	killed := make(chan struct{})
	var once sync.Once
	execution := connectors.NewExecution(ctx, opts.Timeout, func() error {
		once.Do(func() { close(killed) })
		return nil
	})

	go func() {
		execution.Emit(connectors.Stdout, []byte(resp.Stdout))
		execution.Emit(connectors.Stderr, []byte(resp.Stderr))
		if resp.Block != nil {
			select {
			case <-resp.Block:
			case <-killed:
				execution.Finish(137, nil)
				return
			}
		}
		execution.Finish(resp.ExitCode, nil)
	}()
	return execution, nil
}

func (e *Executor) builtin(command string) (Response, bool) {
	switch {
	case strings.HasPrefix(command, "cat -- "):
		path, ok := singleArg(strings.TrimPrefix(command, "cat -- "))
		if !ok {
			return Response{}, false
		}
		e.mu.Lock()
		data, found := e.files[path]
		e.mu.Unlock()
		if !found {
			return Response{Stderr: "cat: " + path + ": No such file or directory\n", ExitCode: 1}, true
		}
		return Response{Stdout: string(data)}, true
	case strings.HasPrefix(command, "rm -f -- "):
		path, ok := singleArg(strings.TrimPrefix(command, "rm -f -- "))
		if !ok {
			return Response{}, false
		}
		e.mu.Lock()
		delete(e.files, path)
		e.mu.Unlock()
		return Response{}, true
	}
	return Response{}, false
}

func singleArg(s string) (string, bool) {
	words, err := shellquote.Split(s)
	if err != nil || len(words) != 1 {
		return "", false
	}
	return words[0], true
}

// Upload stores the data in the file map.
func (e *Executor) Upload(ctx context.Context, r io.Reader, remotePath string, opts connectors.UploadOptions) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fmt.Errorf("%w: %v", connectors.ErrTransfer, connectors.ErrClosed)
	}
	if opts.Elevated && e.elevated == "" {
		return connectors.ErrElevationRequired
	}
	if e.uploadErr != nil {
		return e.uploadErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("%w: %v", connectors.ErrTransfer, err)
	}
	e.files[remotePath] = data
	return nil
}

// OpenTunnel binds a real local listener and forwards to the address registered with Forward.
func (e *Executor) OpenTunnel(ctx context.Context, localPort int, remoteHost string, remotePort int) (*connectors.Tunnel, error) {
	ln, err := connectors.ListenLocal(localPort)
	if err != nil {
		return nil, err
	}
	return connectors.NewTunnel(ln, remoteHost, remotePort, func() (net.Conn, error) {
		e.mu.Lock()
		target, ok := e.forwards[remotePort]
		e.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("connection refused on remote port %d", remotePort)
		}
		return net.Dial("tcp", target)
	}), nil
}

// SetElevatedCredential sets the elevated secret.
func (e *Executor) SetElevatedCredential(secret string) {
	e.mu.Lock()
	e.elevated = secret
	e.mu.Unlock()
}

// HasElevatedCredential reports whether an elevated secret is set.
func (e *Executor) HasElevatedCredential() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.elevated != ""
}

// Close marks the executor closed.
func (e *Executor) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
}

// Err returns the error set by Drop.
func (e *Executor) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lost
}

// --- Test helpers ---

// Drop simulates a lost connection. Later runs fail with ErrConnectionLost.
func (e *Executor) Drop() {
	e.mu.Lock()
	e.lost = fmt.Errorf("%w: connection reset by peer", connectors.ErrConnectionLost)
	e.mu.Unlock()
}

// Forward routes tunnel connections for remotePort to a local address.
func (e *Executor) Forward(remotePort int, addr string) {
	e.mu.Lock()
	e.forwards[remotePort] = addr
	e.mu.Unlock()
}

// Unforward removes a route so new tunnel connections are refused.
func (e *Executor) Unforward(remotePort int) {
	e.mu.Lock()
	delete(e.forwards, remotePort)
	e.mu.Unlock()
}

// FailUploads makes every later Upload return err.
func (e *Executor) FailUploads(err error) {
	e.mu.Lock()
	e.uploadErr = err
	e.mu.Unlock()
}

// PutFile seeds the file map.
func (e *Executor) PutFile(path string, data []byte) {
	e.mu.Lock()
	e.files[path] = data
	e.mu.Unlock()
}

// File returns a file from the map.
func (e *Executor) File(path string) ([]byte, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	data, ok := e.files[path]
	return data, ok
}

// Calls returns a copy of all recorded calls.
func (e *Executor) Calls() []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Call(nil), e.calls...)
}

// Count returns how many recorded commands contain fragment.
func (e *Executor) Count(fragment string) int {
	n := 0
	for _, c := range e.Calls() {
		if strings.Contains(c.Command, fragment) {
			n++
		}
	}
	return n
}

// Closed reports whether Close was called.
func (e *Executor) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}
