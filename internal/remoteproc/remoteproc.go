// Package remoteproc manages processes and ports on a target host through an executor.
//
// A remote PID together with its port is the durable handle for a detached
// process, so everything here works from those two numbers alone.
package remoteproc

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/fentz26/jetdeploy/internal/connectors"
)

const pidMarker = "__jetdeploy_pid__"

// ReportPID prefixes command so its shell prints its PID as the first stdout line.
// command replaces the shell through exec, so the PID stays valid.
func ReportPID(command string) string {
	return fmt.Sprintf(`echo "%s $$"; exec %s`, pidMarker, command)
}

// ParsePIDLine recognises the line printed by ReportPID.
func ParsePIDLine(line string) (int, bool) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(line), pidMarker+" ")
	if !ok {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// DetachCommand starts command in its own session under nohup, redirecting its
// output to logFile, and prints the new PID. Only the nohup invocation is
// backgrounded so the calling shell's stdout closes once the PID is printed.
func DetachCommand(dir, command, logFile string) string {
	return fmt.Sprintf("cd %s || exit 1; nohup setsid bash -c %s > %s 2>&1 < /dev/null & echo $!",
		connectors.Quote(dir), connectors.Quote(command), connectors.Quote(logFile))
}

// ParsePID reads the first integer line of out.
func ParsePID(out string) (int, error) {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		pid, err := strconv.Atoi(line)
		if err != nil || pid <= 0 {
			return 0, fmt.Errorf("unexpected pid output %q", line)
		}
		return pid, nil
	}
	return 0, fmt.Errorf("no pid in output")
}

// SignalCommand signals the process group led by pid, falling back to pid and its direct children.
func SignalCommand(pid int, sig string) string {
	return fmt.Sprintf("kill -%[2]s -- -%[1]d 2>/dev/null || { for c in $(pgrep -P %[1]d 2>/dev/null); do kill -%[2]s $c 2>/dev/null; done; kill -%[2]s %[1]d 2>/dev/null; }; true", pid, sig)
}

// AliveCommand exits 0 while pid exists.
func AliveCommand(pid int) string {
	return fmt.Sprintf("kill -0 %d 2>/dev/null", pid)
}

// PortProbeCommand lists TCP listeners on port.
func PortProbeCommand(port int) string {
	return fmt.Sprintf("ss -ltnpH 'sport = :%[1]d' 2>/dev/null || netstat -ltnp 2>/dev/null | awk '$4 ~ /:%[1]d$/'", port)
}

// KillPortCommand kills whatever listens on port.
func KillPortCommand(port int) string {
	return fmt.Sprintf("fuser -k -TERM %d/tcp 2>/dev/null; true", port)
}

var (
	ssPID      = regexp.MustCompile(`pid=(\d+)`)
	netstatPID = regexp.MustCompile(`\s(\d+)/\S+\s*$`)
)

// ParsePortOwner interprets PortProbeCommand output. pid is 0 when the owner is not visible.
func ParsePortOwner(out string) (listening bool, pid int) {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		listening = true
		if m := ssPID.FindStringSubmatch(line); m != nil {
			pid, _ = strconv.Atoi(m[1])
			return
		}
		if m := netstatPID.FindStringSubmatch(line); m != nil {
			pid, _ = strconv.Atoi(m[1])
			return
		}
	}
	return
}

// TerminateOptions controls Terminate.
type TerminateOptions struct {
	// Grace is how long the process gets after TERM before KILL.
	Grace time.Duration
	// Poll is the liveness check interval during the grace period.
	Poll     time.Duration
	Elevated bool
}

// IsAlive reports whether pid still exists on the target.
func IsAlive(ctx context.Context, ex connectors.Executor, pid int, elevated bool) (bool, error) {
	res, err := connectors.Output(ctx, ex, AliveCommand(pid), connectors.RunOptions{Elevated: elevated, Timeout: 10 * time.Second})
	if err != nil {
		return false, err
	}
	return res.ExitCode == 0, nil
}

// Terminate sends TERM, waits up to the grace period and escalates to KILL.
// forced reports whether KILL was needed.
func Terminate(ctx context.Context, ex connectors.Executor, pid int, opts TerminateOptions) (forced bool, err error) {
	if pid <= 0 {
		return false, nil
	}
	if opts.Poll <= 0 {
		opts.Poll = 250 * time.Millisecond
	}
	runOpts := connectors.RunOptions{Elevated: opts.Elevated, Timeout: 10 * time.Second}

	if _, err := connectors.Output(ctx, ex, SignalCommand(pid, "TERM"), runOpts); err != nil {
		return false, fmt.Errorf("signal %d: %w", pid, err)
	}

	deadline := time.Now().Add(opts.Grace)
	for {
		alive, err := IsAlive(ctx, ex, pid, opts.Elevated)
		if err != nil {
			return false, err
		}
		if !alive {
			return false, nil
		}
		if !time.Now().Before(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(opts.Poll):
		}
	}

	if _, err := connectors.Output(ctx, ex, SignalCommand(pid, "KILL"), runOpts); err != nil {
		return true, fmt.Errorf("kill %d: %w", pid, err)
	}
	return true, nil
}

// PortOwner probes whether port is listening on the target.
func PortOwner(ctx context.Context, ex connectors.Executor, port int) (listening bool, pid int, err error) {
	res, err := connectors.Output(ctx, ex, PortProbeCommand(port), connectors.RunOptions{Timeout: 10 * time.Second})
	if err != nil {
		return false, 0, fmt.Errorf("probe port %d: %w", port, err)
	}
	listening, pid = ParsePortOwner(res.Stdout)
	return listening, pid, nil
}

// FreePort stops the listener on port and reports whether the port was released.
func FreePort(ctx context.Context, ex connectors.Executor, port, pid int, opts TerminateOptions) (bool, error) {
	if pid > 0 {
		if _, err := Terminate(ctx, ex, pid, opts); err != nil {
			return false, err
		}
	} else {
		if _, err := connectors.Output(ctx, ex, KillPortCommand(port), connectors.RunOptions{Elevated: opts.Elevated, Timeout: 10 * time.Second}); err != nil {
			return false, err
		}
	}
	return WaitPortReleased(ctx, ex, port, 3, opts.Poll)
}

// WaitPortReleased polls until port stops listening or attempts run out.
func WaitPortReleased(ctx context.Context, ex connectors.Executor, port, attempts int, interval time.Duration) (bool, error) {
	if attempts <= 0 {
		attempts = 1
	}
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	for i := 0; i < attempts; i++ {
		listening, _, err := PortOwner(ctx, ex, port)
		if err != nil {
			return false, err
		}
		if !listening {
			return true, nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(interval):
		}
	}
	return false, nil
}
