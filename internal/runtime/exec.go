// Package runtime spawns and supervises shell commands: one-shot execs and
// long-lived interactive sessions with bounded output capture, timeouts,
// keystroke injection, and an exit event bus.
package runtime

import (
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/Trapezohe/companion-service/internal/logging"
)

var runtimeLog = logging.ForComponent(logging.CompRuntime)

const killGracePeriod = 3 * time.Second

// ExecRequest describes a command to run. ID is only meaningful for
// sessions: when set it preassigns the session id so callers can index the
// session before the child spawns.
type ExecRequest struct {
	ID      string
	Command string
	Cwd     string
	Timeout time.Duration
	Env     map[string]string
}

// ExecResult is the outcome of a one-shot command. OK holds when the command
// exited zero without timing out.
type ExecResult struct {
	OK         bool   `json:"ok"`
	ExitCode   int    `json:"exitCode"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	TimedOut   bool   `json:"timedOut"`
	DurationMs int64  `json:"durationMs"`
}

// RunCommand executes a command through the user's shell with stdin ignored,
// collecting stdout and stderr into bounded tails. On timeout the child is
// terminated, escalating to kill after the grace period.
func RunCommand(req ExecRequest) ExecResult {
	start := time.Now()
	stdout := newTailBuffer()
	stderr := newTailBuffer()

	cmd := shellCommand(req.Command)
	cmd.Dir = req.Cwd
	cmd.Env = buildEnv(req.Env)
	cmd.Stdin = nil
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		stderr.append(err.Error())
		return ExecResult{
			OK:         false,
			ExitCode:   -1,
			Stdout:     stdout.String(),
			Stderr:     stderr.String(),
			DurationMs: time.Since(start).Milliseconds(),
		}
	}

	done := make(chan struct{})
	timedOut := false
	var timeoutMu sync.Mutex

	var timer *time.Timer
	if req.Timeout > 0 {
		timer = time.AfterFunc(req.Timeout, func() {
			timeoutMu.Lock()
			timedOut = true
			timeoutMu.Unlock()
			_ = signalTerminate(cmd.Process)
			kill := time.AfterFunc(killGracePeriod, func() {
				_ = cmd.Process.Kill()
			})
			go func() {
				<-done
				kill.Stop()
			}()
		})
	}

	_ = cmd.Wait()
	close(done)
	if timer != nil {
		timer.Stop()
	}

	timeoutMu.Lock()
	wasTimeout := timedOut
	timeoutMu.Unlock()

	exitCode := exitCodeOf(cmd)
	return ExecResult{
		OK:         !wasTimeout && exitCode == 0,
		ExitCode:   exitCode,
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		TimedOut:   wasTimeout,
		DurationMs: time.Since(start).Milliseconds(),
	}
}

// exitCodeOf maps the wait outcome to an integer code; -1 means the child
// did not exit cleanly (signal) or never spawned.
func exitCodeOf(cmd *exec.Cmd) int {
	if cmd.ProcessState == nil {
		return -1
	}
	code := cmd.ProcessState.ExitCode()
	if code < 0 {
		return -1
	}
	return code
}

func buildEnv(extra map[string]string) []string {
	if len(extra) == 0 {
		return os.Environ()
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := os.Environ()
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

