//go:build windows

package runtime

import (
	"os"
	"os/exec"
)

func shellCommand(command string) *exec.Cmd {
	return exec.Command("cmd.exe", "/d", "/s", "/c", command)
}

// Windows has no POSIX job signals; everything escalates to Kill.
func signalInterrupt(p *os.Process) error { return p.Kill() }
func signalStop(p *os.Process) error      { return p.Kill() }
func signalTerminate(p *os.Process) error { return p.Kill() }
