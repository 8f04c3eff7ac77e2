//go:build windows

package pool

import "os/exec"

func SetProcessGroup(cmd *exec.Cmd) {
	// Process groups are not managed on Windows; Kill only reaches the child.
}

func KillProcessGroup(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	_ = cmd.Process.Kill()
	return nil
}
