//go:build !linux

package bridge

import (
	"os/exec"
	"strconv"
	"strings"
	"syscall"
)

func detachAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}

// FindPIDs shells out to pgrep where /proc is unavailable.
func FindPIDs(name string) ([]int, error) {
	out, err := exec.Command("pgrep", "-f", name).Output()
	if err != nil {
		// pgrep exits 1 when nothing matches.
		if ee, ok := err.(*exec.ExitError); ok && ee.ExitCode() == 1 {
			return nil, nil
		}
		return nil, err
	}
	var pids []int
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		if pid, err := strconv.Atoi(strings.TrimSpace(line)); err == nil {
			pids = append(pids, pid)
		}
	}
	return pids, nil
}
