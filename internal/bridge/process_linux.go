//go:build linux

package bridge

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// detachAttr puts the child in its own session so it survives our exit and
// never receives our terminal signals.
func detachAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}

// FindPIDs walks /proc for processes whose command matches name.
func FindPIDs(name string) ([]int, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, err
	}
	self := os.Getpid()
	var pids []int
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		pid, err := strconv.Atoi(entry.Name())
		if err != nil || pid == self {
			continue
		}
		raw, err := os.ReadFile(filepath.Join("/proc", entry.Name(), "cmdline"))
		if err != nil || len(raw) == 0 {
			continue
		}
		cmdline := strings.ReplaceAll(string(raw), "\x00", " ")
		if matchesExecutable(strings.TrimSpace(cmdline), name) {
			pids = append(pids, pid)
		}
	}
	return pids, nil
}
