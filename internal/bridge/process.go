// Package bridge manages the external delivery process: executable
// discovery, environment resolution, detached start, readiness gating,
// health probing with a cached view, and termination.
package bridge

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

var (
	// ErrNotFound means no bridge executable exists on any candidate path.
	ErrNotFound = errors.New("bridge executable not found")
	// ErrMisconfigured means the bridge environment is incomplete.
	ErrMisconfigured = errors.New("bridge environment incomplete")
	// ErrStartFailed means the start-with-retry loop exhausted its attempts.
	ErrStartFailed = errors.New("bridge failed to start")
)

// candidatePaths is the executable discovery order relative to the working
// directory, before falling back to PATH.
func candidatePaths(executable string) []string {
	return []string{
		filepath.Join("target", "release", executable),
		filepath.Join("target", "debug", executable),
		filepath.Join("..", "target", "release", executable),
		filepath.Join("..", "target", "debug", executable),
	}
}

// Discover locates the bridge executable: build-tree candidates first, then
// PATH.
func Discover(executable string) (string, error) {
	for _, candidate := range candidatePaths(executable) {
		info, err := os.Stat(candidate)
		if err != nil || info.IsDir() {
			continue
		}
		abs, err := filepath.Abs(candidate)
		if err != nil {
			continue
		}
		return abs, nil
	}
	if path, err := exec.LookPath(executable); err == nil {
		return path, nil
	}
	return "", fmt.Errorf("%w: %s (tried target/{release,debug}, ../target/{release,debug}, PATH)",
		ErrNotFound, executable)
}

// Spawn starts the bridge detached: its own session, stdio redirected away
// from the parent, not waited on. The returned pid is informational; the
// caller must confirm readiness through the health endpoint.
func Spawn(path string, environ []string) (int, error) {
	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", os.DevNull, err)
	}
	defer devnull.Close()

	cmd := exec.Command(path)
	cmd.Env = environ
	cmd.Stdin = devnull
	cmd.Stdout = devnull
	cmd.Stderr = devnull
	cmd.Dir = filepath.Dir(path)
	cmd.SysProcAttr = detachAttr()

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("spawn %s: %w", path, err)
	}
	pid := cmd.Process.Pid

	// Reap the child when it exits so it never lingers as a zombie; the
	// detached session keeps it alive past our own exit regardless.
	go func() { _ = cmd.Wait() }()

	return pid, nil
}

// Terminate stops every process whose executable matches name: polite signal
// first, escalating to a kill after the grace period. Returns the number of
// processes terminated.
func Terminate(name string, grace time.Duration) (int, error) {
	pids, err := FindPIDs(name)
	if err != nil {
		return 0, err
	}
	if len(pids) == 0 {
		return 0, nil
	}

	for _, pid := range pids {
		if proc, err := os.FindProcess(pid); err == nil {
			_ = proc.Signal(syscall.SIGTERM)
		}
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if remaining, _ := FindPIDs(name); len(remaining) == 0 {
			return len(pids), nil
		}
		time.Sleep(50 * time.Millisecond)
	}

	remaining, _ := FindPIDs(name)
	for _, pid := range remaining {
		if proc, err := os.FindProcess(pid); err == nil {
			_ = proc.Kill()
		}
	}
	return len(pids), nil
}

// matchesExecutable reports whether a command line or binary path refers to
// the named executable.
func matchesExecutable(cmdline, name string) bool {
	if cmdline == "" {
		return false
	}
	first := cmdline
	if i := strings.IndexByte(first, ' '); i >= 0 {
		first = first[:i]
	}
	return filepath.Base(first) == name
}
