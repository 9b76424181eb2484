package core

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// socketPath is the well-known control socket mihomo is configured (via
// CoreDefaults' external-controller-unix) to bind.
const socketPath = "/tmp/verge/clash-verge-service.sock"

func (c *Controller) readPID() (int, error) {
	data, err := os.ReadFile(c.pidPath())
	if os.IsNotExist(err) {
		return 0, errPIDFileNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read pid file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid pid in %s: %w", c.pidPath(), err)
	}
	return pid, nil
}

var errPIDFileNotFound = fmt.Errorf("pid_file_not_found")

func (c *Controller) writePID(pid int) error {
	if err := os.MkdirAll(c.coreDir(), 0o755); err != nil {
		return fmt.Errorf("failed to create core dir: %w", err)
	}
	return os.WriteFile(c.pidPath(), []byte(strconv.Itoa(pid)), 0o644)
}

func (c *Controller) removePID() {
	if err := os.Remove(c.pidPath()); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("path", c.pidPath()).Msg("failed to remove pid file")
	}
}

// isProcessRunning checks for a live process by /proc presence, the
// cheapest liveness probe available without a signal-0 syscall wrapper.
func isProcessRunning(pid int) bool {
	_, err := os.Stat(fmt.Sprintf("/proc/%d", pid))
	return err == nil
}

// RunningStatus reports whether the engine is currently running,
// self-healing a stale PID file left by a process that died without
// cleaning up after itself.
func (c *Controller) RunningStatus() (running bool, pid int) {
	p, err := c.readPID()
	if err != nil {
		if err != errPIDFileNotFound {
			log.Warn().Err(err).Msg("failed to read core pid")
			c.removePID()
		}
		return false, 0
	}
	if isProcessRunning(p) {
		return true, p
	}
	c.removePID()
	return false, 0
}
