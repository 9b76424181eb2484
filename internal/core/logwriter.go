package core

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/camofy/camofy/internal/events"
)

// Log rotation and disk-space-guard constants, matching
// original_source/src/logs.rs exactly.
const (
	logMaxBytes               = 1024 * 1024
	logMaxRotatedFiles         = 5
	logMinFreeSpaceBytes       = logMaxBytes
	logDiskCheckIntervalBytes = 64 * 1024
)

// logWriteState is shared between the stdout and stderr pipe readers of
// one engine process so a single disk-space guard covers both streams.
type logWriteState struct {
	mu                      sync.Mutex
	loggingDisabled         bool
	bytesSinceLastDiskCheck uint64
	warningEmitted          bool
}

func newLogWriteState() *logWriteState { return &logWriteState{} }

// availableSpace wraps statfs; stdlib-only because the retrieved pack
// carries no free-space-query library and the syscall is a two-line call.
func availableSpace(dir string) (uint64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(dir, &stat); err != nil {
		return 0, err
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}

func effectiveLogMaxBytes(path string) uint64 {
	maxBytes := uint64(logMaxBytes)
	if free, err := availableSpace(filepath.Dir(path)); err == nil {
		if cap := free * 80 / 100; cap > 0 && cap < maxBytes {
			maxBytes = cap
		}
	}
	return maxBytes
}

// rotateLogFile shifts path -> path.1 -> ... -> path.N when path has
// grown past its effective size cap.
func rotateLogFile(path string) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if uint64(info.Size()) < effectiveLogMaxBytes(path) {
		return nil
	}

	for idx := logMaxRotatedFiles; idx >= 1; idx-- {
		var src string
		if idx == 1 {
			src = path
		} else {
			src = fmt.Sprintf("%s.%d", path, idx-1)
		}
		if _, err := os.Stat(src); err != nil {
			continue
		}
		dst := fmt.Sprintf("%s.%d", path, idx)
		_ = os.Remove(dst)
		_ = os.Rename(src, dst)
	}
	return nil
}

func cleanupRotatedLogs(path string) {
	for idx := 1; idx <= logMaxRotatedFiles; idx++ {
		rotated := fmt.Sprintf("%s.%d", path, idx)
		if _, err := os.Stat(rotated); err == nil {
			_ = os.Remove(rotated)
		}
	}
}

// writeLogWithRotationAndSpaceGuard appends buf to path, rotating the
// file when it's grown past its cap and permanently disabling further
// writes (after one attempt to reclaim space) when the disk is too full
// to safely keep logging. Writes are swallowed, not blocked, once
// disabled, so a full disk never backs up the subprocess pipe reader.
func writeLogWithRotationAndSpaceGuard(path string, state *logWriteState, buf []byte, logName string) error {
	state.mu.Lock()
	if state.loggingDisabled {
		state.mu.Unlock()
		return nil
	}

	state.bytesSinceLastDiskCheck += uint64(len(buf))
	needsCheck := state.bytesSinceLastDiskCheck >= logDiskCheckIntervalBytes
	if needsCheck {
		state.bytesSinceLastDiskCheck = 0
	}
	state.mu.Unlock()

	if needsCheck {
		if disabled := checkDiskSpace(path, state, logName); disabled {
			return nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	_ = rotateLogFile(path)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(buf)
	return err
}

// checkDiskSpace runs the low-space cleanup/disable sequence outside the
// write-state lock, returning true if logging has been disabled.
func checkDiskSpace(path string, state *logWriteState, logName string) bool {
	free, err := availableSpace(filepath.Dir(path))
	if err != nil || free >= logMinFreeSpaceBytes {
		return false
	}

	cleanupRotatedLogs(path)

	free, err = availableSpace(filepath.Dir(path))
	if err == nil && free >= logMinFreeSpaceBytes {
		return false
	}

	state.mu.Lock()
	state.loggingDisabled = true
	alreadyWarned := state.warningEmitted
	state.warningEmitted = true
	state.mu.Unlock()

	if !alreadyWarned {
		log.Warn().Str("log", logName).Str("path", path).Msg("disabling log file writing: free space below threshold")
	}
	return true
}

// pipeToLog copies r line-by-line-agnostic chunks into the log file and
// fans each chunk out over the event bus for live streaming, until r hits
// EOF or errors.
func pipeToLog(r io.Reader, path string, state *logWriteState, stream string, bus *events.Bus) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			if writeErr := writeLogWithRotationAndSpaceGuard(path, state, chunk, "mihomo"); writeErr != nil {
				log.Warn().Err(writeErr).Str("stream", stream).Msg("failed to write engine log chunk")
			}
			if bus != nil {
				bus.Publish(events.MihomoLogChunk(stream, string(chunk)))
			}
		}
		if err != nil {
			return
		}
	}
}
