package core

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/camofy/camofy/internal/events"
)

// ErrOperationInProgress is returned by begin when another core operation
// is already running. At most one of Start/Stop/Download may be Running
// at a time.
var ErrOperationInProgress = errors.New("core_operation_in_progress: another core operation is already running")

// OperationKind distinguishes the long-running core operations the UI
// tracks progress for.
type OperationKind string

const (
	OperationDownload OperationKind = "download"
	OperationStart    OperationKind = "start"
	OperationStop     OperationKind = "stop"
	OperationRestart  OperationKind = "restart"
)

// OperationStatus is the lifecycle stage of an OperationState.
type OperationStatus string

const (
	OperationRunning OperationStatus = "running"
	OperationSuccess OperationStatus = "success"
	OperationError   OperationStatus = "error"
)

// OperationState snapshots one in-flight or just-finished operation, for
// both the REST status endpoint and a WebSocket-connecting client that
// missed its start.
type OperationState struct {
	Kind       OperationKind   `json:"kind"`
	Status     OperationStatus `json:"status"`
	Message    string          `json:"message,omitempty"`
	Progress   *float64        `json:"progress,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// operationTracker holds the single current/most-recent operation and
// publishes every update, mirroring original_source/src/core.rs's
// single-in-flight CoreOperationState guard under app.core_operation.
type operationTracker struct {
	mu    sync.Mutex
	state *OperationState
	bus   *events.Bus
}

func newOperationTracker(bus *events.Bus) *operationTracker {
	return &operationTracker{bus: bus}
}

// begin reserves the tracker for kind if no operation is currently
// Running, publishing the reservation as the first Running update.
// Returns ErrOperationInProgress otherwise, implementing the
// at-most-one-in-flight guard mirroring
// original_source/src/core_async.rs's CAS on app.core_operation.
func (t *operationTracker) begin(kind OperationKind, message string) error {
	t.mu.Lock()
	if t.state != nil && t.state.Status == OperationRunning {
		t.mu.Unlock()
		return ErrOperationInProgress
	}
	now := time.Now().UTC()
	state := OperationState{Kind: kind, Status: OperationRunning, Message: message, StartedAt: now}
	t.state = &state
	t.mu.Unlock()

	if t.bus == nil {
		return nil
	}
	payload, err := json.Marshal(state)
	if err != nil {
		log.Error().Err(err).Msg("failed to serialize core operation state")
		return nil
	}
	t.bus.Publish(events.CoreOperationUpdated(payload))
	return nil
}

// Snapshot returns the current operation state, or nil if none has run yet.
func (t *operationTracker) Snapshot() *OperationState {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == nil {
		return nil
	}
	cp := *t.state
	return &cp
}

func (t *operationTracker) update(kind OperationKind, status OperationStatus, message string, progress *float64, finished bool) {
	now := time.Now().UTC()

	t.mu.Lock()
	var state OperationState
	if t.state != nil && t.state.Kind == kind {
		state = *t.state
		state.Status = status
		state.Message = message
		if progress != nil {
			state.Progress = progress
		}
		if finished {
			state.FinishedAt = &now
		}
	} else {
		state = OperationState{Kind: kind, Status: status, Message: message, Progress: progress, StartedAt: now}
		if finished {
			state.FinishedAt = &now
		}
	}
	if status == OperationRunning && !finished {
		state.StartedAt = now
		state.FinishedAt = nil
	}
	t.state = &state
	t.mu.Unlock()

	if t.bus == nil {
		return
	}
	payload, err := json.Marshal(state)
	if err != nil {
		log.Error().Err(err).Msg("failed to serialize core operation state")
		return
	}
	t.bus.Publish(events.CoreOperationUpdated(payload))
}
