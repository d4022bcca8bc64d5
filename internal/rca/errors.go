package rca

import "errors"

// Orchestrator error taxonomy. Create and start rejections are wrapped with
// the backend's own message verbatim; polling timeout is its own error so
// the UI can distinguish "gave up waiting" from "backend said no".
var (
	// ErrTimeout is raised when the polling iteration budget runs out
	// before the backend reaches a terminal status.
	ErrTimeout = errors.New("rca: investigation timed out, took longer than expected")

	// ErrCancelled is returned from Run after a local cancel. The backend
	// may still be processing the request.
	ErrCancelled = errors.New("rca: investigation cancelled")

	// ErrAlreadyRunning is returned when Run is called while a previous
	// investigation has not reached a terminal state.
	ErrAlreadyRunning = errors.New("rca: an investigation is already running")
)
