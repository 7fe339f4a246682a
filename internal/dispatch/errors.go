package dispatch

import "errors"

var (
	// ErrNoRecipients is returned when a strategy yields zero
	// dispatchable recipients. Surfaced before any send occurs; the
	// run never leaves idle.
	ErrNoRecipients = errors.New("strategy resolved no recipients")

	// ErrInvalidTransition is returned for start/resume/cancel calls
	// made in the wrong state. The state is left unchanged.
	ErrInvalidTransition = errors.New("invalid run state transition")

	// ErrRunMismatch is returned when a control command names a run id
	// other than the active one, e.g. a stale console resuming after a
	// newer run started.
	ErrRunMismatch = errors.New("run id does not match the active run")
)
