package orchestrator

import "errors"

// Failure classes for a run. Callers branch on these with errors.Is; the
// capture package owns the download-timeout sentinel.
var (
	// ErrConfiguration means the run could not start as configured: a
	// missing or unreadable session artifact, an unusable target list.
	ErrConfiguration = errors.New("configuration error")
	// ErrInvalidSession means the saved authentication no longer works and
	// a human needs to log in again.
	ErrInvalidSession = errors.New("invalid session")
	// ErrAcquisitionExhausted means every capture tier was tried and none
	// produced a file.
	ErrAcquisitionExhausted = errors.New("acquisition exhausted")
)

// Reasons name why a run failed, in a form stable enough for scripts and
// dashboards to match on.
const (
	ReasonInvalidSession    = "invalid-session"
	ReasonNoTargetReachable = "no-target-reachable"
	ReasonNoExportControl   = "no-export-control-found"
	ReasonDownloadTimeout   = "download-timeout"
)
