// internal/orchestrator/errors.go
package orchestrator

import (
	"errors"

	"github.com/openfleetlabs/fleetmind/api/schemas"
)

var (
	// ErrTaskNotFound is returned when a task ID is unknown.
	ErrTaskNotFound = errors.New("task not found")
	// ErrTaskAlreadyTerminal is returned for any operation against a task in
	// a terminal state.
	ErrTaskAlreadyTerminal = schemas.ErrTaskTerminal
	// ErrNotAwaitingConsent is returned when a consent signal arrives for a
	// task that is not suspended at the consent gate.
	ErrNotAwaitingConsent = errors.New("task is not awaiting consent")
	// ErrStepTimeout marks one dispatch attempt exceeding the per-call
	// timeout. Subject to the retry budget.
	ErrStepTimeout = errors.New("step timed out")
	// ErrStepExhaustedRetries marks a step that failed after its full retry
	// budget. Terminal for the owning task.
	ErrStepExhaustedRetries = errors.New("step exhausted retries")
	// ErrConsentTimeout marks a consent window elapsing without a signal.
	ErrConsentTimeout = errors.New("consent timed out")
	// ErrConsentDenied marks an explicit customer refusal.
	ErrConsentDenied = errors.New("consent denied")
	// ErrPolicyBlocked marks a task aborted by a UEBA Block verdict.
	ErrPolicyBlocked = errors.New("policy blocked")
	// ErrHandlerPanic marks an unclassified handler failure. It gets a single
	// immediate retry instead of the full retry budget.
	ErrHandlerPanic = errors.New("handler panicked")
)
