// api/schemas/interfaces.go
// Shared contracts between the orchestrator, handlers, and the UEBA layer.
// Keeping them here lets each side depend on the schema package instead of
// on each other's concrete implementations.
package schemas

import (
	"context"
	"errors"
)

// ErrTaskTerminal is returned by TaskAborter implementations when the target
// task has already settled. Callers treat it as an idempotent no-op.
var ErrTaskTerminal = errors.New("task already terminal")

// Handler implements one or more capabilities in the task pipeline. The
// reasoning strategy behind Execute is deliberately opaque; the contract
// only fixes the shape of inputs and outputs and the requirement that every
// external call is reflected in HandlerResult.Actions.
type Handler interface {
	ID() string
	Intents() []Intent
	Execute(ctx context.Context, in *StepInput) (*HandlerResult, error)
}

// TaskAborter is the slice of the orchestrator the policy enforcer needs:
// the ability to abort a task that a Block verdict condemns. BlockStep marks
// the offending handler's step BLOCKED before aborting; Abort is the plain
// administrative form.
type TaskAborter interface {
	Abort(taskID, reason string) error
	BlockStep(taskID, handlerID, reason string) error
}

// Notifier is a fire-and-forget delivery sink. A failed send does not fail
// the owning step; delivery confirmation is not part of the core contract.
type Notifier interface {
	Send(ctx context.Context, recipient, message, channel string) error
}

// AuditQuery is the read-only observability surface over recent records and
// decisions, consumed by the report command and external dashboards.
type AuditQuery interface {
	RecentRecords(handlerID string) []ActionRecord
	DecisionsForTask(taskID string) []PolicyDecision
	Report() SecurityReport
}
