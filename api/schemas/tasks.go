// api/schemas/tasks.go
package schemas

import (
	"fmt"
	"time"
)

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskPending         TaskStatus = "PENDING"
	TaskRunning         TaskStatus = "RUNNING"
	TaskAwaitingConsent TaskStatus = "AWAITING_CONSENT"
	TaskCompleted       TaskStatus = "COMPLETED"
	TaskAborted         TaskStatus = "ABORTED"
)

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskAborted
}

// StepStatus is the lifecycle state of a single handoff within a Task.
type StepStatus string

const (
	StepQueued     StepStatus = "QUEUED"
	StepDispatched StepStatus = "DISPATCHED"
	StepSucceeded  StepStatus = "SUCCEEDED"
	StepFailed     StepStatus = "FAILED"
	StepBlocked    StepStatus = "BLOCKED"
)

// Step is one handoff of work to a single handler. A step becomes
// dispatch-eligible only once every step listed in DependsOn has succeeded.
type Step struct {
	Index     int            `json:"index"`
	Intent    Intent         `json:"intent"`
	Input     map[string]any `json:"input,omitempty"`
	DependsOn []int          `json:"depends_on,omitempty"`
	Status    StepStatus     `json:"status"`
	Attempt   int            `json:"attempt"`
	// Result is set if and only if Status is SUCCEEDED.
	Result map[string]any `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// Task is one end-to-end unit of orchestrated work: a DAG of steps plus the
// context accumulated as step results merge. Owned exclusively by the
// orchestrator; all mutation happens under its per-task writer.
type Task struct {
	ID        string         `json:"id"`
	Workflow  string         `json:"workflow"`
	CreatedAt time.Time      `json:"created_at"`
	Status    TaskStatus     `json:"status"`
	Emergency bool           `json:"emergency"`
	Steps     []*Step        `json:"steps"`
	Context   map[string]any `json:"context"`
	Error     string         `json:"error,omitempty"`
}

// DispatchKey uniquely identifies one delivery attempt of a step. Handlers
// must treat a duplicate key as a no-op replay rather than re-executing the
// side effect.
type DispatchKey struct {
	TaskID    string `json:"task_id"`
	StepIndex int    `json:"step_index"`
	Attempt   int    `json:"attempt"`
}

func (k DispatchKey) String() string {
	return fmt.Sprintf("%s/%d/%d", k.TaskID, k.StepIndex, k.Attempt)
}

// StepInput is what a handler receives for one delivery: the step's derived
// input plus a read-only snapshot of the task context.
type StepInput struct {
	Key         DispatchKey    `json:"key"`
	Intent      Intent         `json:"intent"`
	Input       map[string]any `json:"input"`
	TaskContext map[string]any `json:"task_context"`
	Emergency   bool           `json:"emergency"`
}

// HandlerResult is the structured outcome of one handler execution.
type HandlerResult struct {
	Output map[string]any `json:"output"`
	// RequiresConsent suspends the owning task until an external consent
	// signal arrives or the consent window times out.
	RequiresConsent bool `json:"requires_consent"`
	// Actions lists every observable external call made while executing, in
	// emission order. The orchestrator forwards them to the UEBA monitor.
	Actions []ActionRecord `json:"actions"`
}

// TaskRequest is the trigger-ingress payload. Acceptance is asynchronous:
// the caller gets a task ID immediately, not a completed task.
type TaskRequest struct {
	Workflow  string         `json:"workflow"`
	Payload   map[string]any `json:"payload"`
	Emergency bool           `json:"emergency"`
}
