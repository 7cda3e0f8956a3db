// internal/orchestrator/orchestrator.go
// The orchestrator owns every task: it instantiates the workflow DAG,
// dispatches dispatch-eligible steps through the worker pool, suspends at
// the consent gate, applies the retry budget, and publishes every observable
// handler action onto the bus for behavioral scoring.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/openfleetlabs/fleetmind/api/schemas"
	"github.com/openfleetlabs/fleetmind/internal/bus"
	"github.com/openfleetlabs/fleetmind/internal/config"
	"github.com/openfleetlabs/fleetmind/internal/registry"
)

// TaskEvent is the lifecycle payload published on bus.TopicTaskEvent.
type TaskEvent struct {
	TaskID   string             `json:"task_id"`
	Workflow string             `json:"workflow"`
	Status   schemas.TaskStatus `json:"status"`
	Detail   string             `json:"detail,omitempty"`
}

// taskState pairs a task with its runtime machinery. All mutation of the
// embedded task happens under mu; the run loop is the only writer of step
// ordering, but external aborts and the consent signal also take the lock.
type taskState struct {
	mu   sync.Mutex
	task *schemas.Task

	ctx       context.Context
	cancel    context.CancelFunc
	consentCh chan bool
	done      chan struct{}
}

// Orchestrator is the core engine. It is safe for concurrent use once
// started.
type Orchestrator struct {
	cfg        *config.Config
	logger     *zap.Logger
	registry   *registry.Registry
	bus        *bus.ActionBus
	dispatcher *Dispatcher

	mu      sync.RWMutex
	tasks   map[string]*taskState
	baseCtx context.Context
	started bool

	// settled holds the IDs of terminal tasks still queryable in memory.
	// Filling it evicts the oldest settled task from the tasks map; the
	// Postgres archiver is the durable record beyond this window.
	settled *lru.Cache[string, struct{}]

	wg sync.WaitGroup
}

var _ schemas.TaskAborter = (*Orchestrator)(nil)

// New wires an Orchestrator from its collaborators.
func New(cfg *config.Config, logger *zap.Logger, reg *registry.Registry, b *bus.ActionBus) (*Orchestrator, error) {
	d, err := NewDispatcher(logger, cfg.Engine.WorkerConcurrency, cfg.Engine.QueueSize)
	if err != nil {
		return nil, err
	}
	o := &Orchestrator{
		cfg:        cfg,
		logger:     logger.Named("orchestrator"),
		registry:   reg,
		bus:        b,
		dispatcher: d,
		tasks:      make(map[string]*taskState),
	}

	retention := cfg.Engine.TaskRetention
	if retention <= 0 {
		retention = 1024
	}
	settled, err := lru.NewWithEvict(retention, func(taskID string, _ struct{}) {
		o.mu.Lock()
		delete(o.tasks, taskID)
		o.mu.Unlock()
	})
	if err != nil {
		return nil, err
	}
	o.settled = settled
	return o, nil
}

// Start binds the orchestrator to its lifetime context and launches the
// worker pool.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	o.baseCtx = ctx
	o.started = true
	o.mu.Unlock()
	o.dispatcher.Start()
	o.logger.Info("Orchestrator started",
		zap.Int("workers", o.cfg.Engine.WorkerConcurrency),
		zap.Int("max_attempts", o.cfg.Engine.MaxAttempts))
}

// Stop waits for running tasks to settle and stops the worker pool.
func (o *Orchestrator) Stop() {
	o.wg.Wait()
	o.dispatcher.Stop()
	o.logger.Info("Orchestrator stopped")
}

// Submit accepts a task request, validates that every step in its workflow
// resolves to a registered handler, and starts the task's run loop. The
// returned ID can be polled long before the task settles.
func (o *Orchestrator) Submit(req schemas.TaskRequest) (string, error) {
	o.mu.RLock()
	started := o.started
	o.mu.RUnlock()
	if !started {
		return "", fmt.Errorf("orchestrator is not started")
	}

	name := req.Workflow
	if name == "" {
		name = schemas.WorkflowMaintenance
	}
	spec, err := schemas.LookupWorkflow(name)
	if err != nil {
		return "", err
	}

	// Reject unknown capabilities at the front door rather than mid-run.
	for _, stepSpec := range spec.Steps {
		if _, err := o.registry.Resolve(stepSpec.Intent); err != nil {
			return "", err
		}
	}

	task := &schemas.Task{
		ID:        uuid.New().String(),
		Workflow:  spec.Name,
		CreatedAt: time.Now().UTC(),
		Status:    schemas.TaskPending,
		Emergency: req.Emergency || spec.Emergency,
		Context:   make(map[string]any, len(req.Payload)),
	}
	for k, v := range req.Payload {
		task.Context[k] = v
	}
	for i, stepSpec := range spec.Steps {
		task.Steps = append(task.Steps, &schemas.Step{
			Index:     i,
			Intent:    stepSpec.Intent,
			DependsOn: append([]int(nil), stepSpec.DependsOn...),
			Status:    schemas.StepQueued,
		})
	}

	taskCtx, cancel := context.WithCancel(o.baseCtx)
	ts := &taskState{
		task:      task,
		ctx:       taskCtx,
		cancel:    cancel,
		consentCh: make(chan bool, 1),
		done:      make(chan struct{}),
	}

	o.mu.Lock()
	o.tasks[task.ID] = ts
	o.mu.Unlock()

	o.logger.Info("Task accepted",
		zap.String("task_id", task.ID),
		zap.String("workflow", task.Workflow),
		zap.Bool("emergency", task.Emergency),
		zap.Int("steps", len(task.Steps)))
	o.publishEvent(task.ID, task.Workflow, schemas.TaskPending, "")

	o.wg.Add(1)
	go o.runTask(ts)
	return task.ID, nil
}

// runTask drives one task from PENDING to a terminal state, dispatching
// dispatch-eligible steps in concurrent waves.
func (o *Orchestrator) runTask(ts *taskState) {
	defer o.wg.Done()
	defer o.settled.Add(ts.task.ID, struct{}{})
	defer close(ts.done)
	defer ts.cancel()

	if !o.setStatus(ts, schemas.TaskRunning, "") {
		return
	}

	for {
		if ts.ctx.Err() != nil {
			o.finishAborted(ts, "task cancelled")
			return
		}

		ready := o.readySteps(ts)
		if len(ready) == 0 {
			if o.allSucceeded(ts) {
				o.finishCompleted(ts)
			} else {
				// A dependency failed or was blocked out from under us.
				o.finishAborted(ts, "workflow stalled: unmet dependencies")
			}
			return
		}

		var (
			consentMu     sync.Mutex
			consentNeeded bool
		)
		g, gctx := errgroup.WithContext(ts.ctx)
		for _, step := range ready {
			step := step
			g.Go(func() error {
				needs, err := o.runStep(gctx, ts, step)
				if err != nil {
					return err
				}
				if needs {
					consentMu.Lock()
					consentNeeded = true
					consentMu.Unlock()
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			o.finishAborted(ts, err.Error())
			return
		}

		if consentNeeded {
			if err := o.awaitConsent(ts); err != nil {
				o.finishAborted(ts, err.Error())
				return
			}
		}
	}
}

// runStep dispatches one step through its full retry budget. It returns
// whether the step's result demands customer consent before the task may
// proceed.
func (o *Orchestrator) runStep(ctx context.Context, ts *taskState, step *schemas.Step) (bool, error) {
	handlers, err := o.registry.Resolve(step.Intent)
	if err != nil {
		o.markFailed(ts, step, err)
		return false, err
	}

	maxAttempts := o.cfg.Engine.MaxAttempts
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = o.cfg.Engine.RetryBaseDelay
	bo.MaxInterval = o.cfg.Engine.RetryMaxDelay
	bo.MaxElapsedTime = 0
	bo.Reset()

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		o.markDispatched(ts, step, attempt)
		in := o.stepInput(ts, step, attempt)

		merged := make(map[string]any)
		var actions []schemas.ActionRecord
		consent := false
		attemptOK := true

		for _, h := range handlers {
			callCtx, cancel := context.WithTimeout(ctx, o.cfg.Engine.StepTimeout)
			res, err := o.dispatcher.Dispatch(callCtx, h, in)
			cancel()
			if err != nil {
				lastErr = err
				attemptOK = false
				o.logger.Warn("Step attempt failed",
					zap.String("task_id", ts.task.ID),
					zap.String("dispatch_key", in.Key.String()),
					zap.String("handler_id", h.ID()),
					zap.Error(err))
				break
			}
			for k, v := range res.Output {
				merged[k] = v
			}
			consent = consent || res.RequiresConsent
			actions = append(actions, o.stampActions(ts.task.ID, h.ID(), res.Actions)...)
		}

		if attemptOK {
			o.markSucceeded(ts, step, merged)
			o.publishActions(ts.task.ID, actions)
			return consent, nil
		}
		if ctx.Err() != nil {
			o.markFailed(ts, step, lastErr)
			return false, lastErr
		}
		if errors.Is(lastErr, ErrHandlerPanic) {
			// Unclassified failures get exactly one immediate retry.
			if attempt >= 2 {
				break
			}
			continue
		}
		if attempt < maxAttempts {
			select {
			case <-time.After(bo.NextBackOff()):
			case <-ctx.Done():
				o.markFailed(ts, step, ctx.Err())
				return false, ctx.Err()
			}
		}
	}

	o.markFailed(ts, step, lastErr)
	return false, fmt.Errorf("step %d (%s): %w: %v", step.Index, step.Intent, ErrStepExhaustedRetries, lastErr)
}

// awaitConsent suspends the task until a consent signal arrives or the
// window elapses. Emergency tasks use the shorter window.
func (o *Orchestrator) awaitConsent(ts *taskState) error {
	if !o.setStatus(ts, schemas.TaskAwaitingConsent, "") {
		return ErrTaskAlreadyTerminal
	}

	timeout := o.cfg.Consent.Timeout
	if ts.task.Emergency {
		timeout = o.cfg.Consent.EmergencyTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case granted := <-ts.consentCh:
		if !granted {
			return ErrConsentDenied
		}
		if !o.setStatus(ts, schemas.TaskRunning, "consent granted") {
			return ErrTaskAlreadyTerminal
		}
		return nil
	case <-timer.C:
		return ErrConsentTimeout
	case <-ts.ctx.Done():
		return ts.ctx.Err()
	}
}

// Consent delivers the customer's decision to a task suspended at the
// consent gate.
func (o *Orchestrator) Consent(taskID string, granted bool) error {
	ts, err := o.lookup(taskID)
	if err != nil {
		return err
	}

	ts.mu.Lock()
	status := ts.task.Status
	ts.mu.Unlock()
	if status.Terminal() {
		return ErrTaskAlreadyTerminal
	}
	if status != schemas.TaskAwaitingConsent {
		return ErrNotAwaitingConsent
	}

	select {
	case ts.consentCh <- granted:
		return nil
	default:
		return ErrNotAwaitingConsent
	}
}

// Abort transitions a task to ABORTED. In-flight step executions are never
// interrupted; their results are discarded when the run loop observes the
// cancelled context.
func (o *Orchestrator) Abort(taskID, reason string) error {
	ts, err := o.lookup(taskID)
	if err != nil {
		return err
	}

	ts.mu.Lock()
	if ts.task.Status.Terminal() {
		ts.mu.Unlock()
		return ErrTaskAlreadyTerminal
	}
	ts.task.Status = schemas.TaskAborted
	ts.task.Error = reason
	ts.mu.Unlock()

	ts.cancel()
	o.logger.Warn("Task aborted",
		zap.String("task_id", taskID),
		zap.String("reason", reason))
	o.publishEvent(taskID, ts.task.Workflow, schemas.TaskAborted, reason)
	return nil
}

// BlockStep marks the offending handler's most recent step BLOCKED and
// aborts the owning task. The policy enforcer calls this on a Block verdict.
func (o *Orchestrator) BlockStep(taskID, handlerID, reason string) error {
	ts, err := o.lookup(taskID)
	if err != nil {
		return err
	}

	ts.mu.Lock()
	if ts.task.Status.Terminal() {
		ts.mu.Unlock()
		return ErrTaskAlreadyTerminal
	}
	var target *schemas.Step
	for _, step := range ts.task.Steps {
		if step.Status != schemas.StepDispatched && step.Status != schemas.StepSucceeded {
			continue
		}
		if !o.intentServedBy(step.Intent, handlerID) {
			continue
		}
		if target == nil || step.Index > target.Index {
			target = step
		}
	}
	if target != nil {
		target.Status = schemas.StepBlocked
		target.Result = nil
		target.Error = reason
	}
	ts.task.Status = schemas.TaskAborted
	ts.task.Error = fmt.Sprintf("%v: %s", ErrPolicyBlocked, reason)
	ts.mu.Unlock()

	ts.cancel()
	o.logger.Warn("Task blocked by policy",
		zap.String("task_id", taskID),
		zap.String("handler_id", handlerID),
		zap.String("reason", reason))
	o.publishEvent(taskID, ts.task.Workflow, schemas.TaskAborted, reason)
	return nil
}

// Task returns a deep snapshot of the task.
func (o *Orchestrator) Task(taskID string) (*schemas.Task, error) {
	ts, err := o.lookup(taskID)
	if err != nil {
		return nil, err
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	snap := &schemas.Task{
		ID:        ts.task.ID,
		Workflow:  ts.task.Workflow,
		CreatedAt: ts.task.CreatedAt,
		Status:    ts.task.Status,
		Emergency: ts.task.Emergency,
		Error:     ts.task.Error,
		Context:   make(map[string]any, len(ts.task.Context)),
	}
	for k, v := range ts.task.Context {
		snap.Context[k] = v
	}
	for _, step := range ts.task.Steps {
		cp := *step
		cp.DependsOn = append([]int(nil), step.DependsOn...)
		if step.Result != nil {
			cp.Result = make(map[string]any, len(step.Result))
			for k, v := range step.Result {
				cp.Result[k] = v
			}
		}
		snap.Steps = append(snap.Steps, &cp)
	}
	return snap, nil
}

// Wait blocks until the task reaches a terminal state or ctx is cancelled.
func (o *Orchestrator) Wait(ctx context.Context, taskID string) error {
	ts, err := o.lookup(taskID)
	if err != nil {
		return err
	}
	select {
	case <-ts.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) lookup(taskID string) (*taskState, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	ts, ok := o.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return ts, nil
}

func (o *Orchestrator) intentServedBy(intent schemas.Intent, handlerID string) bool {
	handlers, err := o.registry.Resolve(intent)
	if err != nil {
		return false
	}
	for _, h := range handlers {
		if h.ID() == handlerID {
			return true
		}
	}
	return false
}

// readySteps returns the QUEUED steps whose dependencies have all SUCCEEDED.
func (o *Orchestrator) readySteps(ts *taskState) []*schemas.Step {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	var ready []*schemas.Step
	for _, step := range ts.task.Steps {
		if step.Status != schemas.StepQueued {
			continue
		}
		eligible := true
		for _, dep := range step.DependsOn {
			if ts.task.Steps[dep].Status != schemas.StepSucceeded {
				eligible = false
				break
			}
		}
		if eligible {
			ready = append(ready, step)
		}
	}
	return ready
}

func (o *Orchestrator) allSucceeded(ts *taskState) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for _, step := range ts.task.Steps {
		if step.Status != schemas.StepSucceeded {
			return false
		}
	}
	return true
}

// setStatus applies a non-terminal transition, refusing to touch a task that
// has already settled. Returns false when the task was terminal.
func (o *Orchestrator) setStatus(ts *taskState, status schemas.TaskStatus, detail string) bool {
	ts.mu.Lock()
	if ts.task.Status.Terminal() {
		ts.mu.Unlock()
		return false
	}
	ts.task.Status = status
	ts.mu.Unlock()
	o.publishEvent(ts.task.ID, ts.task.Workflow, status, detail)
	return true
}

func (o *Orchestrator) finishCompleted(ts *taskState) {
	ts.mu.Lock()
	if ts.task.Status.Terminal() {
		ts.mu.Unlock()
		return
	}
	ts.task.Status = schemas.TaskCompleted
	ts.mu.Unlock()
	o.logger.Info("Task completed", zap.String("task_id", ts.task.ID))
	o.publishEvent(ts.task.ID, ts.task.Workflow, schemas.TaskCompleted, "")
}

func (o *Orchestrator) finishAborted(ts *taskState, reason string) {
	ts.mu.Lock()
	if ts.task.Status.Terminal() {
		ts.mu.Unlock()
		return
	}
	ts.task.Status = schemas.TaskAborted
	ts.task.Error = reason
	ts.mu.Unlock()
	o.logger.Warn("Task aborted",
		zap.String("task_id", ts.task.ID),
		zap.String("reason", reason))
	o.publishEvent(ts.task.ID, ts.task.Workflow, schemas.TaskAborted, reason)
}

func (o *Orchestrator) markDispatched(ts *taskState, step *schemas.Step, attempt int) {
	ts.mu.Lock()
	step.Status = schemas.StepDispatched
	step.Attempt = attempt
	ts.mu.Unlock()
}

func (o *Orchestrator) markSucceeded(ts *taskState, step *schemas.Step, result map[string]any) {
	ts.mu.Lock()
	step.Status = schemas.StepSucceeded
	step.Result = result
	step.Error = ""
	for k, v := range result {
		ts.task.Context[k] = v
	}
	ts.mu.Unlock()
}

func (o *Orchestrator) markFailed(ts *taskState, step *schemas.Step, err error) {
	ts.mu.Lock()
	// An externally blocked step keeps its BLOCKED status and reason.
	if step.Status != schemas.StepBlocked {
		step.Status = schemas.StepFailed
		if err != nil {
			step.Error = err.Error()
		}
	}
	ts.mu.Unlock()
}

// stepInput snapshots the task context for one delivery. Handlers receive a
// copy; their only write path back is the result the orchestrator merges.
func (o *Orchestrator) stepInput(ts *taskState, step *schemas.Step, attempt int) *schemas.StepInput {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	snapshot := make(map[string]any, len(ts.task.Context))
	for k, v := range ts.task.Context {
		snapshot[k] = v
	}
	return &schemas.StepInput{
		Key: schemas.DispatchKey{
			TaskID:    ts.task.ID,
			StepIndex: step.Index,
			Attempt:   attempt,
		},
		Intent:      step.Intent,
		Input:       step.Input,
		TaskContext: snapshot,
		Emergency:   ts.task.Emergency,
	}
}

func (o *Orchestrator) stampActions(taskID, handlerID string, actions []schemas.ActionRecord) []schemas.ActionRecord {
	out := make([]schemas.ActionRecord, 0, len(actions))
	for _, a := range actions {
		if a.ID == "" {
			a.ID = uuid.New().String()
		}
		if a.HandlerID == "" {
			a.HandlerID = handlerID
		}
		a.TaskID = taskID
		if a.Timestamp.IsZero() {
			a.Timestamp = time.Now().UTC()
		}
		out = append(out, a)
	}
	return out
}

func (o *Orchestrator) publishActions(taskID string, actions []schemas.ActionRecord) {
	o.mu.RLock()
	ctx := o.baseCtx
	o.mu.RUnlock()
	for _, a := range actions {
		if err := o.bus.Publish(ctx, bus.TopicActionRecord, taskID, a); err != nil {
			o.logger.Warn("Failed to publish action record",
				zap.String("task_id", taskID),
				zap.String("tool", a.Tool),
				zap.Error(err))
		}
	}
}

func (o *Orchestrator) publishEvent(taskID, workflow string, status schemas.TaskStatus, detail string) {
	o.mu.RLock()
	ctx := o.baseCtx
	o.mu.RUnlock()
	if ctx == nil {
		ctx = context.Background()
	}
	event := TaskEvent{TaskID: taskID, Workflow: workflow, Status: status, Detail: detail}
	if err := o.bus.Publish(ctx, bus.TopicTaskEvent, taskID, event); err != nil {
		o.logger.Debug("Failed to publish task event",
			zap.String("task_id", taskID),
			zap.Error(err))
	}
}
