// internal/orchestrator/dispatcher.go
package orchestrator

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/openfleetlabs/fleetmind/api/schemas"
)

// replayCacheSize bounds the completed-delivery cache used for idempotent
// replay of duplicate dispatch keys.
const replayCacheSize = 4096

// dispatchRequest is one handler execution queued for a worker.
type dispatchRequest struct {
	ctx     context.Context
	handler schemas.Handler
	input   *schemas.StepInput
	result  chan dispatchResult
}

type dispatchResult struct {
	res      *schemas.HandlerResult
	err      error
	panicked bool
}

// Dispatcher runs handler executions on a bounded worker pool. Emergency
// deliveries go through a dedicated queue that every worker drains before
// touching the normal one, so an emergency task never waits behind a backlog
// of routine work. In-flight executions are never interrupted.
type Dispatcher struct {
	logger *zap.Logger

	normal    chan *dispatchRequest
	emergency chan *dispatchRequest

	// replay remembers completed deliveries by dispatch key so a duplicate
	// delivery of the same key returns the recorded result instead of
	// re-executing the handler.
	replay *lru.Cache[string, *schemas.HandlerResult]

	workers   int
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
}

// NewDispatcher creates a Dispatcher with the given worker count and queue
// depth.
func NewDispatcher(logger *zap.Logger, workers, queueSize int) (*Dispatcher, error) {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	replay, err := lru.New[string, *schemas.HandlerResult](replayCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create replay cache: %w", err)
	}
	return &Dispatcher{
		logger:    logger.Named("dispatcher"),
		normal:    make(chan *dispatchRequest, queueSize),
		emergency: make(chan *dispatchRequest, queueSize),
		replay:    replay,
		workers:   workers,
		stopCh:    make(chan struct{}),
	}, nil
}

// Start launches the worker pool. Idempotent.
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		d.logger.Info("Starting dispatcher workers", zap.Int("workers", d.workers))
		for i := 0; i < d.workers; i++ {
			d.wg.Add(1)
			go d.worker(i)
		}
	})
}

// Stop signals the workers and waits for in-flight executions to finish.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
		d.wg.Wait()
		d.logger.Info("Dispatcher stopped")
	})
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()
	log := d.logger.With(zap.Int("worker_id", id))
	for {
		// Drain the emergency queue before considering normal work.
		select {
		case req := <-d.emergency:
			d.run(log, req)
			continue
		default:
		}

		select {
		case req := <-d.emergency:
			d.run(log, req)
		case req := <-d.normal:
			d.run(log, req)
		case <-d.stopCh:
			return
		}
	}
}

func (d *Dispatcher) run(log *zap.Logger, req *dispatchRequest) {
	// The caller may have given up while the request sat in the queue.
	if err := req.ctx.Err(); err != nil {
		req.result <- dispatchResult{err: err}
		return
	}

	var out dispatchResult
	func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("Handler panicked",
					zap.String("handler_id", req.handler.ID()),
					zap.String("dispatch_key", req.input.Key.String()),
					zap.Any("panic", r))
				out = dispatchResult{
					err:      fmt.Errorf("%w: handler %s: %v", ErrHandlerPanic, req.handler.ID(), r),
					panicked: true,
				}
			}
		}()
		res, err := req.handler.Execute(req.ctx, req.input)
		out = dispatchResult{res: res, err: err}
	}()

	select {
	case req.result <- out:
	case <-req.ctx.Done():
	}
}

// Dispatch executes the handler for one delivery and waits for the outcome.
// A context deadline translates to ErrStepTimeout; the executing goroutine is
// never interrupted mid-flight, only its result discarded. Duplicate dispatch
// keys for the same handler replay the recorded result without re-executing.
func (d *Dispatcher) Dispatch(ctx context.Context, h schemas.Handler, in *schemas.StepInput) (*schemas.HandlerResult, error) {
	replayKey := in.Key.String() + "#" + h.ID()
	if cached, ok := d.replay.Get(replayKey); ok {
		d.logger.Debug("Replaying completed delivery",
			zap.String("dispatch_key", in.Key.String()),
			zap.String("handler_id", h.ID()))
		return cached, nil
	}

	req := &dispatchRequest{
		ctx:     ctx,
		handler: h,
		input:   in,
		result:  make(chan dispatchResult, 1),
	}

	queue := d.normal
	if in.Emergency {
		queue = d.emergency
	}

	select {
	case queue <- req:
	case <-ctx.Done():
		return nil, d.timeoutErr(ctx)
	case <-d.stopCh:
		return nil, fmt.Errorf("dispatcher is stopped")
	}

	select {
	case out := <-req.result:
		if out.panicked {
			return nil, out.err
		}
		if out.err != nil {
			if ctx.Err() != nil {
				return nil, d.timeoutErr(ctx)
			}
			return nil, out.err
		}
		if out.res == nil {
			return nil, fmt.Errorf("handler %s returned no result", h.ID())
		}
		d.replay.Add(replayKey, out.res)
		return out.res, nil
	case <-ctx.Done():
		return nil, d.timeoutErr(ctx)
	}
}

func (d *Dispatcher) timeoutErr(ctx context.Context) error {
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("%w: %v", ErrStepTimeout, ctx.Err())
	}
	return ctx.Err()
}
