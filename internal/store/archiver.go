// internal/store/archiver.go
package store

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openfleetlabs/fleetmind/api/schemas"
	"github.com/openfleetlabs/fleetmind/internal/bus"
)

const (
	flushInterval = 5 * time.Second
	flushBatch    = 64
)

// Archiver drains action records and policy decisions off the bus and
// persists them in batches. It is best-effort: a failed flush is logged and
// retried with the next batch, never propagated to the pipeline.
type Archiver struct {
	store *Store
	bus   *bus.ActionBus
	log   *zap.Logger

	startOnce sync.Once
	wg        sync.WaitGroup
}

// NewArchiver wires an archiver to its store and bus.
func NewArchiver(store *Store, b *bus.ActionBus, logger *zap.Logger) *Archiver {
	return &Archiver{
		store: store,
		bus:   b,
		log:   logger.Named("archiver"),
	}
}

// Start launches the drain loop. It exits when the bus closes or ctx is
// cancelled, flushing whatever is buffered on the way out.
func (a *Archiver) Start(ctx context.Context) {
	a.startOnce.Do(func() {
		ch, unsubscribe := a.bus.Subscribe(bus.TopicActionRecord, bus.TopicPolicyDecision)
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			defer unsubscribe()

			var records []schemas.ActionRecord
			var decisions []schemas.PolicyDecision
			ticker := time.NewTicker(flushInterval)
			defer ticker.Stop()

			flush := func() {
				if len(records) == 0 && len(decisions) == 0 {
					return
				}
				if err := a.store.PersistAudit(context.WithoutCancel(ctx), records, decisions); err != nil {
					a.log.Warn("Audit flush failed",
						zap.Int("records", len(records)),
						zap.Int("decisions", len(decisions)),
						zap.Error(err))
				}
				records = records[:0]
				decisions = decisions[:0]
			}
			defer flush()

			for {
				select {
				case env, ok := <-ch:
					if !ok {
						a.log.Info("Archiver stopped: bus closed")
						return
					}
					switch payload := env.Payload.(type) {
					case schemas.ActionRecord:
						records = append(records, payload)
					case schemas.PolicyDecision:
						decisions = append(decisions, payload)
					}
					a.bus.Ack(env)
					if len(records)+len(decisions) >= flushBatch {
						flush()
					}
				case <-ticker.C:
					flush()
				case <-ctx.Done():
					a.log.Info("Archiver stopped: context cancelled")
					return
				}
			}
		}()
	})
}

// Wait blocks until the drain loop has exited.
func (a *Archiver) Wait() {
	a.wg.Wait()
}
