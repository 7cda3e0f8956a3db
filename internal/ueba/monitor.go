// internal/ueba/monitor.go
// The monitor is the asynchronous consumer side of the behavior-analytics
// pipeline: it drains action records off the bus, scores each against the
// handler's baseline snapshot, records the decision exactly once, learns
// from allowed behavior, and hands enforcement to the enforcer. Scoring
// happens strictly off the handler execution path.
package ueba

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/openfleetlabs/fleetmind/api/schemas"
	"github.com/openfleetlabs/fleetmind/internal/bus"
	"github.com/openfleetlabs/fleetmind/internal/config"
	"github.com/openfleetlabs/fleetmind/internal/registry"
)

// Monitor owns the scoring loop and the mutable analytics state.
type Monitor struct {
	logger    *zap.Logger
	bus       *bus.ActionBus
	baselines *BaselineStore
	scorer    *Scorer
	audit     *AuditLog
	enforcer  *Enforcer

	startOnce sync.Once
	wg        sync.WaitGroup
}

// NewMonitor assembles the UEBA pipeline. Baselines for handlers with
// registered tool grants are pre-seeded so granted tools never read as
// novel once the cold-start window closes.
func NewMonitor(
	cfg config.UEBAConfig,
	logger *zap.Logger,
	b *bus.ActionBus,
	reg *registry.Registry,
	aborter schemas.TaskAborter,
	notifier schemas.Notifier,
) (*Monitor, error) {
	audit, err := NewAuditLog(cfg.AuditRetention)
	if err != nil {
		return nil, err
	}
	log := logger.Named("ueba")
	return &Monitor{
		logger:    log,
		bus:       b,
		baselines: NewBaselineStore(cfg.EMAAlpha),
		scorer:    NewScorer(cfg, reg),
		audit:     audit,
		enforcer:  NewEnforcer(log, aborter, notifier),
	}, nil
}

// Baselines exposes the profile store for seeding and administrative reset.
func (m *Monitor) Baselines() *BaselineStore { return m.baselines }

// Audit exposes the read-only audit surface.
func (m *Monitor) Audit() schemas.AuditQuery { return m.audit }

// Start subscribes to action records and launches the scoring loop. The
// loop exits when the bus shuts down or ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		ch, unsubscribe := m.bus.Subscribe(bus.TopicActionRecord)
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			defer unsubscribe()
			m.logger.Info("Behavior monitor started")
			for {
				select {
				case env, ok := <-ch:
					if !ok {
						m.logger.Info("Behavior monitor stopped: bus closed")
						return
					}
					m.handle(ctx, env)
					m.bus.Ack(env)
				case <-ctx.Done():
					m.logger.Info("Behavior monitor stopped: context cancelled")
					return
				}
			}
		}()
	})
}

// Wait blocks until the scoring loop has exited.
func (m *Monitor) Wait() {
	m.wg.Wait()
}

func (m *Monitor) handle(ctx context.Context, env bus.Envelope) {
	rec, ok := env.Payload.(schemas.ActionRecord)
	if !ok {
		m.logger.Warn("Dropping envelope with unexpected payload",
			zap.String("envelope_id", env.ID),
			zap.String("topic", string(env.Topic)))
		return
	}

	base := m.baselines.Get(rec.HandlerID)
	dec := m.scorer.Score(rec, base)

	// The decision ledger is the dedup gate; a redelivered record must not
	// reach the audit trail either.
	if !m.audit.AddDecision(dec) {
		m.logger.Debug("Duplicate record delivery ignored",
			zap.String("record_id", rec.ID))
		return
	}
	m.audit.AddRecord(rec)

	m.logger.Debug("Action scored",
		zap.String("record_id", rec.ID),
		zap.String("handler_id", rec.HandlerID),
		zap.String("tool", rec.Tool),
		zap.Float64("risk_score", dec.RiskScore),
		zap.String("verdict", string(dec.Verdict)))

	if err := m.bus.Publish(ctx, bus.TopicPolicyDecision, dec.TaskID, dec); err != nil {
		m.logger.Debug("Failed to publish policy decision", zap.Error(err))
	}

	if dec.Verdict == schemas.VerdictAllow {
		m.baselines.Observe(rec)
	}

	if err := m.enforcer.Apply(ctx, dec); err != nil {
		m.logger.Error("Enforcement failed",
			zap.String("record_id", rec.ID),
			zap.Error(err))
	}
}
