// internal/ueba/enforcer.go
package ueba

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/openfleetlabs/fleetmind/api/schemas"
)

// reviewRecipient receives flag and block alerts on the app channel.
const reviewRecipient = "security-review"

// Enforcer turns policy decisions into effects. Allow is a no-op, Flag
// surfaces an alert for review, Block marks the offending step and aborts
// the owning task.
type Enforcer struct {
	logger   *zap.Logger
	aborter  schemas.TaskAborter
	notifier schemas.Notifier
}

// NewEnforcer wires the enforcer to the orchestrator slice it acts on and
// the sink its alerts go to.
func NewEnforcer(logger *zap.Logger, aborter schemas.TaskAborter, notifier schemas.Notifier) *Enforcer {
	return &Enforcer{
		logger:   logger.Named("enforcer"),
		aborter:  aborter,
		notifier: notifier,
	}
}

// Apply executes the decision's effect. A Block against a task that already
// settled is not an error; the verdict stands in the audit trail either way.
func (e *Enforcer) Apply(ctx context.Context, dec schemas.PolicyDecision) error {
	switch dec.Verdict {
	case schemas.VerdictAllow:
		return nil

	case schemas.VerdictFlag:
		e.logger.Warn("Action flagged for review",
			zap.String("handler_id", dec.HandlerID),
			zap.String("task_id", dec.TaskID),
			zap.String("tool", dec.Tool),
			zap.Float64("risk_score", dec.RiskScore),
			zap.String("reason", dec.Reason))
		e.alert(ctx, dec, "flagged")
		return nil

	case schemas.VerdictBlock:
		e.logger.Error("Action blocked",
			zap.String("handler_id", dec.HandlerID),
			zap.String("task_id", dec.TaskID),
			zap.String("tool", dec.Tool),
			zap.Float64("risk_score", dec.RiskScore),
			zap.String("reason", dec.Reason))
		err := e.aborter.BlockStep(dec.TaskID, dec.HandlerID, dec.Reason)
		if err != nil && !errors.Is(err, schemas.ErrTaskTerminal) {
			return fmt.Errorf("failed to block task %s: %w", dec.TaskID, err)
		}
		e.alert(ctx, dec, "blocked")
		return nil

	default:
		return fmt.Errorf("unknown verdict %q for record %s", dec.Verdict, dec.RecordID)
	}
}

func (e *Enforcer) alert(ctx context.Context, dec schemas.PolicyDecision, outcome string) {
	if e.notifier == nil {
		return
	}
	msg := fmt.Sprintf("handler %s %s: tool=%s scope=%s risk=%.1f reason=%s",
		dec.HandlerID, outcome, dec.Tool, dec.DataScope, dec.RiskScore, dec.Reason)
	if err := e.notifier.Send(ctx, reviewRecipient, msg, "app"); err != nil {
		e.logger.Warn("Failed to deliver security alert", zap.Error(err))
	}
}
