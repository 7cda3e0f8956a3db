// internal/decision/decision.go
// The decision function is the opaque reasoning step behind every handler:
// given an intent and structured facts, produce a human-readable
// recommendation. The orchestration core fixes only this contract; the
// strategy behind it is swappable.
package decision

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/openfleetlabs/fleetmind/api/schemas"
	"github.com/openfleetlabs/fleetmind/internal/config"
)

// Request carries everything a backend needs to produce a recommendation.
type Request struct {
	Intent schemas.Intent
	// Role is the specialist persona, e.g. "Diagnostic Specialist".
	Role string
	// Prompt is the concrete question for this step.
	Prompt string
	// Facts are the structured inputs the recommendation must be based on.
	Facts map[string]any
}

// Func produces a recommendation for one step. Implementations must be safe
// for concurrent use.
type Func func(ctx context.Context, req Request) (string, error)

// New selects a backend from config. The rules backend is fully hermetic;
// gemini requires an API key.
func New(cfg config.LLMConfig, logger *zap.Logger) (Func, error) {
	switch cfg.Provider {
	case "rules":
		return Rules(), nil
	case "gemini":
		return NewGemini(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown decision provider %q", cfg.Provider)
	}
}
