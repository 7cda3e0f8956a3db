package ueba

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/openfleetlabs/fleetmind/api/schemas"
	"github.com/openfleetlabs/fleetmind/internal/config"
	"github.com/openfleetlabs/fleetmind/internal/registry"
)

type grantStub struct {
	id      string
	intents []schemas.Intent
}

func (h *grantStub) ID() string                { return h.id }
func (h *grantStub) Intents() []schemas.Intent { return h.intents }
func (h *grantStub) Execute(context.Context, *schemas.StepInput) (*schemas.HandlerResult, error) {
	return &schemas.HandlerResult{Output: map[string]any{}}, nil
}

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New(zaptest.NewLogger(t))
	require.NoError(t, reg.Register(
		&grantStub{id: "scheduling_agent", intents: []schemas.Intent{schemas.IntentScheduling}},
		registry.WithGrantedTools("get_available_slots", "book_appointment")))
	require.NoError(t, reg.Register(
		&grantStub{id: "ungoverned_agent", intents: []schemas.Intent{schemas.IntentFeedback}}))
	reg.Freeze()
	return reg
}

// learnedBaseline is a profile past the cold-start window with one known
// tool and one scope pattern.
func learnedBaseline(handlerID string) *schemas.Baseline {
	return &schemas.Baseline{
		HandlerID: handlerID,
		Tools: map[string]schemas.ToolStats{
			"get_available_slots": {MeanRate: 2, RateStdDev: 0.5, Calls: 30, LastSeen: time.Unix(1000, 0)},
		},
		ScopePatterns: []string{"center:*:slots"},
		Observations:  30,
	}
}

func TestScoreColdStartAllows(t *testing.T) {
	scorer := NewScorer(config.Default().UEBA, newTestRegistry(t))

	rec := schemas.ActionRecord{
		ID:        "r1",
		HandlerID: "ungoverned_agent",
		Tool:      "anything_at_all",
		DataScope: "vehicle:VH001:telemetry",
		Timestamp: time.Now(),
	}

	dec := scorer.Score(rec, nil)
	assert.Equal(t, schemas.VerdictAllow, dec.Verdict)
	assert.Zero(t, dec.RiskScore)
	assert.Contains(t, dec.Reason, "cold start")

	partial := &schemas.Baseline{HandlerID: "ungoverned_agent", Observations: 5, Tools: map[string]schemas.ToolStats{}}
	dec = scorer.Score(rec, partial)
	assert.Equal(t, schemas.VerdictAllow, dec.Verdict, "below the observation window everything is allow-and-learn")
}

func TestScoreGrantOverrideBeatsColdStart(t *testing.T) {
	scorer := NewScorer(config.Default().UEBA, newTestRegistry(t))

	rec := schemas.ActionRecord{
		ID:        "r1",
		HandlerID: "scheduling_agent",
		Tool:      "telemetry_read",
		DataScope: "vehicle:VH002:telemetry",
		Timestamp: time.Now(),
	}

	dec := scorer.Score(rec, nil)
	assert.Equal(t, schemas.VerdictBlock, dec.Verdict, "an ungranted tool is blocked even with no baseline")
	assert.Equal(t, 10.0, dec.RiskScore)
	assert.Contains(t, dec.Reason, "capability grant")
}

func TestScoreDeterministic(t *testing.T) {
	scorer := NewScorer(config.Default().UEBA, newTestRegistry(t))

	rec := schemas.ActionRecord{
		ID:        "r1",
		HandlerID: "ungoverned_agent",
		Tool:      "novel_tool",
		DataScope: "elsewhere:raw",
		Timestamp: time.Unix(2000, 0),
	}
	base := learnedBaseline("ungoverned_agent")

	first := scorer.Score(rec, base)
	for i := 0; i < 10; i++ {
		again := scorer.Score(rec, base)
		assert.Equal(t, first.RiskScore, again.RiskScore, "identical inputs must score identically")
		assert.Equal(t, first.Verdict, again.Verdict)
		assert.Equal(t, first.Reason, again.Reason)
	}
}

func TestScoreVerdictBands(t *testing.T) {
	cfg := config.Default().UEBA
	scorer := NewScorer(cfg, newTestRegistry(t))
	base := learnedBaseline("ungoverned_agent")

	cases := []struct {
		name    string
		tool    string
		scope   string
		verdict schemas.Verdict
	}{
		{
			name:    "known tool and scope stay allowed",
			tool:    "get_available_slots",
			scope:   "center:SC001:slots",
			verdict: schemas.VerdictAllow,
		},
		{
			name:    "novel tool alone flags",
			tool:    "novel_tool",
			scope:   "center:SC001:slots",
			verdict: schemas.VerdictFlag,
		},
		{
			name:    "novel scope alone stays allowed",
			tool:    "get_available_slots",
			scope:   "owner:VH001:contact",
			verdict: schemas.VerdictAllow,
		},
		{
			name:    "novel tool and scope together block",
			tool:    "novel_tool",
			scope:   "owner:VH001:contact",
			verdict: schemas.VerdictBlock,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := schemas.ActionRecord{
				ID:        "r-" + tc.tool,
				HandlerID: "ungoverned_agent",
				Tool:      tc.tool,
				DataScope: tc.scope,
				// Well past the last seen timestamp so rate deviation is low.
				Timestamp: time.Unix(1030, 0),
			}
			dec := scorer.Score(rec, base)
			assert.Equal(t, tc.verdict, dec.Verdict, "risk=%.2f reason=%s", dec.RiskScore, dec.Reason)
			assert.GreaterOrEqual(t, dec.RiskScore, 0.0)
			assert.LessOrEqual(t, dec.RiskScore, 10.0)
		})
	}
}

func TestScoreScopeGlobMatching(t *testing.T) {
	scorer := NewScorer(config.Default().UEBA, newTestRegistry(t))

	base := learnedBaseline("ungoverned_agent")
	base.ScopePatterns = []string{"vehicle:*:telemetry"}

	rec := schemas.ActionRecord{
		ID:        "r1",
		HandlerID: "ungoverned_agent",
		Tool:      "get_available_slots",
		DataScope: "vehicle:VH099:telemetry",
		Timestamp: time.Unix(1030, 0),
	}
	dec := scorer.Score(rec, base)
	assert.Equal(t, schemas.VerdictAllow, dec.Verdict,
		"a wildcard segment must cover new vehicle IDs, got reason=%s", dec.Reason)
}

func TestScoreRateSpike(t *testing.T) {
	cfg := config.Default().UEBA
	scorer := NewScorer(cfg, newTestRegistry(t))

	base := learnedBaseline("ungoverned_agent")

	// Back-to-back call on a tool whose baseline is 2 calls/minute.
	rec := schemas.ActionRecord{
		ID:        "r1",
		HandlerID: "ungoverned_agent",
		Tool:      "get_available_slots",
		DataScope: "center:SC001:slots",
		Timestamp: time.Unix(1000, 0).Add(10 * time.Millisecond),
	}
	dec := scorer.Score(rec, base)
	assert.Greater(t, dec.RiskScore, 0.0, "a rate spike must contribute risk")
	assert.LessOrEqual(t, dec.RiskScore, 10*cfg.RateWeight+1e-9,
		"rate deviation alone is bounded by its weight")
}

func TestScoreBoundedForArbitraryInput(t *testing.T) {
	scorer := NewScorer(config.Default().UEBA, newTestRegistry(t))
	base := learnedBaseline("ungoverned_agent")

	for i := 0; i < 100; i++ {
		rec := schemas.ActionRecord{
			ID:        fmt.Sprintf("r%d", i),
			HandlerID: "ungoverned_agent",
			Tool:      fmt.Sprintf("tool_%d", i%7),
			DataScope: fmt.Sprintf("scope_%d", i%5),
			Timestamp: time.Unix(int64(1000+i), 0),
		}
		dec := scorer.Score(rec, base)
		require.GreaterOrEqual(t, dec.RiskScore, 0.0)
		require.LessOrEqual(t, dec.RiskScore, 10.0)
		require.Contains(t, []schemas.Verdict{
			schemas.VerdictAllow, schemas.VerdictFlag, schemas.VerdictBlock,
		}, dec.Verdict)
	}
}
