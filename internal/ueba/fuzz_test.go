package ueba

import (
	"testing"
	"time"

	fuzzheaders "github.com/AdaLogics/go-fuzz-headers"
	"go.uber.org/zap"

	"github.com/openfleetlabs/fleetmind/api/schemas"
	"github.com/openfleetlabs/fleetmind/internal/config"
	"github.com/openfleetlabs/fleetmind/internal/registry"
)

// FuzzScore hammers the scorer with arbitrary tools, scopes, and baseline
// patterns. Whatever comes in, the decision must stay on the 0 to 10 scale
// with a verdict consistent with the configured thresholds, and a malformed
// scope pattern must never panic the glob path.
func FuzzScore(f *testing.F) {
	f.Add("book_appointment", "center:SC001:slots", "center:*:slots", int64(30), uint8(30))
	f.Add("telemetry_read", "vehicle:VH002:telemetry", "[invalid", int64(-5), uint8(0))
	f.Add("", "", "**", int64(0), uint8(200))

	cfg := config.Default().UEBA
	reg := registry.New(zap.NewNop())
	if err := reg.Register(&grantStub{id: "agent", intents: []schemas.Intent{schemas.IntentDiagnosis}}); err != nil {
		f.Fatal(err)
	}
	reg.Freeze()
	scorer := NewScorer(cfg, reg)

	f.Fuzz(func(t *testing.T, tool, scope, pattern string, gapSeconds int64, observations uint8) {
		base := &schemas.Baseline{
			HandlerID: "agent",
			Tools: map[string]schemas.ToolStats{
				"book_appointment": {MeanRate: 2, RateStdDev: 0.5, Calls: 30, LastSeen: time.Unix(1000, 0)},
			},
			ScopePatterns: []string{pattern},
			Observations:  int(observations),
		}
		rec := schemas.ActionRecord{
			ID:        "fuzz",
			HandlerID: "agent",
			Tool:      tool,
			DataScope: scope,
			Timestamp: time.Unix(1000+gapSeconds, 0),
		}

		dec := scorer.Score(rec, base)
		if dec.RiskScore < 0 || dec.RiskScore > 10 {
			t.Fatalf("risk score %f out of range", dec.RiskScore)
		}
		switch {
		case dec.RiskScore >= cfg.BlockThreshold:
			if dec.Verdict != schemas.VerdictBlock {
				t.Fatalf("risk %f above block threshold but verdict %s", dec.RiskScore, dec.Verdict)
			}
		case dec.RiskScore >= cfg.FlagThreshold:
			if dec.Verdict != schemas.VerdictFlag {
				t.Fatalf("risk %f in flag band but verdict %s", dec.RiskScore, dec.Verdict)
			}
		default:
			if dec.Verdict != schemas.VerdictAllow {
				t.Fatalf("risk %f below flag threshold but verdict %s", dec.RiskScore, dec.Verdict)
			}
		}

		again := scorer.Score(rec, base)
		if again.RiskScore != dec.RiskScore || again.Verdict != dec.Verdict {
			t.Fatalf("scoring is not deterministic: %f/%s then %f/%s",
				dec.RiskScore, dec.Verdict, again.RiskScore, again.Verdict)
		}
	})
}

// FuzzObserve feeds arbitrary records through the baseline EMA and checks the
// learned statistics stay finite and monotonic where they should.
func FuzzObserve(f *testing.F) {
	f.Add([]byte("seed"))
	f.Fuzz(func(t *testing.T, data []byte) {
		consumer := fuzzheaders.NewConsumer(data)
		store := NewBaselineStore(0.1)

		var last time.Time
		for i := 0; i < 16; i++ {
			tool, err := consumer.GetString()
			if err != nil {
				break
			}
			scope, err := consumer.GetString()
			if err != nil {
				break
			}
			gap, err := consumer.GetInt()
			if err != nil {
				break
			}
			at := last.Add(time.Duration(gap%3600) * time.Second)
			store.Observe(schemas.ActionRecord{
				ID:        "fuzz",
				HandlerID: "agent",
				Tool:      tool,
				DataScope: scope,
				Timestamp: at,
			})
			last = at
		}

		base := store.Get("agent")
		if base == nil {
			return
		}
		for tool, stats := range base.Tools {
			if stats.Calls <= 0 {
				t.Fatalf("tool %q recorded with no calls", tool)
			}
			if stats.MeanRate < 0 || stats.MeanRate > maxInstantRate {
				t.Fatalf("tool %q mean rate %f out of range", tool, stats.MeanRate)
			}
			if stats.RateStdDev < 0 {
				t.Fatalf("tool %q negative stddev %f", tool, stats.RateStdDev)
			}
		}
		for i := 1; i < len(base.ScopePatterns); i++ {
			if base.ScopePatterns[i-1] > base.ScopePatterns[i] {
				t.Fatal("scope patterns lost their sort order")
			}
		}
	})
}
