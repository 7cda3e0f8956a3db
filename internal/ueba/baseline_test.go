package ueba

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfleetlabs/fleetmind/api/schemas"
)

func record(handlerID, tool, scope string, at time.Time) schemas.ActionRecord {
	return schemas.ActionRecord{
		ID:        "r-" + at.Format(time.RFC3339Nano),
		HandlerID: handlerID,
		Tool:      tool,
		DataScope: scope,
		Timestamp: at,
	}
}

func TestBaselineGetUnknownHandler(t *testing.T) {
	store := NewBaselineStore(0.1)
	assert.Nil(t, store.Get("never_seen"))
}

func TestBaselineSeed(t *testing.T) {
	store := NewBaselineStore(0.1)
	store.Seed("scheduling_agent",
		[]string{"book_appointment", "get_available_slots"},
		[]string{"center:*:slots"})

	base := store.Get("scheduling_agent")
	require.NotNil(t, base)
	assert.True(t, base.AllowsTool("book_appointment"))
	assert.True(t, base.AllowsTool("get_available_slots"))
	assert.False(t, base.AllowsTool("telemetry_read"))
	assert.Equal(t, []string{"center:*:slots"}, base.ScopePatterns)
	assert.Zero(t, base.Observations, "seeding installs tools without counting observations")

	// Re-seeding must not clobber existing stats or duplicate scopes.
	store.Observe(record("scheduling_agent", "book_appointment", "", time.Unix(1000, 0)))
	store.Seed("scheduling_agent", []string{"book_appointment"}, []string{"center:*:slots"})
	base = store.Get("scheduling_agent")
	assert.Equal(t, 1, base.Tools["book_appointment"].Calls)
	assert.Equal(t, []string{"center:*:slots"}, base.ScopePatterns)
}

func TestObserveLearnsToolsAndScopes(t *testing.T) {
	store := NewBaselineStore(0.1)

	store.Observe(record("diagnosis_agent", "detect_anomalies", "vehicle:VH002:telemetry", time.Unix(1000, 0)))
	store.Observe(record("diagnosis_agent", "find_similar_issues", "fleet:*:history", time.Unix(1060, 0)))

	base := store.Get("diagnosis_agent")
	require.NotNil(t, base)
	assert.Equal(t, 2, base.Observations)
	assert.True(t, base.AllowsTool("detect_anomalies"))
	assert.True(t, base.AllowsTool("find_similar_issues"))
	assert.Equal(t, []string{"fleet:*:history", "vehicle:VH002:telemetry"}, base.ScopePatterns,
		"learned scopes are kept sorted and deduplicated")
}

func TestObserveRateEMA(t *testing.T) {
	store := NewBaselineStore(0.1)
	start := time.Unix(1000, 0)

	// One call per minute. The second interval fixes the initial mean, the
	// following ones converge on 1 call/minute with no variance.
	for i := 0; i < 6; i++ {
		store.Observe(record("h", "tool", "", start.Add(time.Duration(i)*time.Minute)))
	}

	base := store.Get("h")
	require.NotNil(t, base)
	stats := base.Tools["tool"]
	assert.Equal(t, 6, stats.Calls)
	assert.InDelta(t, 1.0, stats.MeanRate, 1e-9)
	assert.InDelta(t, 0.0, stats.RateStdDev, 1e-9)
	assert.Equal(t, start.Add(5*time.Minute), stats.LastSeen)
}

func TestObserveRateEMATracksChange(t *testing.T) {
	store := NewBaselineStore(0.5)
	start := time.Unix(1000, 0)

	store.Observe(record("h", "tool", "", start))
	store.Observe(record("h", "tool", "", start.Add(time.Minute)))

	// A 30 second gap doubles the instantaneous rate; with alpha 0.5 the
	// mean moves halfway toward it.
	store.Observe(record("h", "tool", "", start.Add(90*time.Second)))

	stats := store.Get("h").Tools["tool"]
	assert.InDelta(t, 1.5, stats.MeanRate, 1e-9)
	assert.Greater(t, stats.RateStdDev, 0.0)
}

func TestGetReturnsSnapshot(t *testing.T) {
	store := NewBaselineStore(0.1)
	store.Observe(record("h", "tool", "vehicle:VH001:telemetry", time.Unix(1000, 0)))

	snap := store.Get("h")
	snap.Tools["injected"] = schemas.ToolStats{Calls: 99}
	snap.ScopePatterns = append(snap.ScopePatterns, "tampered")

	fresh := store.Get("h")
	assert.False(t, fresh.AllowsTool("injected"), "mutating a snapshot must not leak into the store")
	assert.Equal(t, []string{"vehicle:VH001:telemetry"}, fresh.ScopePatterns)
}

func TestReset(t *testing.T) {
	store := NewBaselineStore(0.1)
	store.Observe(record("h", "tool", "", time.Unix(1000, 0)))

	assert.True(t, store.Reset("h"))
	assert.Nil(t, store.Get("h"))
	assert.False(t, store.Reset("h"), "a second reset has nothing to drop")
}

func TestHandlers(t *testing.T) {
	store := NewBaselineStore(0.1)
	store.Observe(record("zeta", "t", "", time.Unix(1000, 0)))
	store.Observe(record("alpha", "t", "", time.Unix(1000, 0)))

	assert.Equal(t, []string{"alpha", "zeta"}, store.Handlers())
}

func TestInstantRateCapped(t *testing.T) {
	at := time.Unix(1000, 0)
	assert.Equal(t, maxInstantRate, instantRate(at, at), "zero gap saturates the rate")
	assert.Equal(t, maxInstantRate, instantRate(at, at.Add(time.Millisecond)))
	assert.InDelta(t, 1.0, instantRate(at, at.Add(time.Minute)), 1e-9)
}
