package decision

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/openfleetlabs/fleetmind/api/schemas"
	"github.com/openfleetlabs/fleetmind/internal/config"
)

func TestRulesBackendIsDeterministic(t *testing.T) {
	decide := Rules()

	req := Request{
		Intent: schemas.IntentDiagnosis,
		Role:   "Diagnostic Specialist",
		Prompt: "diagnose the primary issue",
		Facts: map[string]any{
			"vehicle_id":   "VH002",
			"max_severity": "warning",
			"anomalies":    3,
		},
	}

	first, err := decide(context.Background(), req)
	require.NoError(t, err)
	second, err := decide(context.Background(), req)
	require.NoError(t, err)

	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("rules backend output differs between calls (-first +second):\n%s", diff)
	}

	// Facts render in a stable key order regardless of map iteration.
	assert.Equal(t,
		"[Diagnostic Specialist] diagnose the primary issue | anomalies=3 max_severity=warning vehicle_id=VH002",
		first)
}

func TestRulesBackendWithoutFacts(t *testing.T) {
	decide := Rules()

	out, err := decide(context.Background(), Request{Role: "Advisor", Prompt: "summarize"})
	require.NoError(t, err)
	assert.Equal(t, "[Advisor] summarize", out)
}

func TestNewSelectsBackend(t *testing.T) {
	logger := zaptest.NewLogger(t)

	cfg := config.Default().LLM
	decide, err := New(cfg, logger)
	require.NoError(t, err)
	require.NotNil(t, decide, "the default provider is the hermetic rules backend")

	cfg.Provider = "oracle"
	_, err = New(cfg, logger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown decision provider")
}

func TestNewGeminiRequiresAPIKey(t *testing.T) {
	cfg := config.Default().LLM
	cfg.Provider = "gemini"
	cfg.APIKey = ""

	_, err := New(cfg, zaptest.NewLogger(t))
	require.Error(t, err)
}
