// internal/decision/gemini.go
package decision

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/openfleetlabs/fleetmind/internal/config"
)

// NewGemini builds a decision backend on the Gemini API. Transient API
// failures are retried with exponential backoff before surfacing.
func NewGemini(cfg config.LLMConfig, logger *zap.Logger) (Func, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini decision backend requires an API key")
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	model := cfg.Model
	if model == "" {
		model = "gemini-2.5-flash"
	}
	timeout := cfg.APITimeout
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	log := logger.Named("decision.gemini")

	return func(ctx context.Context, req Request) (string, error) {
		prompt := fmt.Sprintf(
			"You are a %s in an automotive predictive-maintenance system.\n%s\nFacts: %v\nRespond with a concise recommendation.",
			req.Role, req.Prompt, req.Facts)

		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		var text string
		operation := func() error {
			resp, err := client.Models.GenerateContent(callCtx, model, genai.Text(prompt), nil)
			if err != nil {
				return err
			}
			text = resp.Text()
			if text == "" {
				return backoff.Permanent(fmt.Errorf("empty response from model"))
			}
			return nil
		}

		policy := backoff.WithContext(backoff.NewExponentialBackOff(
			backoff.WithMaxElapsedTime(timeout),
		), callCtx)

		if err := backoff.Retry(operation, policy); err != nil {
			log.Warn("Gemini call failed",
				zap.String("intent", string(req.Intent)),
				zap.Error(err))
			return "", fmt.Errorf("gemini generation failed: %w", err)
		}
		return text, nil
	}, nil
}
