// internal/ueba/baseline.go
package ueba

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/openfleetlabs/fleetmind/api/schemas"
)

// maxInstantRate caps the calls-per-minute estimate for back-to-back calls
// so a tight loop saturates the rate signal instead of overflowing it.
const maxInstantRate = 600.0

// BaselineStore holds the learned normal-behavior profile per handler. The
// monitor is the only writer; Observe is called once per Allow verdict.
type BaselineStore struct {
	alpha float64

	mu        sync.RWMutex
	baselines map[string]*schemas.Baseline
}

// NewBaselineStore creates an empty store. alpha is the EMA smoothing factor
// applied to call-rate statistics.
func NewBaselineStore(alpha float64) *BaselineStore {
	if alpha <= 0 || alpha > 1 {
		alpha = 0.1
	}
	return &BaselineStore{
		alpha:     alpha,
		baselines: make(map[string]*schemas.Baseline),
	}
}

// Get returns a deep snapshot of the handler's baseline, or nil if the
// handler has never been observed. Scoring works on the snapshot so a
// concurrent Observe cannot shift a decision mid-computation.
func (s *BaselineStore) Get(handlerID string) *schemas.Baseline {
	s.mu.RLock()
	defer s.mu.RUnlock()

	base, ok := s.baselines[handlerID]
	if !ok {
		return nil
	}
	return cloneBaseline(base)
}

// Seed installs an initial profile for a handler, typically from its
// registered tool grants, so known-good tools never read as novel.
func (s *BaselineStore) Seed(handlerID string, tools, scopes []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	base, ok := s.baselines[handlerID]
	if !ok {
		base = &schemas.Baseline{
			HandlerID: handlerID,
			Tools:     make(map[string]schemas.ToolStats),
			CreatedAt: now,
		}
		s.baselines[handlerID] = base
	}
	for _, tool := range tools {
		if _, exists := base.Tools[tool]; !exists {
			base.Tools[tool] = schemas.ToolStats{}
		}
	}
	for _, scope := range scopes {
		if !containsString(base.ScopePatterns, scope) {
			base.ScopePatterns = append(base.ScopePatterns, scope)
		}
	}
	sort.Strings(base.ScopePatterns)
	base.UpdatedAt = now
}

// Observe folds one allowed action into the handler's profile: the tool
// joins the allow set, its call-rate EMA advances, and an unseen data scope
// is learned as a literal pattern.
func (s *BaselineStore) Observe(rec schemas.ActionRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	base, ok := s.baselines[rec.HandlerID]
	if !ok {
		base = &schemas.Baseline{
			HandlerID: rec.HandlerID,
			Tools:     make(map[string]schemas.ToolStats),
			CreatedAt: rec.Timestamp,
		}
		s.baselines[rec.HandlerID] = base
	}

	stats := base.Tools[rec.Tool]
	if stats.Calls > 0 && !stats.LastSeen.IsZero() {
		inst := instantRate(stats.LastSeen, rec.Timestamp)
		if stats.Calls == 1 {
			stats.MeanRate = inst
		} else {
			dev := inst - stats.MeanRate
			stats.MeanRate += s.alpha * dev
			// EWMA variance, same smoothing as the mean.
			variance := stats.RateStdDev*stats.RateStdDev*(1-s.alpha) + s.alpha*dev*dev
			stats.RateStdDev = math.Sqrt(variance)
		}
	}
	stats.Calls++
	stats.LastSeen = rec.Timestamp
	base.Tools[rec.Tool] = stats

	if rec.DataScope != "" && !containsString(base.ScopePatterns, rec.DataScope) {
		base.ScopePatterns = append(base.ScopePatterns, rec.DataScope)
		sort.Strings(base.ScopePatterns)
	}

	base.Observations++
	base.UpdatedAt = rec.Timestamp
}

// Reset drops a handler's learned profile. Returns false if none existed.
func (s *BaselineStore) Reset(handlerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.baselines[handlerID]; !ok {
		return false
	}
	delete(s.baselines, handlerID)
	return true
}

// Handlers lists the profiled handler IDs in sorted order.
func (s *BaselineStore) Handlers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.baselines))
	for id := range s.baselines {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// instantRate estimates calls per minute from the gap between two
// consecutive calls of the same tool.
func instantRate(prev, now time.Time) float64 {
	minutes := now.Sub(prev).Minutes()
	if minutes <= 0 {
		return maxInstantRate
	}
	rate := 1.0 / minutes
	if rate > maxInstantRate {
		return maxInstantRate
	}
	return rate
}

func cloneBaseline(base *schemas.Baseline) *schemas.Baseline {
	cp := *base
	cp.Tools = make(map[string]schemas.ToolStats, len(base.Tools))
	for tool, stats := range base.Tools {
		cp.Tools[tool] = stats
	}
	cp.ScopePatterns = append([]string(nil), base.ScopePatterns...)
	return &cp
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

