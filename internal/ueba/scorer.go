// internal/ueba/scorer.go
// Risk scoring is deterministic: one ActionRecord plus one baseline snapshot
// always yields the same decision. Time enters only through the record's own
// timestamp, never through the wall clock.
package ueba

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"

	"github.com/openfleetlabs/fleetmind/api/schemas"
	"github.com/openfleetlabs/fleetmind/internal/config"
	"github.com/openfleetlabs/fleetmind/internal/registry"
)

// rateZSaturation is the z-score at which the rate deviation component
// saturates to 1.
const rateZSaturation = 4.0

// Scorer computes a PolicyDecision for each ActionRecord. It consults two
// fixed inputs besides the record: the handler's baseline snapshot and the
// registry's capability grant table.
type Scorer struct {
	cfg config.UEBAConfig
	reg *registry.Registry

	globMu sync.Mutex
	globs  map[string]glob.Glob
}

// NewScorer builds a Scorer. The registry supplies the hard tool grants that
// override learned behavior.
func NewScorer(cfg config.UEBAConfig, reg *registry.Registry) *Scorer {
	return &Scorer{
		cfg:   cfg,
		reg:   reg,
		globs: make(map[string]glob.Glob),
	}
}

// Score evaluates one record against the given baseline snapshot. base may
// be nil for a never-observed handler.
//
// Precedence: the capability grant override comes first, then the cold-start
// window, then weighted scoring. A handler registered with an explicit grant
// set is blocked outright for any tool outside it, learned or not.
func (s *Scorer) Score(rec schemas.ActionRecord, base *schemas.Baseline) schemas.PolicyDecision {
	dec := schemas.PolicyDecision{
		RecordID:  rec.ID,
		HandlerID: rec.HandlerID,
		TaskID:    rec.TaskID,
		Tool:      rec.Tool,
		DataScope: rec.DataScope,
		DecidedAt: time.Now().UTC(),
	}

	if granted, hasGrants := s.reg.ToolGranted(rec.HandlerID, rec.Tool); hasGrants && !granted {
		dec.RiskScore = 10
		dec.Verdict = schemas.VerdictBlock
		dec.Reason = fmt.Sprintf("tool %q is outside the handler's capability grant", rec.Tool)
		return dec
	}

	if base == nil || base.Observations < s.cfg.ColdStartN {
		dec.RiskScore = 0
		dec.Verdict = schemas.VerdictAllow
		observed := 0
		if base != nil {
			observed = base.Observations
		}
		dec.Reason = fmt.Sprintf("cold start: %d/%d observations", observed, s.cfg.ColdStartN)
		return dec
	}

	toolNovelty := 0.0
	scopeDev := 0.0
	rateDev := 0.0
	var reasons []string

	if !base.AllowsTool(rec.Tool) {
		toolNovelty = 1
		reasons = append(reasons, fmt.Sprintf("novel tool %q", rec.Tool))
	} else {
		rateDev = s.rateDeviation(rec, base)
		if rateDev > 0.5 {
			reasons = append(reasons, fmt.Sprintf("call rate deviates from baseline (%.2f)", rateDev))
		}
	}

	if rec.DataScope != "" && !s.scopeMatches(rec.DataScope, base.ScopePatterns) {
		scopeDev = 1
		reasons = append(reasons, fmt.Sprintf("unfamiliar data scope %q", rec.DataScope))
	}

	weightSum := s.cfg.ToolWeight + s.cfg.ScopeWeight + s.cfg.RateWeight
	raw := s.cfg.ToolWeight*toolNovelty + s.cfg.ScopeWeight*scopeDev + s.cfg.RateWeight*rateDev
	risk := 10 * raw / weightSum
	risk = math.Max(0, math.Min(10, risk))
	dec.RiskScore = risk

	switch {
	case risk >= s.cfg.BlockThreshold:
		dec.Verdict = schemas.VerdictBlock
	case risk >= s.cfg.FlagThreshold:
		dec.Verdict = schemas.VerdictFlag
	default:
		dec.Verdict = schemas.VerdictAllow
	}

	if len(reasons) == 0 {
		dec.Reason = "within learned baseline"
	} else {
		dec.Reason = strings.Join(reasons, "; ")
	}
	return dec
}

// rateDeviation maps the z-score of the instantaneous call rate against the
// learned distribution onto [0, 1].
func (s *Scorer) rateDeviation(rec schemas.ActionRecord, base *schemas.Baseline) float64 {
	stats := base.Tools[rec.Tool]
	if stats.Calls < 2 || stats.LastSeen.IsZero() {
		return 0
	}
	inst := instantRate(stats.LastSeen, rec.Timestamp)

	stddev := stats.RateStdDev
	if stddev < 1e-6 {
		// A degenerate distribution still tolerates small wobble around
		// its mean.
		stddev = math.Max(stats.MeanRate*0.1, 1e-6)
	}
	z := math.Abs(inst-stats.MeanRate) / stddev
	return math.Min(z/rateZSaturation, 1)
}

func (s *Scorer) scopeMatches(scope string, patterns []string) bool {
	for _, pattern := range patterns {
		g, err := s.compiled(pattern)
		if err != nil {
			continue
		}
		if g.Match(scope) {
			return true
		}
	}
	return false
}

func (s *Scorer) compiled(pattern string) (glob.Glob, error) {
	s.globMu.Lock()
	defer s.globMu.Unlock()

	if g, ok := s.globs[pattern]; ok {
		return g, nil
	}
	g, err := glob.Compile(pattern, ':')
	if err != nil {
		return nil, err
	}
	s.globs[pattern] = g
	return g, nil
}
