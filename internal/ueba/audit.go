// internal/ueba/audit.go
package ueba

import (
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"gonum.org/v1/gonum/stat"

	"github.com/openfleetlabs/fleetmind/api/schemas"
)

// recentAlertLimit bounds the alert excerpt embedded in a report.
const recentAlertLimit = 20

// AuditLog is the bounded in-memory audit trail: per-handler action history,
// per-task decisions, and aggregate counters. Retention is a hard cap per
// handler and per task; the oldest entries fall off first.
type AuditLog struct {
	retention int

	mu               sync.RWMutex
	recordsByHandler map[string][]schemas.ActionRecord
	decisionsByTask  map[string][]schemas.PolicyDecision
	decisions        []schemas.PolicyDecision

	// decided guards exactly-once scoring per record ID. Replayed deliveries
	// of the same record must not produce a second decision.
	decided *lru.Cache[string, struct{}]

	totalRecords int
	flagged      int
	blocked      int
}

var _ schemas.AuditQuery = (*AuditLog)(nil)

// NewAuditLog creates an AuditLog with the given per-key retention.
func NewAuditLog(retention int) (*AuditLog, error) {
	if retention <= 0 {
		retention = 500
	}
	decided, err := lru.New[string, struct{}](retention * 4)
	if err != nil {
		return nil, err
	}
	return &AuditLog{
		retention:        retention,
		recordsByHandler: make(map[string][]schemas.ActionRecord),
		decisionsByTask:  make(map[string][]schemas.PolicyDecision),
		decided:          decided,
	}, nil
}

// AddRecord appends one action record to the handler's history.
func (a *AuditLog) AddRecord(rec schemas.ActionRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()

	history := append(a.recordsByHandler[rec.HandlerID], rec)
	if len(history) > a.retention {
		history = history[len(history)-a.retention:]
	}
	a.recordsByHandler[rec.HandlerID] = history
	a.totalRecords++
}

// AddDecision records a decision unless one already exists for the same
// record ID. Returns false for a duplicate.
func (a *AuditLog) AddDecision(dec schemas.PolicyDecision) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, dup := a.decided.Get(dec.RecordID); dup {
		return false
	}
	a.decided.Add(dec.RecordID, struct{}{})

	byTask := append(a.decisionsByTask[dec.TaskID], dec)
	if len(byTask) > a.retention {
		byTask = byTask[len(byTask)-a.retention:]
	}
	a.decisionsByTask[dec.TaskID] = byTask

	a.decisions = append(a.decisions, dec)
	if len(a.decisions) > a.retention {
		a.decisions = a.decisions[len(a.decisions)-a.retention:]
	}

	switch dec.Verdict {
	case schemas.VerdictFlag:
		a.flagged++
	case schemas.VerdictBlock:
		a.blocked++
	}
	return true
}

// RecentRecords returns the retained history for one handler, oldest first.
func (a *AuditLog) RecentRecords(handlerID string) []schemas.ActionRecord {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]schemas.ActionRecord(nil), a.recordsByHandler[handlerID]...)
}

// DecisionsForTask returns every retained decision for one task.
func (a *AuditLog) DecisionsForTask(taskID string) []schemas.PolicyDecision {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]schemas.PolicyDecision(nil), a.decisionsByTask[taskID]...)
}

// Report summarizes the retained window: counters plus the risk-score
// distribution over retained decisions and the most recent alerts.
func (a *AuditLog) Report() schemas.SecurityReport {
	a.mu.RLock()
	defer a.mu.RUnlock()

	report := schemas.SecurityReport{
		GeneratedAt:    time.Now().UTC(),
		TotalRecords:   a.totalRecords,
		TotalDecisions: len(a.decisions),
		Flagged:        a.flagged,
		Blocked:        a.blocked,
	}

	if len(a.decisions) > 0 {
		scores := make([]float64, 0, len(a.decisions))
		for _, dec := range a.decisions {
			scores = append(scores, dec.RiskScore)
			if dec.RiskScore >= 7 {
				report.HighRisk++
			}
		}
		report.MeanRisk = stat.Mean(scores, nil)
		sorted := append([]float64(nil), scores...)
		sort.Float64s(sorted)
		report.P95Risk = stat.Quantile(0.95, stat.Empirical, sorted, nil)
	}

	for i := len(a.decisions) - 1; i >= 0 && len(report.RecentAlerts) < recentAlertLimit; i-- {
		dec := a.decisions[i]
		if dec.Verdict != schemas.VerdictAllow {
			report.RecentAlerts = append(report.RecentAlerts, dec)
		}
	}
	return report
}
