// api/schemas/schemas.go
package schemas

import (
	"time"
)

// Intent names a capability a handler can serve. The orchestrator routes
// steps by intent, never by concrete handler type.
type Intent string

const (
	IntentDataAnalysis          Intent = "data_analysis"
	IntentDiagnosis             Intent = "diagnosis"
	IntentCustomerOutreach      Intent = "customer_outreach"
	IntentCustomerEngagement    Intent = "customer_engagement"
	IntentScheduling            Intent = "scheduling"
	IntentLogistics             Intent = "logistics"
	IntentTechnicianMatch       Intent = "technician_match"
	IntentEmergencyResponse     Intent = "emergency_response"
	IntentFeedback              Intent = "feedback"
	IntentForecasting           Intent = "forecasting"
	IntentManufacturingInsights Intent = "manufacturing_insights"
	IntentModelRetraining       Intent = "model_retraining"
)

// ActionRecord is an immutable audit fact describing one observable action a
// handler took (a tool call, a data read, an external notification). Handlers
// emit one per external call; the UEBA monitor consumes them asynchronously.
type ActionRecord struct {
	ID        string    `json:"id"`
	HandlerID string    `json:"handler_id"`
	TaskID    string    `json:"task_id"`
	Tool      string    `json:"tool"`
	DataScope string    `json:"data_scope"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Verdict is the policy outcome for a single ActionRecord.
type Verdict string

const (
	VerdictAllow Verdict = "ALLOW"
	VerdictFlag  Verdict = "FLAG"
	VerdictBlock Verdict = "BLOCK"
)

// PolicyDecision is produced exactly once per ActionRecord by the scorer.
type PolicyDecision struct {
	RecordID  string    `json:"record_id"`
	HandlerID string    `json:"handler_id"`
	TaskID    string    `json:"task_id"`
	Tool      string    `json:"tool"`
	DataScope string    `json:"data_scope"`
	RiskScore float64   `json:"risk_score"` // 0-10 scale
	Verdict   Verdict   `json:"verdict"`
	Reason    string    `json:"reason"`
	DecidedAt time.Time `json:"decided_at"`
}

// ToolStats tracks the learned call-rate distribution for one tool.
type ToolStats struct {
	// MeanRate and RateStdDev describe calls-per-minute under normal
	// operation, maintained by exponential moving average.
	MeanRate   float64   `json:"mean_rate"`
	RateStdDev float64   `json:"rate_stddev"`
	Calls      int       `json:"calls"`
	LastSeen   time.Time `json:"last_seen"`
}

// Baseline is the learned normal-behavior profile for one handler. It is
// mutated only by the UEBA monitor after Allow verdicts.
type Baseline struct {
	HandlerID     string               `json:"handler_id"`
	Tools         map[string]ToolStats `json:"tools"`
	ScopePatterns []string             `json:"scope_patterns"`
	Observations  int                  `json:"observations"`
	CreatedAt     time.Time            `json:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

// AllowsTool reports whether the tool is part of the learned allow set.
func (b *Baseline) AllowsTool(tool string) bool {
	_, ok := b.Tools[tool]
	return ok
}

// SecurityReport summarizes recent monitor activity for the audit surface.
type SecurityReport struct {
	GeneratedAt    time.Time        `json:"generated_at"`
	TotalRecords   int              `json:"total_records"`
	TotalDecisions int              `json:"total_decisions"`
	Flagged        int              `json:"flagged"`
	Blocked        int              `json:"blocked"`
	HighRisk       int              `json:"high_risk"` // score >= 7
	MeanRisk       float64          `json:"mean_risk"`
	P95Risk        float64          `json:"p95_risk"`
	RecentAlerts   []PolicyDecision `json:"recent_alerts"`
}
