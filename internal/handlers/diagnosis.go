// internal/handlers/diagnosis.go
package handlers

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/openfleetlabs/fleetmind/api/schemas"
	"github.com/openfleetlabs/fleetmind/internal/decision"
)

// Diagnosis turns detected anomalies into a root-cause assessment and a
// concrete service recommendation. When no anomaly context is available it
// falls back to the vehicle's recurring-issue history.
type Diagnosis struct {
	base
}

func NewDiagnosis(deps Deps) *Diagnosis {
	return &Diagnosis{base: newBase(deps, "diagnosis_agent", schemas.IntentDiagnosis)}
}

func (h *Diagnosis) Execute(ctx context.Context, in *schemas.StepInput) (*schemas.HandlerResult, error) {
	var rec recorder
	vehicleID := ctxString(in.TaskContext, "vehicle_id")
	if vehicleID == "" {
		return nil, fmt.Errorf("diagnosis requires a vehicle_id in the task context")
	}

	history := h.repo.MaintenanceHistory(vehicleID)
	rec.record(ToolMaintenanceHistory, "vehicle:"+vehicleID+":maintenance",
		fmt.Sprintf("%d records", history.TotalRecords))

	anomalies := anomaliesFrom(in.TaskContext)
	var issue, component string
	if top, ok := topAnomaly(anomalies); ok {
		issue, component = top.Issue, top.Component
	} else if len(history.RecurringIssues) > 0 {
		issue = history.RecurringIssues[0]
		component = componentForIssue(issue)
	} else {
		issue, component = "routine_inspection", ""
	}

	similar := h.repo.SimilarIssues(issue)
	rec.record(ToolSimilarIssues, "fleet:*:maintenance",
		fmt.Sprintf("%d similar cases for %s", len(similar), issue))

	capa := h.repo.CAPARecords(component)
	rec.record(ToolCAPARecords, "manufacturing:capa",
		fmt.Sprintf("%d entries for component %q", len(capa), component))

	serviceType, specialization, parts := serviceProfile(component)

	diagnosis, err := h.decide(ctx, decision.Request{
		Intent: in.Intent,
		Role:   "Diagnostic Specialist",
		Prompt: "Assess the likely root cause and urgency of the issue.",
		Facts: map[string]any{
			"vehicle_id":       vehicleID,
			"issue":            issue,
			"component":        component,
			"similar_cases":    len(similar),
			"capa_entries":     len(capa),
			"recurring_issues": history.RecurringIssues,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("diagnosis failed: %w", err)
	}

	h.logger.Info("Diagnosis produced",
		zap.String("vehicle_id", vehicleID),
		zap.String("issue", issue),
		zap.String("service_type", serviceType))

	return &schemas.HandlerResult{
		Output: map[string]any{
			"diagnosis":      diagnosis,
			"primary_issue":  issue,
			"service_type":   serviceType,
			"specialization": specialization,
			"required_parts": parts,
		},
		Actions: rec.actions,
	}, nil
}

func componentForIssue(issue string) string {
	switch {
	case strings.Contains(issue, "brake"):
		return "brakes"
	case strings.Contains(issue, "battery"):
		return "battery"
	case strings.Contains(issue, "coolant"), strings.Contains(issue, "cooling"):
		return "cooling_system"
	case strings.Contains(issue, "engine"), strings.Contains(issue, "oil"):
		return "engine"
	default:
		return ""
	}
}

// ManufacturingInsights correlates field failures with manufacturing CAPA
// records so systemic defects feed back into production.
type ManufacturingInsights struct {
	base
}

func NewManufacturingInsights(deps Deps) *ManufacturingInsights {
	return &ManufacturingInsights{base: newBase(deps, "insights_agent", schemas.IntentManufacturingInsights)}
}

func (h *ManufacturingInsights) Execute(ctx context.Context, in *schemas.StepInput) (*schemas.HandlerResult, error) {
	var rec recorder

	issue := ctxString(in.TaskContext, "primary_issue")
	component := componentForIssue(issue)

	capa := h.repo.CAPARecords(component)
	rec.record(ToolCAPARecords, "manufacturing:capa",
		fmt.Sprintf("%d entries for component %q", len(capa), component))

	var fieldCases int
	if issue != "" {
		similar := h.repo.SimilarIssues(issue)
		fieldCases = len(similar)
		rec.record(ToolSimilarIssues, "fleet:*:maintenance",
			fmt.Sprintf("%d field cases for %s", fieldCases, issue))
	}

	openActions := 0
	for _, c := range capa {
		if c.Status == "open" {
			openActions++
		}
	}

	insights, err := h.decide(ctx, decision.Request{
		Intent: in.Intent,
		Role:   "Manufacturing Analyst",
		Prompt: "Relate field failures to known CAPA entries and recommend follow-up.",
		Facts: map[string]any{
			"issue":        issue,
			"component":    component,
			"capa_entries": len(capa),
			"open_actions": openActions,
			"field_cases":  fieldCases,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("insight generation failed: %w", err)
	}

	return &schemas.HandlerResult{
		Output: map[string]any{
			"insights":     insights,
			"capa_matches": len(capa),
			"open_actions": openActions,
		},
		Actions: rec.actions,
	}, nil
}

// ModelRetraining snapshots fleet data as a training set for the predictive
// models and reports the job reference.
type ModelRetraining struct {
	base
}

func NewModelRetraining(deps Deps) *ModelRetraining {
	return &ModelRetraining{base: newBase(deps, "retraining_agent", schemas.IntentModelRetraining)}
}

func (h *ModelRetraining) Execute(ctx context.Context, in *schemas.StepInput) (*schemas.HandlerResult, error) {
	var rec recorder

	fleetStatus := h.repo.FleetStatus()
	rec.record(ToolFleetStatus, "fleet:*:telemetry",
		fmt.Sprintf("%d telemetry snapshots", len(fleetStatus)))

	samples := len(fleetStatus)
	for _, t := range fleetStatus {
		history := h.repo.MaintenanceHistory(t.VehicleID)
		samples += history.TotalRecords
		rec.record(ToolMaintenanceHistory, "vehicle:"+t.VehicleID+":maintenance",
			fmt.Sprintf("%d records", history.TotalRecords))
	}

	plan, err := h.decide(ctx, decision.Request{
		Intent: in.Intent,
		Role:   "ML Engineer",
		Prompt: "Decide whether the new failure data justifies a retraining run.",
		Facts: map[string]any{
			"dataset_samples": samples,
			"fleet_size":      len(fleetStatus),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("retraining assessment failed: %w", err)
	}

	return &schemas.HandlerResult{
		Output: map[string]any{
			"retraining_plan": plan,
			"dataset_samples": samples,
		},
		Actions: rec.actions,
	}, nil
}
