// internal/handlers/handlers.go
// Handlers are the specialists behind each intent. Every external call a
// handler makes (a repository read, a booking mutation, a notification) is
// recorded as an ActionRecord in its result, which is what the behavior
// monitor scores. A handler that touches something without recording it is
// invisible to analytics, so the recorder is threaded through every path.
package handlers

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/openfleetlabs/fleetmind/api/schemas"
	"github.com/openfleetlabs/fleetmind/internal/decision"
	"github.com/openfleetlabs/fleetmind/internal/fleet"
	"github.com/openfleetlabs/fleetmind/internal/registry"
)

// Tool names as they appear in action records and capability grants.
const (
	ToolGetTelemetry        = "get_vehicle_telemetry"
	ToolGetSensorHistory    = "get_sensor_history"
	ToolDetectAnomalies     = "detect_anomalies"
	ToolFleetStatus         = "get_all_vehicles_status"
	ToolMaintenanceHistory  = "get_maintenance_history"
	ToolSimilarIssues       = "find_similar_issues"
	ToolCAPARecords         = "get_capa_records"
	ToolVehicleInfo         = "get_vehicle_info"
	ToolSendNotification    = "send_notification"
	ToolLogConversation     = "log_conversation"
	ToolConversationHistory = "get_conversation_history"
	ToolNearestCenter       = "get_nearest_service_center"
	ToolAvailableSlots      = "get_available_slots"
	ToolBookAppointment     = "book_appointment"
	ToolCancelAppointment   = "cancel_appointment"
	ToolCheckParts          = "check_parts_availability"
	ToolReserveParts        = "reserve_parts"
	ToolGetTechnicians      = "get_technicians"
	ToolAssignTechnician    = "assign_technician"
	ToolGetBooking          = "get_booking"
)

// Deps are the shared collaborators injected into every handler.
type Deps struct {
	Logger   *zap.Logger
	Repo     *fleet.Repository
	Decide   decision.Func
	Notifier schemas.Notifier
}

// base carries identity and collaborators for one handler.
type base struct {
	id      string
	intents []schemas.Intent
	logger  *zap.Logger
	repo    *fleet.Repository
	decide  decision.Func
	notify  schemas.Notifier
}

func newBase(deps Deps, id string, intents ...schemas.Intent) base {
	return base{
		id:      id,
		intents: intents,
		logger:  deps.Logger.Named(id),
		repo:    deps.Repo,
		decide:  deps.Decide,
		notify:  deps.Notifier,
	}
}

func (b *base) ID() string                { return b.id }
func (b *base) Intents() []schemas.Intent { return b.intents }

// recorder accumulates the action records for one execution. The
// orchestrator stamps IDs, handler, and task before publishing.
type recorder struct {
	actions []schemas.ActionRecord
}

func (r *recorder) record(tool, scope, detail string) {
	r.actions = append(r.actions, schemas.ActionRecord{
		Tool:      tool,
		DataScope: scope,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	})
}

// ctxString reads a string value out of the task context.
func ctxString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

// anomaliesFrom recovers the anomaly list a prior analysis step merged into
// the task context.
func anomaliesFrom(m map[string]any) []fleet.Anomaly {
	if m == nil {
		return nil
	}
	if a, ok := m["anomalies"].([]fleet.Anomaly); ok {
		return a
	}
	return nil
}

// serviceProfile maps a faulty component onto the service type, technician
// specialization, and parts it calls for.
func serviceProfile(component string) (serviceType, specialization string, parts []string) {
	switch component {
	case "engine":
		return "engine_service", "engine", []string{"PT-THERMO", "PT-WPUMP"}
	case "cooling_system":
		return "cooling_service", "cooling_system", []string{"PT-COOLHOSE", "PT-THERMO"}
	case "battery":
		return "battery_replacement", "battery", []string{"PT-BATT48"}
	case "brakes":
		return "brake_service", "brakes", []string{"PT-BRKPAD"}
	default:
		return "general_service", "", nil
	}
}

// topAnomaly picks the most severe anomaly, critical first.
func topAnomaly(anomalies []fleet.Anomaly) (fleet.Anomaly, bool) {
	if len(anomalies) == 0 {
		return fleet.Anomaly{}, false
	}
	top := anomalies[0]
	for _, a := range anomalies[1:] {
		if a.Severity == "critical" && top.Severity != "critical" {
			top = a
		}
	}
	return top, true
}

// RegisterAll binds the full handler roster with least-privilege tool
// grants and freezes the registry.
func RegisterAll(reg *registry.Registry, deps Deps) error {
	type entry struct {
		handler schemas.Handler
		tools   []string
	}
	entries := []entry{
		{NewDataAnalysis(deps), []string{ToolGetTelemetry, ToolGetSensorHistory, ToolDetectAnomalies, ToolFleetStatus}},
		{NewDiagnosis(deps), []string{ToolMaintenanceHistory, ToolSimilarIssues, ToolCAPARecords}},
		{NewCustomerOutreach(deps), []string{ToolVehicleInfo, ToolSendNotification, ToolLogConversation}},
		{NewCustomerEngagement(deps), []string{ToolVehicleInfo, ToolConversationHistory, ToolSendNotification, ToolLogConversation}},
		{NewScheduling(deps), []string{ToolNearestCenter, ToolAvailableSlots, ToolBookAppointment, ToolCancelAppointment}},
		{NewLogistics(deps), []string{ToolCheckParts, ToolReserveParts}},
		{NewTechnicianMatch(deps), []string{ToolGetTechnicians, ToolAssignTechnician}},
		{NewEmergencyResponse(deps), []string{ToolVehicleInfo, ToolGetTelemetry, ToolDetectAnomalies, ToolNearestCenter, ToolAvailableSlots, ToolBookAppointment, ToolSendNotification}},
		{NewFeedback(deps), []string{ToolGetBooking, ToolSendNotification, ToolLogConversation}},
		{NewForecasting(deps), []string{ToolFleetStatus, ToolGetSensorHistory}},
		{NewManufacturingInsights(deps), []string{ToolCAPARecords, ToolSimilarIssues}},
		{NewModelRetraining(deps), []string{ToolFleetStatus, ToolMaintenanceHistory}},
	}
	for _, e := range entries {
		if err := reg.Register(e.handler, registry.WithGrantedTools(e.tools...)); err != nil {
			return fmt.Errorf("failed to register %s: %w", e.handler.ID(), err)
		}
	}
	reg.Freeze()
	return nil
}
