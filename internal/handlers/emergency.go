// internal/handlers/emergency.go
package handlers

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/openfleetlabs/fleetmind/api/schemas"
	"github.com/openfleetlabs/fleetmind/internal/decision"
	"github.com/openfleetlabs/fleetmind/internal/notify"
)

// EmergencyResponse handles critical safety issues end to end: immediate
// driver guidance over voice, then an emergency slot at the nearest center.
// It skips outreach and consent entirely; a vehicle that should not be
// driven cannot wait a day for an answer.
type EmergencyResponse struct {
	base
}

func NewEmergencyResponse(deps Deps) *EmergencyResponse {
	return &EmergencyResponse{base: newBase(deps, "emergency_agent", schemas.IntentEmergencyResponse)}
}

func (h *EmergencyResponse) Execute(ctx context.Context, in *schemas.StepInput) (*schemas.HandlerResult, error) {
	var rec recorder
	vehicleID := ctxString(in.TaskContext, "vehicle_id")
	if vehicleID == "" {
		return nil, fmt.Errorf("emergency response requires a vehicle_id in the task context")
	}

	vehicle, err := h.repo.Vehicle(vehicleID)
	if err != nil {
		return nil, err
	}
	rec.record(ToolVehicleInfo, "owner:"+vehicleID+":contact", "owner lookup")

	telemetry, err := h.repo.Telemetry(vehicleID)
	if err != nil {
		return nil, err
	}
	rec.record(ToolGetTelemetry, "vehicle:"+vehicleID+":telemetry", "emergency snapshot")

	anomalies, err := h.repo.DetectAnomalies(vehicleID)
	if err != nil {
		return nil, err
	}
	rec.record(ToolDetectAnomalies, "vehicle:"+vehicleID+":telemetry",
		fmt.Sprintf("%d anomalies", len(anomalies)))

	top, ok := topAnomaly(anomalies)
	if !ok {
		return nil, fmt.Errorf("no anomaly found for emergency task on vehicle %s", vehicleID)
	}
	serviceType, specialization, parts := serviceProfile(top.Component)

	guidance, err := h.decide(ctx, decision.Request{
		Intent: in.Intent,
		Role:   "Emergency Coordinator",
		Prompt: "Give the driver immediate safety guidance for this critical condition.",
		Facts: map[string]any{
			"vehicle_id":  vehicleID,
			"issue":       top.Issue,
			"severity":    top.Severity,
			"engine_temp": telemetry.Engine.TemperatureCelsius,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("guidance generation failed: %w", err)
	}

	// Voice first for emergencies regardless of preference.
	if err := h.notify.Send(ctx, vehicle.Owner.Phone, guidance, notify.ChannelVoice); err != nil {
		return nil, fmt.Errorf("emergency call failed: %w", err)
	}
	rec.record(ToolSendNotification, "owner:"+vehicleID+":contact", "emergency voice call")

	center, err := h.repo.NearestServiceCenter(vehicle.Owner.City)
	if err != nil {
		return nil, err
	}
	rec.record(ToolNearestCenter, "center:"+center.CenterID, "nearest to "+vehicle.Owner.City)

	slots := h.repo.AvailableSlots(center.CenterID, true)
	rec.record(ToolAvailableSlots, "center:"+center.CenterID+":slots",
		fmt.Sprintf("%d slots including emergency holds", len(slots)))
	if len(slots) == 0 {
		return nil, fmt.Errorf("no emergency capacity at center %s", center.CenterID)
	}

	booking, err := h.repo.BookAppointment(vehicleID, center.CenterID, slots[0].SlotID, serviceType)
	if err != nil {
		return nil, fmt.Errorf("emergency booking failed: %w", err)
	}
	rec.record(ToolBookAppointment, "center:"+center.CenterID+":slots",
		fmt.Sprintf("emergency booking %s", booking.BookingID))

	h.logger.Warn("Emergency handled",
		zap.String("vehicle_id", vehicleID),
		zap.String("issue", top.Issue),
		zap.String("booking_id", booking.BookingID))

	return &schemas.HandlerResult{
		Output: map[string]any{
			"guidance":       guidance,
			"primary_issue":  top.Issue,
			"service_type":   serviceType,
			"specialization": specialization,
			"required_parts": parts,
			"booking_id":     booking.BookingID,
			"center_id":      center.CenterID,
			"owner_city":     vehicle.Owner.City,
		},
		Actions: rec.actions,
	}, nil
}
