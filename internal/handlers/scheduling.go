// internal/handlers/scheduling.go
package handlers

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/openfleetlabs/fleetmind/api/schemas"
)

// Scheduling books the earliest suitable slot at the service center nearest
// the owner.
type Scheduling struct {
	base
}

func NewScheduling(deps Deps) *Scheduling {
	return &Scheduling{base: newBase(deps, "scheduling_agent", schemas.IntentScheduling)}
}

func (h *Scheduling) Execute(ctx context.Context, in *schemas.StepInput) (*schemas.HandlerResult, error) {
	var rec recorder
	vehicleID := ctxString(in.TaskContext, "vehicle_id")
	if vehicleID == "" {
		return nil, fmt.Errorf("scheduling requires a vehicle_id in the task context")
	}

	city := ctxString(in.TaskContext, "owner_city")
	center, err := h.repo.NearestServiceCenter(city)
	if err != nil {
		return nil, err
	}
	rec.record(ToolNearestCenter, "center:"+center.CenterID, "nearest to "+city)

	slots := h.repo.AvailableSlots(center.CenterID, in.Emergency)
	rec.record(ToolAvailableSlots, "center:"+center.CenterID+":slots",
		fmt.Sprintf("%d open slots", len(slots)))
	if len(slots) == 0 {
		return nil, fmt.Errorf("no open slots at center %s", center.CenterID)
	}

	serviceType := ctxString(in.TaskContext, "service_type")
	if serviceType == "" {
		serviceType = "general_service"
	}
	booking, err := h.repo.BookAppointment(vehicleID, center.CenterID, slots[0].SlotID, serviceType)
	if err != nil {
		return nil, fmt.Errorf("booking failed: %w", err)
	}
	rec.record(ToolBookAppointment, "center:"+center.CenterID+":slots",
		fmt.Sprintf("booked %s on %s %s", booking.BookingID, slots[0].Date, slots[0].Time))

	h.logger.Info("Appointment booked",
		zap.String("vehicle_id", vehicleID),
		zap.String("booking_id", booking.BookingID),
		zap.String("center_id", center.CenterID))

	return &schemas.HandlerResult{
		Output: map[string]any{
			"booking_id":       booking.BookingID,
			"center_id":        center.CenterID,
			"slot_id":          booking.SlotID,
			"appointment_date": slots[0].Date,
			"appointment_time": slots[0].Time,
		},
		Actions: rec.actions,
	}, nil
}

// Logistics checks and reserves the parts the diagnosis called for, at the
// center the booking landed on.
type Logistics struct {
	base
}

func NewLogistics(deps Deps) *Logistics {
	return &Logistics{base: newBase(deps, "logistics_agent", schemas.IntentLogistics)}
}

func (h *Logistics) Execute(ctx context.Context, in *schemas.StepInput) (*schemas.HandlerResult, error) {
	var rec recorder
	centerID := ctxString(in.TaskContext, "center_id")
	bookingID := ctxString(in.TaskContext, "booking_id")
	if centerID == "" || bookingID == "" {
		return nil, fmt.Errorf("logistics requires center_id and booking_id in the task context")
	}

	parts := partsFrom(in.TaskContext)
	if len(parts) == 0 {
		// Nothing to stage; the visit proceeds on labor only.
		return &schemas.HandlerResult{
			Output:  map[string]any{"parts_reserved": false},
			Actions: rec.actions,
		}, nil
	}

	availability := h.repo.CheckParts(parts, centerID)
	rec.record(ToolCheckParts, "center:"+centerID+":inventory",
		fmt.Sprintf("checked %d parts", len(parts)))

	var inStock []string
	for _, part := range parts {
		if availability[part] {
			inStock = append(inStock, part)
		}
	}
	if len(inStock) == 0 {
		return nil, fmt.Errorf("none of the required parts are stocked at center %s", centerID)
	}

	reservationID, err := h.repo.ReserveParts(inStock, centerID, bookingID)
	if err != nil {
		return nil, fmt.Errorf("reservation failed: %w", err)
	}
	rec.record(ToolReserveParts, "center:"+centerID+":inventory",
		fmt.Sprintf("reserved %d parts under %s", len(inStock), reservationID))

	h.logger.Info("Parts reserved",
		zap.String("booking_id", bookingID),
		zap.String("reservation_id", reservationID),
		zap.Int("parts", len(inStock)))

	return &schemas.HandlerResult{
		Output: map[string]any{
			"parts_reserved": true,
			"reservation_id": reservationID,
			"reserved_parts": inStock,
		},
		Actions: rec.actions,
	}, nil
}

func partsFrom(m map[string]any) []string {
	if m == nil {
		return nil
	}
	if parts, ok := m["required_parts"].([]string); ok {
		return parts
	}
	return nil
}

// TechnicianMatch assigns the best-rated available technician with the
// right specialization to the booking.
type TechnicianMatch struct {
	base
}

func NewTechnicianMatch(deps Deps) *TechnicianMatch {
	return &TechnicianMatch{base: newBase(deps, "technician_agent", schemas.IntentTechnicianMatch)}
}

func (h *TechnicianMatch) Execute(ctx context.Context, in *schemas.StepInput) (*schemas.HandlerResult, error) {
	var rec recorder
	centerID := ctxString(in.TaskContext, "center_id")
	bookingID := ctxString(in.TaskContext, "booking_id")
	if centerID == "" || bookingID == "" {
		return nil, fmt.Errorf("technician match requires center_id and booking_id in the task context")
	}

	specialization := ctxString(in.TaskContext, "specialization")
	techs := h.repo.Technicians(centerID, specialization)
	rec.record(ToolGetTechnicians, "center:"+centerID+":technicians",
		fmt.Sprintf("%d candidates for %q", len(techs), specialization))

	if len(techs) == 0 && specialization != "" {
		// Fall back to any available technician rather than stranding the
		// booking.
		techs = h.repo.Technicians(centerID, "")
		rec.record(ToolGetTechnicians, "center:"+centerID+":technicians",
			fmt.Sprintf("%d candidates without filter", len(techs)))
	}
	if len(techs) == 0 {
		return nil, fmt.Errorf("no available technicians at center %s", centerID)
	}

	chosen := techs[0]
	if err := h.repo.AssignTechnician(bookingID, chosen.TechnicianID); err != nil {
		return nil, fmt.Errorf("assignment failed: %w", err)
	}
	rec.record(ToolAssignTechnician, "center:"+centerID+":technicians",
		fmt.Sprintf("assigned %s to %s", chosen.TechnicianID, bookingID))

	h.logger.Info("Technician assigned",
		zap.String("booking_id", bookingID),
		zap.String("technician_id", chosen.TechnicianID),
		zap.Float64("rating", chosen.Rating))

	return &schemas.HandlerResult{
		Output: map[string]any{
			"technician_id":   chosen.TechnicianID,
			"technician_name": chosen.Name,
		},
		Actions: rec.actions,
	}, nil
}
