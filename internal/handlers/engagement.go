// internal/handlers/engagement.go
package handlers

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/openfleetlabs/fleetmind/api/schemas"
	"github.com/openfleetlabs/fleetmind/internal/decision"
	"github.com/openfleetlabs/fleetmind/internal/fleet"
)

// CustomerOutreach composes the first contact with the owner: what was
// found, why it matters, and what the recommended service is.
type CustomerOutreach struct {
	base
}

func NewCustomerOutreach(deps Deps) *CustomerOutreach {
	return &CustomerOutreach{base: newBase(deps, "customer_outreach_agent", schemas.IntentCustomerOutreach)}
}

func (h *CustomerOutreach) Execute(ctx context.Context, in *schemas.StepInput) (*schemas.HandlerResult, error) {
	var rec recorder
	vehicleID := ctxString(in.TaskContext, "vehicle_id")
	if vehicleID == "" {
		return nil, fmt.Errorf("customer outreach requires a vehicle_id in the task context")
	}

	vehicle, err := h.repo.Vehicle(vehicleID)
	if err != nil {
		return nil, err
	}
	rec.record(ToolVehicleInfo, "owner:"+vehicleID+":contact", "owner lookup")

	message, err := h.decide(ctx, decision.Request{
		Intent: in.Intent,
		Role:   "Customer Liaison",
		Prompt: "Draft a clear, non-alarming message explaining the finding and recommended service.",
		Facts: map[string]any{
			"owner":        vehicle.Owner.Name,
			"vehicle":      fmt.Sprintf("%s %s", vehicle.Make, vehicle.Model),
			"issue":        ctxString(in.TaskContext, "primary_issue"),
			"service_type": ctxString(in.TaskContext, "service_type"),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("message drafting failed: %w", err)
	}

	channel := vehicle.Owner.PreferredContact
	if channel == "" {
		channel = "app"
	}
	if err := h.notify.Send(ctx, vehicle.Owner.Phone, message, channel); err != nil {
		return nil, fmt.Errorf("outreach delivery failed: %w", err)
	}
	rec.record(ToolSendNotification, "owner:"+vehicleID+":contact",
		"outreach via "+channel)

	h.repo.LogConversation(fleet.ConversationEntry{
		VehicleID: vehicleID,
		Channel:   channel,
		Summary:   "Proactive maintenance outreach sent",
		Outcome:   "awaiting_response",
	})
	rec.record(ToolLogConversation, "vehicle:"+vehicleID+":conversations", "outreach logged")

	h.logger.Info("Owner contacted",
		zap.String("vehicle_id", vehicleID),
		zap.String("channel", channel))

	return &schemas.HandlerResult{
		Output: map[string]any{
			"outreach_message": message,
			"contact_channel":  channel,
			"owner_city":       vehicle.Owner.City,
		},
		Actions: rec.actions,
	}, nil
}

// CustomerEngagement asks the owner to approve the recommended service. Its
// result suspends the task at the consent gate; booking and everything
// downstream waits for the owner's answer.
type CustomerEngagement struct {
	base
}

func NewCustomerEngagement(deps Deps) *CustomerEngagement {
	return &CustomerEngagement{base: newBase(deps, "engagement_agent", schemas.IntentCustomerEngagement)}
}

func (h *CustomerEngagement) Execute(ctx context.Context, in *schemas.StepInput) (*schemas.HandlerResult, error) {
	var rec recorder
	vehicleID := ctxString(in.TaskContext, "vehicle_id")
	if vehicleID == "" {
		return nil, fmt.Errorf("customer engagement requires a vehicle_id in the task context")
	}

	vehicle, err := h.repo.Vehicle(vehicleID)
	if err != nil {
		return nil, err
	}
	rec.record(ToolVehicleInfo, "owner:"+vehicleID+":contact", "owner lookup")

	history := h.repo.ConversationHistory(vehicleID)
	rec.record(ToolConversationHistory, "vehicle:"+vehicleID+":conversations",
		fmt.Sprintf("%d prior interactions", len(history)))

	request, err := h.decide(ctx, decision.Request{
		Intent: in.Intent,
		Role:   "Customer Liaison",
		Prompt: "Ask the owner to approve the recommended service and explain next steps.",
		Facts: map[string]any{
			"owner":              vehicle.Owner.Name,
			"service_type":       ctxString(in.TaskContext, "service_type"),
			"prior_interactions": len(history),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("consent request drafting failed: %w", err)
	}

	channel := vehicle.Owner.PreferredContact
	if channel == "" {
		channel = "app"
	}
	if err := h.notify.Send(ctx, vehicle.Owner.Phone, request, channel); err != nil {
		return nil, fmt.Errorf("consent request delivery failed: %w", err)
	}
	rec.record(ToolSendNotification, "owner:"+vehicleID+":contact",
		"consent request via "+channel)

	h.repo.LogConversation(fleet.ConversationEntry{
		VehicleID: vehicleID,
		Channel:   channel,
		Summary:   "Service consent requested",
		Outcome:   "awaiting_consent",
	})
	rec.record(ToolLogConversation, "vehicle:"+vehicleID+":conversations", "consent request logged")

	return &schemas.HandlerResult{
		Output: map[string]any{
			"consent_request": request,
		},
		RequiresConsent: true,
		Actions:         rec.actions,
	}, nil
}

// Feedback closes the loop after service work is arranged: a confirmation
// summary to the owner and a follow-up request for a satisfaction rating.
type Feedback struct {
	base
}

func NewFeedback(deps Deps) *Feedback {
	return &Feedback{base: newBase(deps, "feedback_agent", schemas.IntentFeedback)}
}

func (h *Feedback) Execute(ctx context.Context, in *schemas.StepInput) (*schemas.HandlerResult, error) {
	var rec recorder
	vehicleID := ctxString(in.TaskContext, "vehicle_id")
	bookingID := ctxString(in.TaskContext, "booking_id")

	var booking fleet.Booking
	if bookingID != "" {
		var err error
		booking, err = h.repo.Booking(bookingID)
		if err != nil {
			return nil, err
		}
		rec.record(ToolGetBooking, "booking:"+bookingID, "confirmation details")
	}

	summary, err := h.decide(ctx, decision.Request{
		Intent: in.Intent,
		Role:   "Service Coordinator",
		Prompt: "Confirm the arranged service and ask for feedback after completion.",
		Facts: map[string]any{
			"vehicle_id":   vehicleID,
			"booking_id":   bookingID,
			"service_type": booking.ServiceType,
			"technician":   booking.TechnicianID,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("feedback summary failed: %w", err)
	}

	channel := ctxString(in.TaskContext, "contact_channel")
	if channel == "" {
		channel = "app"
	}
	if err := h.notify.Send(ctx, "owner:"+vehicleID, summary, channel); err != nil {
		return nil, fmt.Errorf("feedback delivery failed: %w", err)
	}
	rec.record(ToolSendNotification, "owner:"+vehicleID+":contact", "service confirmation")

	if vehicleID != "" {
		h.repo.LogConversation(fleet.ConversationEntry{
			VehicleID: vehicleID,
			Channel:   channel,
			Summary:   "Service confirmation and feedback request sent",
			Outcome:   "feedback_requested",
		})
		rec.record(ToolLogConversation, "vehicle:"+vehicleID+":conversations", "feedback request logged")
	}

	return &schemas.HandlerResult{
		Output: map[string]any{
			"feedback_requested": true,
			"confirmation":       summary,
		},
		Actions: rec.actions,
	}, nil
}
