// internal/handlers/analysis.go
package handlers

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/openfleetlabs/fleetmind/api/schemas"
	"github.com/openfleetlabs/fleetmind/internal/decision"
)

// DataAnalysis inspects telemetry and flags readings outside normal ranges.
// With a vehicle_id in the task context it analyzes that vehicle; without
// one it sweeps the whole fleet.
type DataAnalysis struct {
	base
}

func NewDataAnalysis(deps Deps) *DataAnalysis {
	return &DataAnalysis{base: newBase(deps, "data_analysis_agent", schemas.IntentDataAnalysis)}
}

func (h *DataAnalysis) Execute(ctx context.Context, in *schemas.StepInput) (*schemas.HandlerResult, error) {
	var rec recorder
	vehicleID := ctxString(in.TaskContext, "vehicle_id")
	if vehicleID == "" {
		return h.fleetSweep(ctx, in, &rec)
	}

	telemetry, err := h.repo.Telemetry(vehicleID)
	if err != nil {
		return nil, err
	}
	rec.record(ToolGetTelemetry, "vehicle:"+vehicleID+":telemetry", "current snapshot")

	anomalies, err := h.repo.DetectAnomalies(vehicleID)
	if err != nil {
		return nil, err
	}
	rec.record(ToolDetectAnomalies, "vehicle:"+vehicleID+":telemetry",
		fmt.Sprintf("%d anomalies", len(anomalies)))

	maxSeverity := "none"
	for _, a := range anomalies {
		if a.Severity == "critical" {
			maxSeverity = "critical"
			break
		}
		maxSeverity = "warning"
	}

	// Pull a trend window for the worst component to ground the summary.
	if top, ok := topAnomaly(anomalies); ok {
		sensor := sensorForComponent(top.Component)
		if sensor != "" {
			if hist, err := h.repo.SensorHistory(vehicleID, sensor, 7); err == nil {
				rec.record(ToolGetSensorHistory, "vehicle:"+vehicleID+":sensors",
					fmt.Sprintf("%s trend %s", sensor, hist.Trend))
			}
		}
	}

	summary, err := h.decide(ctx, decision.Request{
		Intent: in.Intent,
		Role:   "Data Analyst",
		Prompt: "Summarize the vehicle's health from its telemetry and anomalies.",
		Facts: map[string]any{
			"vehicle_id":   vehicleID,
			"engine_temp":  telemetry.Engine.TemperatureCelsius,
			"oil_pressure": telemetry.Engine.OilPressurePSI,
			"anomalies":    len(anomalies),
			"max_severity": maxSeverity,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("analysis summary failed: %w", err)
	}

	h.logger.Info("Vehicle analyzed",
		zap.String("vehicle_id", vehicleID),
		zap.Int("anomalies", len(anomalies)),
		zap.String("max_severity", maxSeverity))

	return &schemas.HandlerResult{
		Output: map[string]any{
			"anomalies":        anomalies,
			"max_severity":     maxSeverity,
			"analysis_summary": summary,
		},
		Actions: rec.actions,
	}, nil
}

func (h *DataAnalysis) fleetSweep(ctx context.Context, in *schemas.StepInput, rec *recorder) (*schemas.HandlerResult, error) {
	fleetStatus := h.repo.FleetStatus()
	rec.record(ToolFleetStatus, "fleet:*:telemetry",
		fmt.Sprintf("%d vehicles", len(fleetStatus)))

	attention := make([]string, 0)
	for _, t := range fleetStatus {
		anomalies, err := h.repo.DetectAnomalies(t.VehicleID)
		if err != nil {
			continue
		}
		rec.record(ToolDetectAnomalies, "vehicle:"+t.VehicleID+":telemetry",
			fmt.Sprintf("%d anomalies", len(anomalies)))
		if len(anomalies) > 0 {
			attention = append(attention, t.VehicleID)
		}
	}

	summary, err := h.decide(ctx, decision.Request{
		Intent: in.Intent,
		Role:   "Data Analyst",
		Prompt: "Summarize fleet health and which vehicles need attention.",
		Facts: map[string]any{
			"fleet_size":      len(fleetStatus),
			"needs_attention": len(attention),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("fleet summary failed: %w", err)
	}

	return &schemas.HandlerResult{
		Output: map[string]any{
			"fleet_size":       len(fleetStatus),
			"needs_attention":  attention,
			"analysis_summary": summary,
		},
		Actions: rec.actions,
	}, nil
}

func sensorForComponent(component string) string {
	switch component {
	case "engine":
		return "engine_temperature"
	case "battery":
		return "battery_voltage"
	case "brakes":
		return "brake_pad_wear"
	case "cooling_system":
		return "engine_temperature"
	default:
		return ""
	}
}

// Forecasting projects upcoming maintenance demand from fleet-wide sensor
// trends.
type Forecasting struct {
	base
}

func NewForecasting(deps Deps) *Forecasting {
	return &Forecasting{base: newBase(deps, "forecasting_agent", schemas.IntentForecasting)}
}

func (h *Forecasting) Execute(ctx context.Context, in *schemas.StepInput) (*schemas.HandlerResult, error) {
	var rec recorder

	fleetStatus := h.repo.FleetStatus()
	rec.record(ToolFleetStatus, "fleet:*:telemetry",
		fmt.Sprintf("%d vehicles", len(fleetStatus)))

	degrading := make([]string, 0)
	for _, t := range fleetStatus {
		for _, sensor := range []string{"engine_temperature", "battery_voltage", "brake_pad_wear", "oil_pressure"} {
			hist, err := h.repo.SensorHistory(t.VehicleID, sensor, 7)
			if err != nil {
				continue
			}
			rec.record(ToolGetSensorHistory, "vehicle:"+t.VehicleID+":sensors",
				fmt.Sprintf("%s trend %s", sensor, hist.Trend))
			if worsening(sensor, hist.Trend) {
				degrading = append(degrading, fmt.Sprintf("%s:%s", t.VehicleID, sensor))
				break
			}
		}
	}

	forecast, err := h.decide(ctx, decision.Request{
		Intent: in.Intent,
		Role:   "Demand Forecaster",
		Prompt: "Project service demand for the next 30 days from trend data.",
		Facts: map[string]any{
			"fleet_size": len(fleetStatus),
			"degrading":  len(degrading),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("forecast failed: %w", err)
	}

	return &schemas.HandlerResult{
		Output: map[string]any{
			"degrading_vehicles": degrading,
			"forecast":           forecast,
		},
		Actions: rec.actions,
	}, nil
}

// worsening interprets trend direction per sensor: wear and temperature rise
// with degradation, voltage and pressure fall.
func worsening(sensor, trend string) bool {
	switch sensor {
	case "engine_temperature", "brake_pad_wear":
		return trend == "increasing"
	case "battery_voltage", "oil_pressure":
		return trend == "decreasing"
	default:
		return false
	}
}
