// internal/fleet/types.go
package fleet

import "time"

// Owner is the registered keeper of a vehicle.
type Owner struct {
	OwnerID          string `json:"owner_id"`
	Name             string `json:"name"`
	Phone            string `json:"phone"`
	Email            string `json:"email"`
	City             string `json:"city"`
	PreferredContact string `json:"preferred_contact"`
}

// Vehicle is one fleet entry with its owner details.
type Vehicle struct {
	VehicleID    string `json:"vehicle_id"`
	Make         string `json:"make"`
	Model        string `json:"model"`
	Year         int    `json:"year"`
	VIN          string `json:"vin"`
	Registration string `json:"registration"`
	MileageKM    int    `json:"mileage_km"`
	Owner        Owner  `json:"owner"`
}

// EngineTelemetry groups the engine-related sensor readings.
type EngineTelemetry struct {
	TemperatureCelsius  float64 `json:"temperature_celsius"`
	OilPressurePSI      float64 `json:"oil_pressure_psi"`
	OilLevelPercent     float64 `json:"oil_level_percent"`
	CoolantLevelPercent float64 `json:"coolant_level_percent"`
	RPM                 int     `json:"rpm"`
}

// BatteryTelemetry groups battery sensor readings.
type BatteryTelemetry struct {
	Voltage       float64 `json:"voltage"`
	HealthPercent float64 `json:"health_percent"`
}

// BrakeTelemetry groups brake sensor readings.
type BrakeTelemetry struct {
	FrontPadWearPercent float64 `json:"front_pad_wear_percent"`
	RearPadWearPercent  float64 `json:"rear_pad_wear_percent"`
	FluidLevelPercent   float64 `json:"fluid_level_percent"`
}

// TyreTelemetry groups tyre sensor readings.
type TyreTelemetry struct {
	PressurePSI   float64 `json:"pressure_psi"`
	TreadDepthMM  float64 `json:"tread_depth_mm"`
}

// Telemetry is one live snapshot for a vehicle.
type Telemetry struct {
	VehicleID string           `json:"vehicle_id"`
	Engine    EngineTelemetry  `json:"engine"`
	Battery   BatteryTelemetry `json:"battery"`
	Brakes    BrakeTelemetry   `json:"brakes"`
	Tyres     TyreTelemetry    `json:"tyres"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Anomaly is one reading outside its normal operating range.
type Anomaly struct {
	Component      string  `json:"component"`
	Issue          string  `json:"issue"`
	Severity       string  `json:"severity"` // "warning" or "critical"
	CurrentValue   float64 `json:"current_value"`
	Threshold      float64 `json:"threshold"`
	Recommendation string  `json:"recommendation"`
}

// SensorHistory is a short reading window with a computed trend.
type SensorHistory struct {
	VehicleID     string    `json:"vehicle_id"`
	SensorType    string    `json:"sensor_type"`
	Readings      []float64 `json:"readings"`
	Trend         string    `json:"trend"` // increasing, decreasing, stable
	ChangePercent float64   `json:"change_percent"`
	PeriodDays    int       `json:"period_days"`
}

// MaintenanceRecord is one completed service visit.
type MaintenanceRecord struct {
	RecordID    string   `json:"record_id"`
	VehicleID   string   `json:"vehicle_id"`
	Date        string   `json:"date"`
	ServiceType string   `json:"service_type"`
	CostINR     int      `json:"cost_inr"`
	IssuesFound []string `json:"issues_found"`
	Components  []string `json:"components"`
}

// MaintenanceSummary aggregates a vehicle's history.
type MaintenanceSummary struct {
	VehicleID       string              `json:"vehicle_id"`
	TotalRecords    int                 `json:"total_records"`
	TotalSpentINR   int                 `json:"total_spent_inr"`
	RecurringIssues []string            `json:"recurring_issues"`
	Records         []MaintenanceRecord `json:"records"`
}

// CAPARecord is a corrective-and-preventive-action entry from manufacturing.
type CAPARecord struct {
	CAPAID         string   `json:"capa_id"`
	Component      string   `json:"component"`
	Issue          string   `json:"issue"`
	RootCause      string   `json:"root_cause"`
	AffectedModels []string `json:"affected_models"`
	Action         string   `json:"action"`
	Status         string   `json:"status"`
}

// ServiceCenter is one bookable location.
type ServiceCenter struct {
	CenterID string `json:"center_id"`
	Name     string `json:"name"`
	City     string `json:"city"`
	Address  string `json:"address"`
	Capacity int    `json:"capacity"`
}

// Slot is a bookable appointment window at a center.
type Slot struct {
	SlotID   string `json:"slot_id"`
	CenterID string `json:"center_id"`
	Date     string `json:"date"`
	Time     string `json:"time"`
	Priority string `json:"priority"` // "emergency" slots are held back for critical work
	Booked   bool   `json:"booked"`
}

// Booking is a confirmed appointment.
type Booking struct {
	BookingID    string    `json:"booking_id"`
	VehicleID    string    `json:"vehicle_id"`
	CenterID     string    `json:"center_id"`
	SlotID       string    `json:"slot_id"`
	ServiceType  string    `json:"service_type"`
	TechnicianID string    `json:"technician_id,omitempty"`
	PartsHold    string    `json:"parts_hold,omitempty"`
	Status       string    `json:"status"` // confirmed, cancelled
	CreatedAt    time.Time `json:"created_at"`
}

// Technician is an assignable service engineer.
type Technician struct {
	TechnicianID    string   `json:"technician_id"`
	Name            string   `json:"name"`
	CenterID        string   `json:"center_id"`
	Specializations []string `json:"specializations"`
	Rating          float64  `json:"rating"`
	Available       bool     `json:"available"`
}

// PartStock tracks inventory of one part at one center.
type PartStock struct {
	PartID   string `json:"part_id"`
	Name     string `json:"name"`
	CenterID string `json:"center_id"`
	Quantity int    `json:"quantity"`
}

// ConversationEntry is one logged customer interaction.
type ConversationEntry struct {
	VehicleID string    `json:"vehicle_id"`
	Channel   string    `json:"channel"`
	Summary   string    `json:"summary"`
	Outcome   string    `json:"outcome"`
	LoggedAt  time.Time `json:"logged_at"`
}
