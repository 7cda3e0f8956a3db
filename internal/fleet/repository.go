// internal/fleet/repository.go
// Reference implementation of the persistence collaborator. Data lives in
// embedded JSON fixtures; reads are lock-free after load, booking and
// reservation mutations are serialized. Eventually consistent reads are
// acceptable to the core, so no stronger guarantees are offered here.
package fleet

import (
	"embed"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

//go:embed data/*.json
var dataFS embed.FS

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Normal operating ranges used by anomaly detection.
var thresholds = struct {
	engineTempHigh, engineTempCritical     float64
	oilPressureCriticalLow                 float64
	coolantLow, coolantCriticalLow         float64
	batteryHealthLow, batteryHealthCritLow float64
	brakeWearHigh, brakeWearCritical       float64
	treadDepthLow                          float64
}{
	engineTempHigh: 100, engineTempCritical: 110,
	oilPressureCriticalLow: 20,
	coolantLow:             50, coolantCriticalLow: 30,
	batteryHealthLow: 60, batteryHealthCritLow: 40,
	brakeWearHigh: 75, brakeWearCritical: 85,
	treadDepthLow: 3.0,
}

type centersFile struct {
	Centers     []ServiceCenter `json:"centers"`
	Slots       []Slot          `json:"slots"`
	Technicians []Technician    `json:"technicians"`
	Parts       []PartStock     `json:"parts"`
}

// Repository serves vehicle, telemetry, maintenance, CAPA, and scheduling
// data. It satisfies the persistence-collaborator role for every handler.
type Repository struct {
	logger *zap.Logger

	vehicles    map[string]Vehicle
	telemetry   map[string]Telemetry
	maintenance []MaintenanceRecord
	capa        []CAPARecord
	centers     []ServiceCenter

	mu            sync.Mutex // guards the mutable booking state below
	slots         map[string]*Slot
	technicians   map[string]*Technician
	parts         []PartStock
	bookings      map[string]*Booking
	reservations  map[string][]string // reservation ID -> part IDs
	conversations []ConversationEntry
	bookingSeq    int
	reserveSeq    int
}

// NewRepository loads the embedded dataset.
func NewRepository(logger *zap.Logger) (*Repository, error) {
	r := &Repository{
		logger:       logger.Named("fleet"),
		vehicles:     make(map[string]Vehicle),
		slots:        make(map[string]*Slot),
		technicians:  make(map[string]*Technician),
		bookings:     make(map[string]*Booking),
		reservations: make(map[string][]string),
	}

	var vehicles []Vehicle
	if err := loadJSON("data/vehicles.json", &vehicles); err != nil {
		return nil, err
	}
	for _, v := range vehicles {
		r.vehicles[v.VehicleID] = v
	}

	if err := loadJSON("data/telemetry.json", &r.telemetry); err != nil {
		return nil, err
	}
	if err := loadJSON("data/maintenance.json", &r.maintenance); err != nil {
		return nil, err
	}
	if err := loadJSON("data/capa.json", &r.capa); err != nil {
		return nil, err
	}

	var cf centersFile
	if err := loadJSON("data/centers.json", &cf); err != nil {
		return nil, err
	}
	r.centers = cf.Centers
	for i := range cf.Slots {
		slot := cf.Slots[i]
		r.slots[slot.SlotID] = &slot
	}
	for i := range cf.Technicians {
		tech := cf.Technicians[i]
		r.technicians[tech.TechnicianID] = &tech
	}
	r.parts = cf.Parts

	r.logger.Info("Fleet dataset loaded",
		zap.Int("vehicles", len(r.vehicles)),
		zap.Int("centers", len(r.centers)),
		zap.Int("slots", len(r.slots)))
	return r, nil
}

func loadJSON(name string, out any) error {
	raw, err := dataFS.ReadFile(name)
	if err != nil {
		return fmt.Errorf("failed to read embedded %s: %w", name, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", name, err)
	}
	return nil
}

// Vehicle returns one fleet entry.
func (r *Repository) Vehicle(vehicleID string) (Vehicle, error) {
	v, ok := r.vehicles[vehicleID]
	if !ok {
		return Vehicle{}, fmt.Errorf("vehicle %s not found", vehicleID)
	}
	return v, nil
}

// Telemetry returns the current snapshot for a vehicle.
func (r *Repository) Telemetry(vehicleID string) (Telemetry, error) {
	t, ok := r.telemetry[vehicleID]
	if !ok {
		return Telemetry{}, fmt.Errorf("no telemetry data for vehicle %s", vehicleID)
	}
	return t, nil
}

// FleetStatus returns every vehicle's snapshot, ordered by vehicle ID.
func (r *Repository) FleetStatus() []Telemetry {
	out := make([]Telemetry, 0, len(r.telemetry))
	for _, t := range r.telemetry {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VehicleID < out[j].VehicleID })
	return out
}

// DetectAnomalies checks a vehicle's snapshot against the normal ranges.
func (r *Repository) DetectAnomalies(vehicleID string) ([]Anomaly, error) {
	t, err := r.Telemetry(vehicleID)
	if err != nil {
		return nil, err
	}

	var anomalies []Anomaly
	add := func(component, issue, severity string, value, threshold float64, rec string) {
		anomalies = append(anomalies, Anomaly{
			Component: component, Issue: issue, Severity: severity,
			CurrentValue: value, Threshold: threshold, Recommendation: rec,
		})
	}

	switch {
	case t.Engine.TemperatureCelsius > thresholds.engineTempCritical:
		add("engine", "engine_overheating", "critical",
			t.Engine.TemperatureCelsius, thresholds.engineTempCritical,
			"Immediate inspection required. Do not drive vehicle.")
	case t.Engine.TemperatureCelsius > thresholds.engineTempHigh:
		add("engine", "engine_temperature_high", "warning",
			t.Engine.TemperatureCelsius, thresholds.engineTempHigh,
			"Schedule service within 1 week. Monitor coolant levels.")
	}

	if t.Engine.OilPressurePSI < thresholds.oilPressureCriticalLow {
		add("engine", "oil_pressure_critical", "critical",
			t.Engine.OilPressurePSI, thresholds.oilPressureCriticalLow,
			"Stop driving immediately. Engine damage risk.")
	}

	switch {
	case t.Engine.CoolantLevelPercent < thresholds.coolantCriticalLow:
		add("cooling_system", "coolant_critical_low", "critical",
			t.Engine.CoolantLevelPercent, thresholds.coolantCriticalLow,
			"Top up coolant immediately. Check for leaks.")
	case t.Engine.CoolantLevelPercent < thresholds.coolantLow:
		add("cooling_system", "coolant_low", "warning",
			t.Engine.CoolantLevelPercent, thresholds.coolantLow,
			"Schedule coolant top-up within 1-2 days.")
	}

	switch {
	case t.Battery.HealthPercent < thresholds.batteryHealthCritLow:
		add("battery", "battery_failure_imminent", "critical",
			t.Battery.HealthPercent, thresholds.batteryHealthCritLow,
			"Replace battery immediately. Risk of stranding.")
	case t.Battery.HealthPercent < thresholds.batteryHealthLow:
		add("battery", "battery_degraded", "warning",
			t.Battery.HealthPercent, thresholds.batteryHealthLow,
			"Plan battery replacement within 1 month.")
	}

	switch {
	case t.Brakes.FrontPadWearPercent > thresholds.brakeWearCritical:
		add("brakes", "brake_pad_worn_critical", "critical",
			t.Brakes.FrontPadWearPercent, thresholds.brakeWearCritical,
			"Replace brake pads immediately. Safety risk.")
	case t.Brakes.FrontPadWearPercent > thresholds.brakeWearHigh:
		add("brakes", "brake_pad_wear_high", "warning",
			t.Brakes.FrontPadWearPercent, thresholds.brakeWearHigh,
			"Schedule brake pad replacement within 1-2 weeks.")
	}

	if t.Tyres.TreadDepthMM < thresholds.treadDepthLow {
		add("tyres", "tread_depth_low", "warning",
			t.Tyres.TreadDepthMM, thresholds.treadDepthLow,
			"Plan tyre replacement soon.")
	}

	return anomalies, nil
}

// sensorSeeds back the synthesized reading histories per sensor type.
var sensorSeeds = map[string]map[string][]float64{
	"engine_temperature": {
		"VH001": {88, 90, 91, 92, 91, 90, 91},
		"VH002": {95, 98, 100, 102, 103, 104, 104},
		"VH006": {100, 105, 108, 112, 115, 117, 117},
	},
	"battery_voltage": {
		"VH001": {12.6, 12.6, 12.5, 12.6, 12.6, 12.5, 12.6},
		"VH004": {12.2, 12.1, 12.0, 11.9, 11.9, 11.8, 11.8},
	},
	"brake_pad_wear": {
		"VH001": {65, 66, 67, 68, 69, 69, 70},
		"VH002": {78, 80, 81, 82, 83, 84, 84},
	},
	"oil_pressure": {
		"VH001": {36, 35, 35, 36, 35, 35, 35},
		"VH006": {28, 27, 26, 25, 24, 23, 19},
	},
}

// SensorHistory returns up to days of readings for one sensor with a trend.
func (r *Repository) SensorHistory(vehicleID, sensorType string, days int) (SensorHistory, error) {
	byVehicle, ok := sensorSeeds[sensorType]
	if !ok {
		return SensorHistory{}, fmt.Errorf("unknown sensor type %q", sensorType)
	}
	readings, ok := byVehicle[vehicleID]
	if !ok {
		return SensorHistory{}, fmt.Errorf("no %s history for vehicle %s", sensorType, vehicleID)
	}
	if days <= 0 || days > len(readings) {
		days = len(readings)
	}
	window := readings[len(readings)-days:]

	trend := "stable"
	change := 0.0
	if len(window) >= 2 && window[0] != 0 {
		switch {
		case window[len(window)-1] > window[0]:
			trend = "increasing"
		case window[len(window)-1] < window[0]:
			trend = "decreasing"
		}
		change = (window[len(window)-1] - window[0]) / window[0] * 100
	}

	return SensorHistory{
		VehicleID:     vehicleID,
		SensorType:    sensorType,
		Readings:      window,
		Trend:         trend,
		ChangePercent: change,
		PeriodDays:    days,
	}, nil
}

// MaintenanceHistory aggregates a vehicle's records, most recent first.
func (r *Repository) MaintenanceHistory(vehicleID string) MaintenanceSummary {
	var records []MaintenanceRecord
	total := 0
	seen := make(map[string]int)
	for _, rec := range r.maintenance {
		if rec.VehicleID != vehicleID {
			continue
		}
		records = append(records, rec)
		total += rec.CostINR
		for _, issue := range rec.IssuesFound {
			seen[issue]++
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Date > records[j].Date })

	var recurring []string
	for issue, n := range seen {
		if n > 1 {
			recurring = append(recurring, issue)
		}
	}
	sort.Strings(recurring)

	return MaintenanceSummary{
		VehicleID:       vehicleID,
		TotalRecords:    len(records),
		TotalSpentINR:   total,
		RecurringIssues: recurring,
		Records:         records,
	}
}

// CAPARecords returns manufacturing CAPA entries matching the component, or
// all entries when component is empty.
func (r *Repository) CAPARecords(component string) []CAPARecord {
	if component == "" {
		out := make([]CAPARecord, len(r.capa))
		copy(out, r.capa)
		return out
	}
	var out []CAPARecord
	for _, rec := range r.capa {
		if rec.Component == component {
			out = append(out, rec)
		}
	}
	return out
}

// SimilarIssues finds fleet-wide maintenance records mentioning the issue.
func (r *Repository) SimilarIssues(issue string) []MaintenanceRecord {
	var out []MaintenanceRecord
	for _, rec := range r.maintenance {
		for _, found := range rec.IssuesFound {
			if strings.Contains(found, issue) {
				out = append(out, rec)
				break
			}
		}
	}
	return out
}

// NearestServiceCenter picks the center in the owner's city, falling back to
// the first center when the city has none.
func (r *Repository) NearestServiceCenter(city string) (ServiceCenter, error) {
	if len(r.centers) == 0 {
		return ServiceCenter{}, fmt.Errorf("no service centers configured")
	}
	for _, c := range r.centers {
		if strings.EqualFold(c.City, city) {
			return c, nil
		}
	}
	return r.centers[0], nil
}

// AvailableSlots lists open slots at a center. Emergency priority also
// unlocks the held-back emergency slots.
func (r *Repository) AvailableSlots(centerID string, emergency bool) []Slot {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Slot
	for _, slot := range r.slots {
		if slot.CenterID != centerID || slot.Booked {
			continue
		}
		if slot.Priority == "emergency" && !emergency {
			continue
		}
		out = append(out, *slot)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return out[i].Time < out[j].Time
	})
	return out
}

// BookAppointment books the slot and returns the confirmation.
func (r *Repository) BookAppointment(vehicleID, centerID, slotID, serviceType string) (Booking, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot, ok := r.slots[slotID]
	if !ok || slot.CenterID != centerID {
		return Booking{}, fmt.Errorf("slot %s not found at center %s", slotID, centerID)
	}
	if slot.Booked {
		return Booking{}, fmt.Errorf("slot %s is already booked", slotID)
	}
	slot.Booked = true

	r.bookingSeq++
	booking := &Booking{
		BookingID:   fmt.Sprintf("BK%04d", r.bookingSeq),
		VehicleID:   vehicleID,
		CenterID:    centerID,
		SlotID:      slotID,
		ServiceType: serviceType,
		Status:      "confirmed",
		CreatedAt:   time.Now().UTC(),
	}
	r.bookings[booking.BookingID] = booking
	return *booking, nil
}

// CancelAppointment releases the slot and marks the booking cancelled.
func (r *Repository) CancelAppointment(bookingID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	booking, ok := r.bookings[bookingID]
	if !ok {
		return fmt.Errorf("booking %s not found", bookingID)
	}
	if booking.Status == "cancelled" {
		return nil
	}
	booking.Status = "cancelled"
	if slot, ok := r.slots[booking.SlotID]; ok {
		slot.Booked = false
	}
	return nil
}

// Booking returns a booking by ID.
func (r *Repository) Booking(bookingID string) (Booking, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	booking, ok := r.bookings[bookingID]
	if !ok {
		return Booking{}, fmt.Errorf("booking %s not found", bookingID)
	}
	return *booking, nil
}

// CheckParts reports per-part availability at a center.
func (r *Repository) CheckParts(partIDs []string, centerID string) map[string]bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]bool, len(partIDs))
	for _, id := range partIDs {
		out[id] = false
		for _, stock := range r.parts {
			if stock.PartID == id && stock.CenterID == centerID && stock.Quantity > 0 {
				out[id] = true
				break
			}
		}
	}
	return out
}

// ReserveParts decrements stock and attaches a hold to the booking. The
// whole request is checked before any stock moves, so a rejected
// reservation never consumes inventory.
func (r *Repository) ReserveParts(partIDs []string, centerID, bookingID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	planned := make(map[int]int)
	for _, id := range partIDs {
		found := -1
		for i := range r.parts {
			if r.parts[i].PartID == id && r.parts[i].CenterID == centerID && r.parts[i].Quantity > planned[i] {
				found = i
				break
			}
		}
		if found < 0 {
			return "", fmt.Errorf("part %s unavailable at center %s", id, centerID)
		}
		planned[found]++
	}
	for i, n := range planned {
		r.parts[i].Quantity -= n
	}

	r.reserveSeq++
	reservationID := fmt.Sprintf("RS%04d", r.reserveSeq)
	r.reservations[reservationID] = partIDs
	if booking, ok := r.bookings[bookingID]; ok {
		booking.PartsHold = reservationID
	}
	return reservationID, nil
}

// Technicians lists available technicians at a center, best rated first.
// A non-empty specialization filters to technicians holding it.
func (r *Repository) Technicians(centerID, specialization string) []Technician {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Technician
	for _, tech := range r.technicians {
		if tech.CenterID != centerID || !tech.Available {
			continue
		}
		if specialization != "" {
			match := false
			for _, s := range tech.Specializations {
				if s == specialization {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		out = append(out, *tech)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rating > out[j].Rating })
	return out
}

// AssignTechnician attaches a technician to a booking and marks them busy.
func (r *Repository) AssignTechnician(bookingID, technicianID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	booking, ok := r.bookings[bookingID]
	if !ok {
		return fmt.Errorf("booking %s not found", bookingID)
	}
	tech, ok := r.technicians[technicianID]
	if !ok {
		return fmt.Errorf("technician %s not found", technicianID)
	}
	if !tech.Available {
		return fmt.Errorf("technician %s is not available", technicianID)
	}
	tech.Available = false
	booking.TechnicianID = technicianID
	return nil
}

// LogConversation appends one customer interaction to the log.
func (r *Repository) LogConversation(entry ConversationEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry.LoggedAt = time.Now().UTC()
	r.conversations = append(r.conversations, entry)
}

// ConversationHistory returns logged interactions for a vehicle.
func (r *Repository) ConversationHistory(vehicleID string) []ConversationEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ConversationEntry
	for _, entry := range r.conversations {
		if entry.VehicleID == vehicleID {
			out = append(out, entry)
		}
	}
	return out
}
