package fleet

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := NewRepository(zaptest.NewLogger(t))
	require.NoError(t, err)
	return repo
}

func TestVehicleLookup(t *testing.T) {
	repo := newRepo(t)

	v, err := repo.Vehicle("VH002")
	require.NoError(t, err)
	assert.Equal(t, "VH002", v.VehicleID)
	assert.NotEmpty(t, v.Owner.City)
	assert.NotEmpty(t, v.Owner.PreferredContact)

	_, err = repo.Vehicle("VH999")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestFleetStatusOrdered(t *testing.T) {
	repo := newRepo(t)

	status := repo.FleetStatus()
	require.NotEmpty(t, status)
	for i := 1; i < len(status); i++ {
		assert.Less(t, status[i-1].VehicleID, status[i].VehicleID)
	}
}

func TestDetectAnomalies(t *testing.T) {
	repo := newRepo(t)

	issuesOf := func(anomalies []Anomaly) map[string]string {
		out := make(map[string]string, len(anomalies))
		for _, a := range anomalies {
			out[a.Issue] = a.Severity
		}
		return out
	}

	t.Run("healthy vehicle is clean", func(t *testing.T) {
		anomalies, err := repo.DetectAnomalies("VH001")
		require.NoError(t, err)
		assert.Empty(t, anomalies)
	})

	t.Run("degrading vehicle reports warnings", func(t *testing.T) {
		anomalies, err := repo.DetectAnomalies("VH002")
		require.NoError(t, err)
		issues := issuesOf(anomalies)
		assert.Equal(t, "warning", issues["engine_temperature_high"])
		assert.Equal(t, "warning", issues["coolant_low"])
		assert.Equal(t, "warning", issues["brake_pad_wear_high"])
	})

	t.Run("weak battery flags as warning", func(t *testing.T) {
		anomalies, err := repo.DetectAnomalies("VH004")
		require.NoError(t, err)
		issues := issuesOf(anomalies)
		assert.Equal(t, "warning", issues["battery_degraded"])
		assert.NotContains(t, issues, "engine_temperature_high")
	})

	t.Run("failing vehicle reports criticals", func(t *testing.T) {
		anomalies, err := repo.DetectAnomalies("VH006")
		require.NoError(t, err)
		issues := issuesOf(anomalies)
		assert.Equal(t, "critical", issues["engine_overheating"])
		assert.Equal(t, "critical", issues["oil_pressure_critical"])
		assert.Equal(t, "critical", issues["coolant_critical_low"])
		for _, a := range anomalies {
			assert.NotEmpty(t, a.Recommendation)
			assert.NotZero(t, a.Threshold)
		}
	})

	t.Run("unknown vehicle errors", func(t *testing.T) {
		_, err := repo.DetectAnomalies("VH999")
		require.Error(t, err)
	})
}

func TestSensorHistory(t *testing.T) {
	repo := newRepo(t)

	h, err := repo.SensorHistory("VH006", "engine_temperature", 7)
	require.NoError(t, err)
	assert.Equal(t, "increasing", h.Trend)
	assert.Len(t, h.Readings, 7)
	assert.Greater(t, h.ChangePercent, 0.0)

	h, err = repo.SensorHistory("VH006", "oil_pressure", 7)
	require.NoError(t, err)
	assert.Equal(t, "decreasing", h.Trend)
	assert.Less(t, h.ChangePercent, 0.0)

	// A zero or oversized window falls back to the full history.
	h, err = repo.SensorHistory("VH001", "battery_voltage", 0)
	require.NoError(t, err)
	assert.Equal(t, 7, h.PeriodDays)

	h, err = repo.SensorHistory("VH002", "brake_pad_wear", 3)
	require.NoError(t, err)
	assert.Len(t, h.Readings, 3)
	assert.Equal(t, []float64{83, 84, 84}, h.Readings, "the window is the most recent readings")

	_, err = repo.SensorHistory("VH001", "cabin_humidity", 7)
	require.Error(t, err)
	_, err = repo.SensorHistory("VH999", "engine_temperature", 7)
	require.Error(t, err)
}

func TestMaintenanceHistory(t *testing.T) {
	repo := newRepo(t)

	summary := repo.MaintenanceHistory("VH002")
	assert.Equal(t, "VH002", summary.VehicleID)
	assert.Equal(t, len(summary.Records), summary.TotalRecords)
	for i := 1; i < len(summary.Records); i++ {
		assert.GreaterOrEqual(t, summary.Records[i-1].Date, summary.Records[i].Date,
			"records are ordered most recent first")
	}

	empty := repo.MaintenanceHistory("VH999")
	assert.Zero(t, empty.TotalRecords)
	assert.Zero(t, empty.TotalSpentINR)
}

func TestCAPARecords(t *testing.T) {
	repo := newRepo(t)

	all := repo.CAPARecords("")
	require.NotEmpty(t, all)

	engine := repo.CAPARecords("engine")
	for _, rec := range engine {
		assert.Equal(t, "engine", rec.Component)
	}
	assert.LessOrEqual(t, len(engine), len(all))
}

func TestNearestServiceCenter(t *testing.T) {
	repo := newRepo(t)

	c, err := repo.NearestServiceCenter("Pune")
	require.NoError(t, err)
	assert.Equal(t, "SC002", c.CenterID)

	c, err = repo.NearestServiceCenter("mumbai")
	require.NoError(t, err)
	assert.Equal(t, "SC001", c.CenterID, "city match is case insensitive")

	c, err = repo.NearestServiceCenter("Atlantis")
	require.NoError(t, err)
	assert.Equal(t, "SC001", c.CenterID, "unknown cities fall back to the first center")
}

func TestAvailableSlotsEmergencyGating(t *testing.T) {
	repo := newRepo(t)

	normal := repo.AvailableSlots("SC001", false)
	for _, slot := range normal {
		assert.NotEqual(t, "emergency", slot.Priority, "emergency slots stay held back")
	}
	require.Len(t, normal, 2)
	assert.Equal(t, "SL101", normal[0].SlotID, "slots come back earliest first")

	emergency := repo.AvailableSlots("SC001", true)
	assert.Len(t, emergency, 3, "emergency priority unlocks the reserved slot")
}

func TestBookingLifecycle(t *testing.T) {
	repo := newRepo(t)

	booking, err := repo.BookAppointment("VH002", "SC001", "SL101", "cooling_system_service")
	require.NoError(t, err)
	assert.Equal(t, "confirmed", booking.Status)
	assert.NotEmpty(t, booking.BookingID)

	// The slot is gone from availability and cannot be double booked.
	for _, slot := range repo.AvailableSlots("SC001", true) {
		assert.NotEqual(t, "SL101", slot.SlotID)
	}
	_, err = repo.BookAppointment("VH004", "SC001", "SL101", "battery_service")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already booked")

	fetched, err := repo.Booking(booking.BookingID)
	require.NoError(t, err)
	assert.Equal(t, "VH002", fetched.VehicleID)

	// Cancelling releases the slot; a repeat cancel is a no-op.
	require.NoError(t, repo.CancelAppointment(booking.BookingID))
	require.NoError(t, repo.CancelAppointment(booking.BookingID))
	slots := repo.AvailableSlots("SC001", false)
	found := false
	for _, slot := range slots {
		if slot.SlotID == "SL101" {
			found = true
		}
	}
	assert.True(t, found, "a cancelled booking returns its slot")

	require.Error(t, repo.CancelAppointment("BK9999"))
	_, err = repo.BookAppointment("VH002", "SC002", "SL101", "x")
	require.Error(t, err, "slots are bound to their center")
}

func TestPartsCheckAndReserve(t *testing.T) {
	repo := newRepo(t)

	availability := repo.CheckParts([]string{"PT-THERMO", "PT-BATT48"}, "SC001")
	assert.True(t, availability["PT-THERMO"])
	assert.False(t, availability["PT-BATT48"], "stock is per center")

	booking, err := repo.BookAppointment("VH002", "SC001", "SL102", "cooling_system_service")
	require.NoError(t, err)

	reservationID, err := repo.ReserveParts([]string{"PT-THERMO"}, "SC001", booking.BookingID)
	require.NoError(t, err)
	assert.NotEmpty(t, reservationID)

	held, err := repo.Booking(booking.BookingID)
	require.NoError(t, err)
	assert.Equal(t, reservationID, held.PartsHold)

	_, err = repo.ReserveParts([]string{"PT-BATT48"}, "SC001", booking.BookingID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unavailable")
}

func TestRejectedReservationLeavesStockUntouched(t *testing.T) {
	repo := newRepo(t)

	_, err := repo.ReserveParts([]string{"PT-THERMO", "PT-NOSUCH"}, "SC001", "")
	require.Error(t, err)

	// SC001 holds six thermostats; the rejected request above must not have
	// consumed any of them.
	for i := 0; i < 6; i++ {
		_, err := repo.ReserveParts([]string{"PT-THERMO"}, "SC001", "")
		require.NoError(t, err)
	}
	_, err = repo.ReserveParts([]string{"PT-THERMO"}, "SC001", "")
	require.Error(t, err)
}

func TestReservationDrainsStock(t *testing.T) {
	repo := newRepo(t)

	// SC004 holds two thermostats; the third reservation must fail.
	for i := 0; i < 2; i++ {
		_, err := repo.ReserveParts([]string{"PT-THERMO"}, "SC004", "")
		require.NoError(t, err)
	}
	_, err := repo.ReserveParts([]string{"PT-THERMO"}, "SC004", "")
	require.Error(t, err)
}

func TestTechnicians(t *testing.T) {
	repo := newRepo(t)

	techs := repo.Technicians("SC001", "")
	require.Len(t, techs, 2)
	assert.GreaterOrEqual(t, techs[0].Rating, techs[1].Rating, "best rated first")

	engine := repo.Technicians("SC001", "engine")
	require.Len(t, engine, 1)
	assert.Equal(t, "TE01", engine[0].TechnicianID)

	assert.Empty(t, repo.Technicians("SC001", "avionics"))
}

func TestAssignTechnician(t *testing.T) {
	repo := newRepo(t)

	booking, err := repo.BookAppointment("VH006", "SC001", "SL101", "engine_service")
	require.NoError(t, err)

	require.NoError(t, repo.AssignTechnician(booking.BookingID, "TE01"))

	assigned, err := repo.Booking(booking.BookingID)
	require.NoError(t, err)
	assert.Equal(t, "TE01", assigned.TechnicianID)

	// The technician is busy now and cannot be assigned again.
	assert.Empty(t, repo.Technicians("SC001", "engine"))
	err = repo.AssignTechnician(booking.BookingID, "TE01")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not available")

	require.Error(t, repo.AssignTechnician("BK9999", "TE02"))
	require.Error(t, repo.AssignTechnician(booking.BookingID, "TE99"))
}

func TestConversationLog(t *testing.T) {
	repo := newRepo(t)

	assert.Empty(t, repo.ConversationHistory("VH002"))

	repo.LogConversation(ConversationEntry{
		VehicleID: "VH002",
		Channel:   "app",
		Summary:   "maintenance outreach",
		Outcome:   "consent requested",
	})
	repo.LogConversation(ConversationEntry{VehicleID: "VH004", Channel: "sms", Summary: "battery notice"})

	history := repo.ConversationHistory("VH002")
	require.Len(t, history, 1)
	assert.Equal(t, "maintenance outreach", history[0].Summary)
	assert.False(t, history[0].LoggedAt.IsZero())
}

func TestSimilarIssues(t *testing.T) {
	repo := newRepo(t)

	matches := repo.SimilarIssues("coolant")
	for _, rec := range matches {
		found := false
		for _, issue := range rec.IssuesFound {
			if strings.Contains(issue, "coolant") {
				found = true
			}
		}
		assert.True(t, found, "record %s matched without a coolant issue", rec.RecordID)
	}
	assert.Empty(t, repo.SimilarIssues("warp_drive_misalignment"))
}
