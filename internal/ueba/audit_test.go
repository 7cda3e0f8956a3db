package ueba

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfleetlabs/fleetmind/api/schemas"
)

func decision(recordID, taskID string, verdict schemas.Verdict, risk float64) schemas.PolicyDecision {
	return schemas.PolicyDecision{
		RecordID:  recordID,
		HandlerID: "h",
		TaskID:    taskID,
		Tool:      "tool",
		RiskScore: risk,
		Verdict:   verdict,
		DecidedAt: time.Now().UTC(),
	}
}

func TestAddDecisionDeduplicates(t *testing.T) {
	audit, err := NewAuditLog(100)
	require.NoError(t, err)

	assert.True(t, audit.AddDecision(decision("rec-1", "task-1", schemas.VerdictAllow, 0)))
	assert.False(t, audit.AddDecision(decision("rec-1", "task-1", schemas.VerdictBlock, 10)),
		"a replayed record must not score twice")

	decs := audit.DecisionsForTask("task-1")
	require.Len(t, decs, 1)
	assert.Equal(t, schemas.VerdictAllow, decs[0].Verdict, "the first decision wins")
}

func TestRetentionBoundsHistory(t *testing.T) {
	audit, err := NewAuditLog(5)
	require.NoError(t, err)

	for i := 0; i < 12; i++ {
		audit.AddRecord(schemas.ActionRecord{
			ID:        fmt.Sprintf("rec-%d", i),
			HandlerID: "h",
			Tool:      "tool",
			Timestamp: time.Unix(int64(1000+i), 0),
		})
		audit.AddDecision(decision(fmt.Sprintf("rec-%d", i), "task-1", schemas.VerdictAllow, 0))
	}

	records := audit.RecentRecords("h")
	require.Len(t, records, 5)
	assert.Equal(t, "rec-7", records[0].ID, "the oldest entries fall off first")
	assert.Equal(t, "rec-11", records[4].ID)

	assert.Len(t, audit.DecisionsForTask("task-1"), 5)

	report := audit.Report()
	assert.Equal(t, 12, report.TotalRecords, "counters survive eviction")
	assert.Equal(t, 5, report.TotalDecisions, "the decision window is retention-bounded")
}

func TestReportStatistics(t *testing.T) {
	audit, err := NewAuditLog(100)
	require.NoError(t, err)

	audit.AddDecision(decision("rec-1", "task-1", schemas.VerdictAllow, 0))
	audit.AddDecision(decision("rec-2", "task-1", schemas.VerdictAllow, 2))
	audit.AddDecision(decision("rec-3", "task-2", schemas.VerdictFlag, 5))
	audit.AddDecision(decision("rec-4", "task-2", schemas.VerdictBlock, 9))

	report := audit.Report()
	assert.Equal(t, 4, report.TotalDecisions)
	assert.Equal(t, 1, report.Flagged)
	assert.Equal(t, 1, report.Blocked)
	assert.Equal(t, 1, report.HighRisk)
	assert.InDelta(t, 4.0, report.MeanRisk, 1e-9)
	assert.GreaterOrEqual(t, report.P95Risk, 5.0)
	assert.LessOrEqual(t, report.P95Risk, 9.0)

	require.Len(t, report.RecentAlerts, 2)
	assert.Equal(t, "rec-4", report.RecentAlerts[0].RecordID, "alerts are newest first")
	assert.Equal(t, "rec-3", report.RecentAlerts[1].RecordID)
	for _, alert := range report.RecentAlerts {
		assert.NotEqual(t, schemas.VerdictAllow, alert.Verdict)
	}
}

func TestReportEmpty(t *testing.T) {
	audit, err := NewAuditLog(100)
	require.NoError(t, err)

	report := audit.Report()
	assert.Zero(t, report.TotalDecisions)
	assert.Zero(t, report.MeanRisk)
	assert.Zero(t, report.P95Risk)
	assert.Empty(t, report.RecentAlerts)
	assert.False(t, report.GeneratedAt.IsZero())
}
