package alerts

import (
	"fmt"
	"testing"
	"time"

	"example.com/backstage/services/telemetry/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func alertAt(i int, severity models.Severity) models.Alert {
	return models.NewAlert(fmt.Sprintf("IMM-%02d", i), models.Finding{
		Severity: severity,
		Metric:   "cycle_time",
		Message:  fmt.Sprintf("alert %d", i),
		Value:    float64(i),
	}, evalTime.Add(time.Duration(i)*time.Second))
}

func TestLedgerIsBounded(t *testing.T) {
	l := NewLedger(50)

	for i := 0; i < 60; i++ {
		l.Append(alertAt(i, models.SeverityWarning))
	}

	require.Equal(t, 50, l.Len())
	recent := l.Recent(0, "")
	require.Len(t, recent, 50)
	assert.Equal(t, "alert 59", recent[0].Message)
	assert.Equal(t, "alert 10", recent[49].Message)
}

func TestLedgerBulkAppendBeyondCapacity(t *testing.T) {
	l := NewLedger(3)

	batch := make([]models.Alert, 0, 5)
	for i := 0; i < 5; i++ {
		batch = append(batch, alertAt(i, models.SeverityInfo))
	}
	l.Append(batch...)

	recent := l.Recent(0, "")
	require.Len(t, recent, 3)
	assert.Equal(t, "alert 4", recent[0].Message)
	assert.Equal(t, "alert 2", recent[2].Message)
}

func TestLedgerRecentFilters(t *testing.T) {
	l := NewLedger(0)
	assert.Equal(t, DefaultLedgerCapacity, l.Capacity())

	l.Append(alertAt(1, models.SeverityWarning), alertAt(2, models.SeverityCritical), alertAt(3, models.SeverityWarning))

	recent := l.Recent(2, "")
	require.Len(t, recent, 2)
	assert.Equal(t, "alert 3", recent[0].Message)
	assert.Equal(t, "alert 2", recent[1].Message)

	critical := l.Recent(0, models.SeverityCritical)
	require.Len(t, critical, 1)
	assert.Equal(t, "alert 2", critical[0].Message)
}

func TestLedgerAcknowledgeAndClear(t *testing.T) {
	l := NewLedger(10)
	a := alertAt(1, models.SeverityWarning)
	l.Append(a)

	ackAt := evalTime.Add(time.Minute)
	got, ok := l.Acknowledge(a.ID, ackAt)
	require.True(t, ok)
	assert.True(t, got.Acknowledged)
	require.NotNil(t, got.AcknowledgedAt)
	assert.Equal(t, ackAt, *got.AcknowledgedAt)

	// a second acknowledgement keeps the first timestamp
	got, ok = l.Acknowledge(a.ID, ackAt.Add(time.Hour))
	require.True(t, ok)
	assert.Equal(t, ackAt, *got.AcknowledgedAt)

	_, ok = l.Acknowledge(alertAt(2, models.SeverityInfo).ID, ackAt)
	assert.False(t, ok)

	l.Clear()
	assert.Equal(t, 0, l.Len())
	assert.Empty(t, l.Recent(0, ""))
}
