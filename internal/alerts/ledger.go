package alerts

import (
	"sync"
	"time"

	"example.com/backstage/services/telemetry/internal/models"

	"github.com/google/uuid"
)

// DefaultLedgerCapacity is the number of alerts kept when no capacity is configured
const DefaultLedgerCapacity = 50

// Ledger keeps the most recent alerts in arrival order. Appending beyond
// capacity evicts the oldest alerts.
type Ledger struct {
	mu       sync.RWMutex
	buffer   []models.Alert
	capacity int
}

// NewLedger creates a ledger bounded at capacity
func NewLedger(capacity int) *Ledger {
	if capacity <= 0 {
		capacity = DefaultLedgerCapacity
	}
	return &Ledger{
		buffer:   make([]models.Alert, 0, capacity),
		capacity: capacity,
	}
}

// Append adds alerts to the ledger
func (l *Ledger) Append(alerts ...models.Alert) {
	if len(alerts) == 0 {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.buffer = append(l.buffer, alerts...)
	if over := len(l.buffer) - l.capacity; over > 0 {
		kept := make([]models.Alert, l.capacity)
		copy(kept, l.buffer[over:])
		l.buffer = kept
	}
}

// Recent returns up to n alerts, newest first. n <= 0 returns every alert.
// A non-empty severity filters the result.
func (l *Ledger) Recent(n int, severity models.Severity) []models.Alert {
	l.mu.RLock()
	defer l.mu.RUnlock()

	result := make([]models.Alert, 0, len(l.buffer))
	for i := len(l.buffer) - 1; i >= 0; i-- {
		if severity != "" && l.buffer[i].Severity != severity {
			continue
		}
		result = append(result, l.buffer[i])
		if n > 0 && len(result) == n {
			break
		}
	}
	return result
}

// Acknowledge marks an alert as seen by an operator
func (l *Ledger) Acknowledge(id uuid.UUID, at time.Time) (models.Alert, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := range l.buffer {
		if l.buffer[i].ID != id {
			continue
		}
		if !l.buffer[i].Acknowledged {
			ackAt := at.UTC()
			l.buffer[i].Acknowledged = true
			l.buffer[i].AcknowledgedAt = &ackAt
		}
		return l.buffer[i], true
	}
	return models.Alert{}, false
}

// Clear drops every alert
func (l *Ledger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buffer = make([]models.Alert, 0, l.capacity)
}

// Len returns the number of alerts held
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buffer)
}

// Capacity returns the ledger bound
func (l *Ledger) Capacity() int {
	return l.capacity
}
