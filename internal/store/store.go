package store

import (
	"context"
	"time"

	"example.com/backstage/services/telemetry/internal/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Store is the durable, append-only telemetry history. Implementations are
// safe for concurrent use. Callers bound every call with a context deadline.
type Store interface {
	// Append persists one snapshot as one row per metric
	Append(ctx context.Context, snap models.Snapshot) error
	// AppendAlerts persists raised alerts
	AppendAlerts(ctx context.Context, alerts []models.Alert) error
	// AcknowledgeAlert flags a persisted alert as seen by an operator
	AcknowledgeAlert(ctx context.Context, id uuid.UUID, at time.Time) error
	// Latest rebuilds the most recent snapshot of every device
	Latest(ctx context.Context) (map[string]models.Snapshot, error)
	// History returns readings of one device taken at or after since, newest first
	History(ctx context.Context, deviceID string, since time.Time, limit int) ([]models.HistoryPoint, error)
	Ping(ctx context.Context) error
	Close() error
}

// SchemaManager is implemented by stores that create their tables or
// collections on demand
type SchemaManager interface {
	EnsureSchema(ctx context.Context) error
}

// NopStore is used when no durable store is configured. Every write fails
// with ErrStoreUnavailable so ingestion reports memory-only storage.
type NopStore struct{}

var errNoStore = errors.Wrap(models.ErrStoreUnavailable, "no durable store configured")

// Append implements Store
func (NopStore) Append(context.Context, models.Snapshot) error {
	return errNoStore
}

// AppendAlerts implements Store
func (NopStore) AppendAlerts(context.Context, []models.Alert) error {
	return errNoStore
}

// AcknowledgeAlert implements Store
func (NopStore) AcknowledgeAlert(context.Context, uuid.UUID, time.Time) error {
	return errNoStore
}

// Latest implements Store
func (NopStore) Latest(context.Context) (map[string]models.Snapshot, error) {
	return nil, errNoStore
}

// History implements Store
func (NopStore) History(context.Context, string, time.Time, int) ([]models.HistoryPoint, error) {
	return nil, errNoStore
}

// Ping implements Store
func (NopStore) Ping(context.Context) error {
	return errNoStore
}

// Close implements Store
func (NopStore) Close() error {
	return nil
}
