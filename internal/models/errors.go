package models

import "github.com/pkg/errors"

// Failure classes of the ingestion pipeline. Only ErrInvalidPayload is ever
// returned to producers; the others are absorbed and logged.
var (
	ErrInvalidPayload     = errors.New("invalid payload")
	ErrStoreUnavailable   = errors.New("store unavailable")
	ErrSubscriberDelivery = errors.New("subscriber delivery failed")
	ErrStaleSnapshot      = errors.New("stale snapshot")
	ErrNotFound           = errors.New("not found")
)
