package state

import (
	"example.com/backstage/services/telemetry/internal/models"

	"github.com/puzpuzpuz/xsync/v3"
)

// Cache holds the latest accepted snapshot of every device. Each key is
// updated atomically, so concurrent upserts for different devices never
// contend and readers never block writers.
type Cache struct {
	entries   *xsync.MapOf[string, models.Snapshot]
	sequences *xsync.MapOf[string, uint64]
}

// NewCache creates an empty latest-state cache
func NewCache() *Cache {
	return &Cache{
		entries:   xsync.NewMapOf[string, models.Snapshot](),
		sequences: xsync.NewMapOf[string, uint64](),
	}
}

// NextSequence returns the next admission sequence for a device. Sequences
// start at 1 and survive Remove so a reactivated device keeps ordering.
func (c *Cache) NextSequence(deviceID string) uint64 {
	seq, _ := c.sequences.Compute(deviceID, func(old uint64, _ bool) (uint64, bool) {
		return old + 1, false
	})
	return seq
}

// Sequence returns the last admission sequence handed out for a device
func (c *Cache) Sequence(deviceID string) uint64 {
	seq, _ := c.sequences.Load(deviceID)
	return seq
}

// Upsert stores the snapshot unless the cached entry for the device carries
// the same or a newer sequence. It reports whether the snapshot was stored.
func (c *Cache) Upsert(snap models.Snapshot) bool {
	accepted := false
	c.entries.Compute(snap.DeviceID, func(old models.Snapshot, loaded bool) (models.Snapshot, bool) {
		if loaded && old.Sequence >= snap.Sequence {
			return old, false
		}
		accepted = true
		return snap, false
	})
	return accepted
}

// Get returns the latest snapshot of a device
func (c *Cache) Get(deviceID string) (models.Snapshot, bool) {
	return c.entries.Load(deviceID)
}

// GetAll returns a point-in-time copy of every cached entry
func (c *Cache) GetAll() map[string]models.Snapshot {
	out := make(map[string]models.Snapshot, c.entries.Size())
	c.entries.Range(func(key string, value models.Snapshot) bool {
		out[key] = value
		return true
	})
	return out
}

// Remove drops the cached entry of a deactivated device
func (c *Cache) Remove(deviceID string) bool {
	_, loaded := c.entries.LoadAndDelete(deviceID)
	return loaded
}

// Len returns the number of cached devices
func (c *Cache) Len() int {
	return c.entries.Size()
}
