package devices

import (
	"context"
	"regexp"
	"sort"

	"example.com/backstage/services/telemetry/internal/database"
	"example.com/backstage/services/telemetry/internal/models"

	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm/clause"
)

var idPrefix = regexp.MustCompile(`^([A-Z]+)-\d+$`)

// Registry tracks known equipment and their types. It is backed by the
// equipment table when a database is configured, otherwise it lives in memory.
type Registry struct {
	db        database.DB
	equipment *xsync.MapOf[string, models.Equipment]
}

// NewRegistry creates a registry. db may be nil.
func NewRegistry(db database.DB) *Registry {
	return &Registry{
		db:        db,
		equipment: xsync.NewMapOf[string, models.Equipment](),
	}
}

// Load reads equipment from the database. Inactive rows are kept so that a
// deactivated device stays hidden until it reports again.
func (r *Registry) Load(ctx context.Context) error {
	if r.db == nil {
		return nil
	}

	var rows []models.Equipment
	if err := r.db.DB().WithContext(ctx).Find(&rows).Error; err != nil {
		return errors.Wrap(err, "failed to load equipment")
	}
	for _, eq := range rows {
		r.equipment.Store(eq.EquipmentID, eq)
	}

	log.Info().Int("equipment", len(rows)).Msg("Equipment registry loaded")
	return nil
}

// TypeFromID derives a device type from an id such as IMM-01
func TypeFromID(deviceID string) models.DeviceType {
	m := idPrefix.FindStringSubmatch(deviceID)
	if m == nil {
		return models.DeviceTypeUnknown
	}
	return models.ParseDeviceType(m[1])
}

// Resolve determines the type of the device that sent snap, registering the
// device on first sight. The snapshot meta wins over the registry, which
// wins over the id prefix. changed reports whether the registry entry was
// created or updated and needs Persist.
func (r *Registry) Resolve(snap models.Snapshot) (t models.DeviceType, changed bool) {
	if t := models.ParseDeviceType(snap.DeviceType()); t != models.DeviceTypeUnknown {
		return t, r.register(snap.DeviceID, t)
	}
	if eq, ok := r.equipment.Load(snap.DeviceID); ok && eq.Active {
		if t := models.ParseDeviceType(eq.EquipmentType); t != models.DeviceTypeUnknown {
			return t, false
		}
	}
	t = TypeFromID(snap.DeviceID)
	return t, r.register(snap.DeviceID, t)
}

// TypeOf returns the registered type of a device, falling back to its id
func (r *Registry) TypeOf(deviceID string) models.DeviceType {
	if eq, ok := r.equipment.Load(deviceID); ok {
		if t := models.ParseDeviceType(eq.EquipmentType); t != models.DeviceTypeUnknown {
			return t
		}
	}
	return TypeFromID(deviceID)
}

func (r *Registry) register(deviceID string, t models.DeviceType) bool {
	changed := false
	r.equipment.Compute(deviceID, func(old models.Equipment, loaded bool) (models.Equipment, bool) {
		if loaded && old.Active && (old.EquipmentType == string(t) || t == models.DeviceTypeUnknown) {
			return old, false
		}
		changed = true
		old.EquipmentID = deviceID
		old.Active = true
		if t != models.DeviceTypeUnknown || old.EquipmentType == "" {
			old.EquipmentType = string(t)
		}
		return old, false
	})
	return changed
}

// Persist upserts the current registry entry of a device into the
// equipment table
func (r *Registry) Persist(ctx context.Context, deviceID string) error {
	if r.db == nil {
		return nil
	}
	eq, ok := r.equipment.Load(deviceID)
	if !ok {
		return nil
	}

	err := r.db.DB().WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "equipment_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"equipment_type", "active", "updated_at"}),
	}).Create(&eq).Error
	if err != nil {
		return errors.Wrapf(err, "failed to persist equipment %s", deviceID)
	}
	return nil
}

// List returns active equipment ordered by id
func (r *Registry) List() []models.Equipment {
	out := make([]models.Equipment, 0, r.equipment.Size())
	r.equipment.Range(func(_ string, eq models.Equipment) bool {
		if eq.Active {
			out = append(out, eq)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].EquipmentID < out[j].EquipmentID })
	return out
}

// Get returns a registered device
func (r *Registry) Get(deviceID string) (models.Equipment, bool) {
	return r.equipment.Load(deviceID)
}

// Deactivate marks a device inactive. It returns false for unknown devices.
func (r *Registry) Deactivate(ctx context.Context, deviceID string) (bool, error) {
	found := false
	r.equipment.Compute(deviceID, func(old models.Equipment, loaded bool) (models.Equipment, bool) {
		if !loaded {
			return old, true
		}
		found = old.Active
		old.Active = false
		return old, false
	})
	if !found || r.db == nil {
		return found, nil
	}

	err := r.db.DB().WithContext(ctx).
		Model(&models.Equipment{}).
		Where("equipment_id = ?", deviceID).
		Update("active", false).Error
	if err != nil {
		return true, errors.Wrapf(err, "failed to deactivate %s", deviceID)
	}
	return true, nil
}
