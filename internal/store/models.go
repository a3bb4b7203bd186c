package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Sensor categories. Discovered items are classified into one of these by the
// mapper; the set mirrors what the dashboards know how to render.
const (
	SensorTypeTemperature = "temperature"
	SensorTypeHumidity    = "humidity"
	SensorTypePressure    = "pressure"
	SensorTypeFlow        = "flow"
	SensorTypeAirQuality  = "air_quality"
	SensorTypeVibration   = "vibration"
)

const (
	SensorStatusOnline  = "online"
	SensorStatusOffline = "offline"
)

const (
	SyncTypeManual    = "manual"
	SyncTypeScheduled = "scheduled"
)

const (
	SyncStatusSuccess = "success"
	SyncStatusPartial = "partial"
	SyncStatusError   = "error"
)

// ConnectionConfig holds the openHAB connection settings for one owner.
// At most one row per owner; saves go through UpsertConnectionConfig.
type ConnectionConfig struct {
	ID                  uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	OwnerID             uuid.UUID  `gorm:"type:uuid;uniqueIndex;not null" json:"owner_id"`
	BaseURL             string     `gorm:"not null" json:"base_url"`
	Credential          string     `json:"credential,omitempty"`
	PollIntervalSeconds int        `gorm:"not null;default:30" json:"poll_interval_seconds"`
	Enabled             bool       `json:"enabled"`
	LastSyncAt          *time.Time `json:"last_sync_at"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

func (ConnectionConfig) TableName() string { return "connection_config" }

func (c *ConnectionConfig) BeforeCreate(tx *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}

type Sensor struct {
	ID            uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	Name          string     `gorm:"not null" json:"name"`
	Type          string     `gorm:"index;not null" json:"type"`
	Status        string     `gorm:"not null;default:online" json:"status"`
	LastReading   *float64   `json:"last_reading"`
	LastReadingAt *time.Time `json:"last_reading_at"`
	TwinID        *uuid.UUID `gorm:"type:uuid;index" json:"twin_id"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func (Sensor) TableName() string { return "sensor" }

func (s *Sensor) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

// SensorMapping links one discovered openHAB item to one internal sensor.
// An item maps to at most one sensor under a given connection.
type SensorMapping struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ConfigID         uuid.UUID `gorm:"type:uuid;index;not null;uniqueIndex:idx_config_item" json:"config_id"`
	SensorID         uuid.UUID `gorm:"type:uuid;index;not null" json:"sensor_id"`
	ExternalItemName string    `gorm:"not null;uniqueIndex:idx_config_item" json:"external_item_name"`
	ExternalItemType string    `json:"external_item_type"`
	ExternalItemLbl  string    `gorm:"column:external_item_label" json:"external_item_label"`
	SyncEnabled      bool      `gorm:"not null;default:true" json:"sync_enabled"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func (SensorMapping) TableName() string { return "sensor_mapping" }

func (m *SensorMapping) BeforeCreate(tx *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}

// SyncLogEntry is the append-only audit trail of sync attempts. Never mutated
// or deleted here; queried most-recent-first for display.
type SyncLogEntry struct {
	ID           uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	ConfigID     uuid.UUID      `gorm:"type:uuid;index:idx_sync_log_config_at,priority:1;not null" json:"config_id"`
	SyncType     string         `gorm:"not null" json:"sync_type"`
	Status       string         `gorm:"not null" json:"status"`
	ItemsSynced  *int           `json:"items_synced"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Detail       datatypes.JSON `gorm:"type:jsonb" json:"detail,omitempty"`
	CreatedAt    time.Time      `gorm:"index:idx_sync_log_config_at,priority:2" json:"created_at"`
}

func (SyncLogEntry) TableName() string { return "sync_log" }

func (e *SyncLogEntry) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}
