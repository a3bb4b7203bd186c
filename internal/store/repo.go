package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Poll interval bounds; out-of-range values are clamped on save, not rejected.
const (
	MinPollIntervalSeconds     = 10
	MaxPollIntervalSeconds     = 3600
	DefaultPollIntervalSeconds = 30
)

// DefaultSyncLogLimit caps the sync history returned for display.
const DefaultSyncLogLimit = 20

var (
	ErrNotFound         = errors.New("not found")
	ErrDuplicateMapping = errors.New("item is already mapped under this connection")
)

// ValidationError rejects malformed configuration input before anything is
// persisted.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string { return e.Field + ": " + e.Msg }

type Repo struct {
	db *gorm.DB
}

func OpenPostgres(user, password, dbName, host, port, sslMode string) (*gorm.DB, error) {
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC", host, user, password, dbName, port, sslMode)
	gormLogger := logger.New(
		log.New(os.Stdout, "", log.LstdFlags),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	return gorm.Open(
		postgres.New(postgres.Config{DSN: dsn}),
		&gorm.Config{DisableForeignKeyConstraintWhenMigrating: true, Logger: gormLogger},
	)
}

func New(db *gorm.DB) (*Repo, error) {
	if err := db.AutoMigrate(&ConnectionConfig{}, &Sensor{}, &SensorMapping{}, &SyncLogEntry{}); err != nil {
		return nil, err
	}
	return &Repo{db: db}, nil
}

// --- Connection config ---

type ConnectionConfigParams struct {
	BaseURL             string
	Credential          string
	PollIntervalSeconds int
	Enabled             bool
}

func validateBaseURL(raw string) (string, error) {
	base := strings.TrimSpace(raw)
	if base == "" {
		return "", &ValidationError{Field: "base_url", Msg: "is required"}
	}
	u, err := url.Parse(base)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return "", &ValidationError{Field: "base_url", Msg: "must be an absolute URL"}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", &ValidationError{Field: "base_url", Msg: "must use http or https"}
	}
	return strings.TrimRight(base, "/"), nil
}

func clampPollInterval(v int) int {
	if v == 0 {
		return DefaultPollIntervalSeconds
	}
	if v < MinPollIntervalSeconds {
		return MinPollIntervalSeconds
	}
	if v > MaxPollIntervalSeconds {
		return MaxPollIntervalSeconds
	}
	return v
}

func (r *Repo) GetConnectionConfig(ctx context.Context, ownerID uuid.UUID) (*ConnectionConfig, error) {
	var row ConnectionConfig
	err := r.db.WithContext(ctx).First(&row, "owner_id = ?", ownerID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &row, nil
}

func (r *Repo) GetConnectionConfigByID(ctx context.Context, id uuid.UUID) (*ConnectionConfig, error) {
	var row ConnectionConfig
	err := r.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &row, nil
}

func (r *Repo) ListEnabledConnectionConfigs(ctx context.Context) ([]ConnectionConfig, error) {
	var rows []ConnectionConfig
	if err := r.db.WithContext(ctx).Where("enabled = ?", true).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// UpsertConnectionConfig validates the input and creates or updates the single
// config row for the owner. lastSyncAt is never touched here.
func (r *Repo) UpsertConnectionConfig(ctx context.Context, ownerID uuid.UUID, params ConnectionConfigParams) (*ConnectionConfig, error) {
	if ownerID == uuid.Nil {
		return nil, &ValidationError{Field: "owner_id", Msg: "is required"}
	}
	base, err := validateBaseURL(params.BaseURL)
	if err != nil {
		return nil, err
	}
	interval := clampPollInterval(params.PollIntervalSeconds)
	credential := strings.TrimSpace(params.Credential)

	var out ConnectionConfig
	txErr := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing ConnectionConfig
		err := tx.First(&existing, "owner_id = ?", ownerID).Error
		if err == nil {
			updates := map[string]any{
				"base_url":              base,
				"credential":            credential,
				"poll_interval_seconds": interval,
				"enabled":               params.Enabled,
			}
			if err := tx.Model(&ConnectionConfig{}).Where("id = ?", existing.ID).Updates(updates).Error; err != nil {
				return err
			}
			return tx.First(&out, "id = ?", existing.ID).Error
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		out = ConnectionConfig{
			ID:                  uuid.New(),
			OwnerID:             ownerID,
			BaseURL:             base,
			Credential:          credential,
			PollIntervalSeconds: interval,
			Enabled:             params.Enabled,
		}
		return tx.Create(&out).Error
	})
	if txErr != nil {
		return nil, txErr
	}
	return &out, nil
}

// MarkSynced updates only last_sync_at.
func (r *Repo) MarkSynced(ctx context.Context, ownerID uuid.UUID, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&ConnectionConfig{}).
		Where("owner_id = ?", ownerID).
		Update("last_sync_at", at.UTC()).Error
}

// --- Sensors + mappings ---

// CreateSensorWithMapping inserts the sensor and its mapping in one
// transaction so a mapping failure never leaves an orphaned sensor behind.
func (r *Repo) CreateSensorWithMapping(ctx context.Context, sensor *Sensor, mapping *SensorMapping) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing SensorMapping
		err := tx.Select("id").
			Where("config_id = ? AND external_item_name = ?", mapping.ConfigID, mapping.ExternalItemName).
			First(&existing).Error
		if err == nil {
			return ErrDuplicateMapping
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := tx.Create(sensor).Error; err != nil {
			return err
		}
		mapping.SensorID = sensor.ID
		return tx.Create(mapping).Error
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateMapping) {
			return ErrDuplicateMapping
		}
		// If we raced on the unique index, report it as a duplicate.
		var check SensorMapping
		lookupErr := r.db.WithContext(ctx).Select("id").
			Where("config_id = ? AND external_item_name = ?", mapping.ConfigID, mapping.ExternalItemName).
			First(&check).Error
		if lookupErr == nil {
			return ErrDuplicateMapping
		}
		return err
	}
	return nil
}

func (r *Repo) GetMapping(ctx context.Context, id uuid.UUID) (*SensorMapping, error) {
	var row SensorMapping
	err := r.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &row, nil
}

func (r *Repo) ListMappings(ctx context.Context, configID uuid.UUID, syncEnabledOnly bool) ([]SensorMapping, error) {
	q := r.db.WithContext(ctx).Where("config_id = ?", configID)
	if syncEnabledOnly {
		q = q.Where("sync_enabled = ?", true)
	}
	var rows []SensorMapping
	if err := q.Order("external_item_name asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *Repo) SetMappingSyncEnabled(ctx context.Context, id uuid.UUID, enabled bool) (*SensorMapping, error) {
	res := r.db.WithContext(ctx).Model(&SensorMapping{}).Where("id = ?", id).Update("sync_enabled", enabled)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return r.GetMapping(ctx, id)
}

func (r *Repo) GetSensor(ctx context.Context, id uuid.UUID) (*Sensor, error) {
	var row Sensor
	err := r.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &row, nil
}

// ListSensorsForConfig returns the sensors reachable through the config's
// mappings, newest first.
func (r *Repo) ListSensorsForConfig(ctx context.Context, configID uuid.UUID) ([]Sensor, error) {
	sensorTable := Sensor{}.TableName()
	mappingTable := SensorMapping{}.TableName()
	var rows []Sensor
	err := r.db.WithContext(ctx).
		Table(sensorTable).
		Select(sensorTable+".*").
		Joins("join "+mappingTable+" on "+mappingTable+".sensor_id = "+sensorTable+".id").
		Where(mappingTable+".config_id = ?", configID).
		Order(sensorTable + ".created_at desc").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// UpdateSensorReading is the sync engine's write path for readings. It also
// marks the sensor online, since a fresh value implies the source is alive.
func (r *Repo) UpdateSensorReading(ctx context.Context, sensorID uuid.UUID, value float64, at time.Time) error {
	return r.db.WithContext(ctx).Model(&Sensor{}).Where("id = ?", sensorID).Updates(map[string]any{
		"last_reading":    value,
		"last_reading_at": at.UTC(),
		"status":          SensorStatusOnline,
	}).Error
}

// DeleteSensor removes the sensor and cascade-deletes any mapping that points
// at it. Mappings never block sensor deletion.
func (r *Repo) DeleteSensor(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("sensor_id = ?", id).Delete(&SensorMapping{}).Error; err != nil {
			return err
		}
		res := tx.Delete(&Sensor{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// --- Sync log ---

func (r *Repo) AppendSyncLog(ctx context.Context, entry *SyncLogEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *Repo) ListSyncLog(ctx context.Context, configID uuid.UUID, limit int) ([]SyncLogEntry, error) {
	if limit <= 0 {
		limit = DefaultSyncLogLimit
	}
	if limit > 100 {
		limit = 100
	}
	var rows []SyncLogEntry
	err := r.db.WithContext(ctx).
		Where("config_id = ?", configID).
		Order("created_at desc").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
