package mapper

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"openhab-sync-service/internal/openhab"
	"openhab-sync-service/internal/store"

	"github.com/google/uuid"
)

// ErrAlreadyMapped is returned when the item is already mapped under the
// same connection config.
var ErrAlreadyMapped = store.ErrDuplicateMapping

// DefaultCategory is what an item classifies to when no rule matches its
// declared type. Defaulting to temperature is deliberate: it keeps unknown
// numeric items visible on the dashboards instead of dropping them.
const DefaultCategory = store.SensorTypeTemperature

// Ordered classification rules; first match wins.
var classifyRules = []struct {
	substr   string
	category string
}{
	{"Temperature", store.SensorTypeTemperature},
	{"Pressure", store.SensorTypePressure},
	{"Humidity", store.SensorTypeHumidity},
	{"Flow", store.SensorTypeFlow},
}

// Classify maps an openHAB declared item type (e.g. "Number:Temperature")
// to an internal sensor category.
func Classify(declaredType string) string {
	for _, rule := range classifyRules {
		if strings.Contains(declaredType, rule.substr) {
			return rule.category
		}
	}
	return DefaultCategory
}

type Mapper struct {
	repo *store.Repo
}

func New(repo *store.Repo) *Mapper {
	return &Mapper{repo: repo}
}

// MapOne creates a sensor for the discovered item and links it with a
// mapping. Sensor and mapping are written atomically; a duplicate item name
// under the same config returns ErrAlreadyMapped.
func (m *Mapper) MapOne(ctx context.Context, cfg *store.ConnectionConfig, item openhab.Item, twinID *uuid.UUID) (*store.SensorMapping, error) {
	name := strings.TrimSpace(item.Label)
	if name == "" {
		name = item.Name
	}
	sensor := &store.Sensor{
		ID:     uuid.New(),
		Name:   name,
		Type:   Classify(item.Type),
		Status: store.SensorStatusOnline,
		TwinID: twinID,
	}
	mapping := &store.SensorMapping{
		ID:               uuid.New(),
		ConfigID:         cfg.ID,
		ExternalItemName: item.Name,
		ExternalItemType: item.Type,
		ExternalItemLbl:  item.Label,
		SyncEnabled:      true,
	}
	if err := m.repo.CreateSensorWithMapping(ctx, sensor, mapping); err != nil {
		return nil, err
	}
	return mapping, nil
}

type BatchResult struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`

	// Created carries the mappings that were written, for event fan-out.
	Created []*store.SensorMapping `json:"-"`
}

// MapAll applies MapOne per item independently; one failure never aborts the
// batch. The aggregate counts are the result, not an error.
func (m *Mapper) MapAll(ctx context.Context, cfg *store.ConnectionConfig, items []openhab.Item, twinID *uuid.UUID) BatchResult {
	var res BatchResult
	for _, item := range items {
		mapping, err := m.MapOne(ctx, cfg, item, twinID)
		if err != nil {
			res.Failed++
			if errors.Is(err, ErrAlreadyMapped) {
				slog.Debug("item already mapped", "config_id", cfg.ID, "item", item.Name)
			} else {
				slog.Warn("mapping item failed", "config_id", cfg.ID, "item", item.Name, "error", err)
			}
			continue
		}
		res.Succeeded++
		res.Created = append(res.Created, mapping)
	}
	return res
}
