package mapper

import (
	"context"
	"errors"
	"strings"
	"testing"

	"openhab-sync-service/internal/openhab"
	"openhab-sync-service/internal/store"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func openRepo(t *testing.T) *store.Repo {
	t.Helper()
	// Use a unique in-memory DB per test to avoid cross-test contamination.
	dsn := "file:mapper_" + strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()) + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	repo, err := store.New(db)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo
}

func seedConfig(t *testing.T, repo *store.Repo) *store.ConnectionConfig {
	t.Helper()
	cfg, err := repo.UpsertConnectionConfig(context.Background(), uuid.New(), store.ConnectionConfigParams{
		BaseURL: "http://openhab.local:8080",
		Enabled: true,
	})
	if err != nil {
		t.Fatalf("seed config: %v", err)
	}
	return cfg
}

func TestClassify(t *testing.T) {
	cases := []struct {
		declared string
		want     string
	}{
		{"Number:Temperature", store.SensorTypeTemperature},
		{"Number:Pressure", store.SensorTypePressure},
		{"Number:Humidity", store.SensorTypeHumidity},
		{"Number:VolumetricFlowRate", store.SensorTypeFlow},
		// Unknown types fall back to the default category.
		{"Switch", store.SensorTypeTemperature},
		{"Number", store.SensorTypeTemperature},
	}
	for _, tc := range cases {
		if got := Classify(tc.declared); got != tc.want {
			t.Fatalf("Classify(%q) = %q, want %q", tc.declared, got, tc.want)
		}
	}
}

func TestMapOneCreatesSensorAndMapping(t *testing.T) {
	repo := openRepo(t)
	cfg := seedConfig(t, repo)
	m := New(repo)

	item := openhab.Item{Name: "LivingRoom_Temp", Type: "Number:Temperature", Label: "Living Room"}
	mapping, err := m.MapOne(context.Background(), cfg, item, nil)
	if err != nil {
		t.Fatalf("map one: %v", err)
	}
	if !mapping.SyncEnabled {
		t.Fatalf("expected sync_enabled=true")
	}

	sensor, err := repo.GetSensor(context.Background(), mapping.SensorID)
	if err != nil {
		t.Fatalf("load sensor: %v", err)
	}
	if sensor.Name != "Living Room" {
		t.Fatalf("sensor name = %q, want label", sensor.Name)
	}
	if sensor.Type != store.SensorTypeTemperature {
		t.Fatalf("sensor type = %q", sensor.Type)
	}
	if sensor.Status != store.SensorStatusOnline {
		t.Fatalf("sensor status = %q", sensor.Status)
	}
}

func TestMapOneFallsBackToItemName(t *testing.T) {
	repo := openRepo(t)
	cfg := seedConfig(t, repo)
	m := New(repo)

	mapping, err := m.MapOne(context.Background(), cfg, openhab.Item{Name: "Boiler_Pressure", Type: "Number:Pressure"}, nil)
	if err != nil {
		t.Fatalf("map one: %v", err)
	}
	sensor, err := repo.GetSensor(context.Background(), mapping.SensorID)
	if err != nil {
		t.Fatalf("load sensor: %v", err)
	}
	if sensor.Name != "Boiler_Pressure" {
		t.Fatalf("sensor name = %q, want item name", sensor.Name)
	}
}

func TestMapOneDuplicateRejected(t *testing.T) {
	repo := openRepo(t)
	cfg := seedConfig(t, repo)
	m := New(repo)
	ctx := context.Background()

	item := openhab.Item{Name: "Kitchen_Hum", Type: "Number:Humidity", Label: "Kitchen"}
	if _, err := m.MapOne(ctx, cfg, item, nil); err != nil {
		t.Fatalf("first map: %v", err)
	}
	_, err := m.MapOne(ctx, cfg, item, nil)
	if !errors.Is(err, ErrAlreadyMapped) {
		t.Fatalf("expected ErrAlreadyMapped, got %v", err)
	}

	mappings, err := repo.ListMappings(ctx, cfg.ID, false)
	if err != nil {
		t.Fatalf("list mappings: %v", err)
	}
	if len(mappings) != 1 {
		t.Fatalf("expected exactly 1 mapping, got %d", len(mappings))
	}
	// The failed attempt must not have left an orphaned sensor behind.
	sensors, err := repo.ListSensorsForConfig(ctx, cfg.ID)
	if err != nil {
		t.Fatalf("list sensors: %v", err)
	}
	if len(sensors) != 1 {
		t.Fatalf("expected exactly 1 sensor, got %d", len(sensors))
	}
}

func TestMapAllPartialFailure(t *testing.T) {
	repo := openRepo(t)
	cfg := seedConfig(t, repo)
	m := New(repo)
	ctx := context.Background()

	items := []openhab.Item{
		{Name: "A", Type: "Number:Temperature"},
		{Name: "B", Type: "Number:Pressure"},
		{Name: "C", Type: "Number:Humidity"},
		{Name: "A", Type: "Number:Temperature"}, // duplicate
		{Name: "B", Type: "Number:Pressure"},    // duplicate
	}
	res := m.MapAll(ctx, cfg, items, nil)
	if res.Succeeded != 3 || res.Failed != 2 {
		t.Fatalf("got %+v, want {3 2}", res)
	}

	sensors, err := repo.ListSensorsForConfig(ctx, cfg.ID)
	if err != nil {
		t.Fatalf("list sensors: %v", err)
	}
	if len(sensors) != 3 {
		t.Fatalf("expected 3 sensors, got %d", len(sensors))
	}
}
