package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"openhab-sync-service/internal/openhab"
	"openhab-sync-service/internal/realtime"
	"openhab-sync-service/internal/store"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"gorm.io/datatypes"
)

// Publisher is the broker surface the engine needs for reading fan-out.
// It enables unit testing without a live broker.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Result summarizes one reconciliation pass.
type Result struct {
	Synced int `json:"synced"`
	Total  int `json:"total"`
	// Skipped is set when the run was coalesced away: config disabled, or a
	// sync for the same config already in flight.
	Skipped bool `json:"skipped,omitempty"`
}

type runDetail struct {
	Attempted      int `json:"attempted"`
	Synced         int `json:"synced"`
	SkippedNoValue int `json:"skipped_no_value"`
	SkippedParse   int `json:"skipped_parse"`
	FailedRead     int `json:"failed_read"`
}

type Engine struct {
	repo   *store.Repo
	client *openhab.Client
	hub    *realtime.Hub
	mq     Publisher

	topicPrefix string

	mu       sync.Mutex
	inFlight map[uuid.UUID]struct{}

	cron        *cron.Cron
	cronEntries map[uuid.UUID]cron.EntryID
	cronSpecs   map[uuid.UUID]int

	reloadEvery time.Duration
}

type Options struct {
	// Hub and MQ are optional; the engine runs headless without them.
	Hub *realtime.Hub
	MQ  Publisher
	// TopicPrefix defaults to "twinsight/ohs".
	TopicPrefix string
}

func New(repo *store.Repo, client *openhab.Client, opts Options) *Engine {
	prefix := strings.TrimRight(strings.TrimSpace(opts.TopicPrefix), "/")
	if prefix == "" {
		prefix = "twinsight/ohs"
	}
	return &Engine{
		repo:        repo,
		client:      client,
		hub:         opts.Hub,
		mq:          opts.MQ,
		topicPrefix: prefix,
		inFlight:    map[uuid.UUID]struct{}{},
		cron:        cron.New(),
		cronEntries: map[uuid.UUID]cron.EntryID{},
		cronSpecs:   map[uuid.UUID]int{},
		reloadEvery: 15 * time.Second,
	}
}

// Start brings up the scheduler: every enabled config gets an @every entry at
// its poll interval, reconciled from the database periodically so config
// changes take effect without a restart.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.reconcileSchedules(ctx); err != nil {
		return err
	}
	e.cron.Start()
	go e.reloadLoop(ctx)
	return nil
}

func (e *Engine) Stop() {
	if e.cron != nil {
		e.cron.Stop()
	}
}

func (e *Engine) reloadLoop(ctx context.Context) {
	t := time.NewTicker(e.reloadEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := e.reconcileSchedules(ctx); err != nil {
				slog.Warn("sync schedule reload failed", "error", err)
			}
		}
	}
}

func (e *Engine) reconcileSchedules(ctx context.Context) error {
	configs, err := e.repo.ListEnabledConnectionConfigs(ctx)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	expected := map[uuid.UUID]struct{}{}
	for _, cfg := range configs {
		cfgID := cfg.ID
		interval := cfg.PollIntervalSeconds
		expected[cfgID] = struct{}{}

		// If the interval changed, recreate the entry.
		if old, ok := e.cronSpecs[cfgID]; ok && old != interval {
			if entryID, okE := e.cronEntries[cfgID]; okE {
				e.cron.Remove(entryID)
				delete(e.cronEntries, cfgID)
			}
			delete(e.cronSpecs, cfgID)
		}
		if _, exists := e.cronEntries[cfgID]; exists {
			continue
		}

		spec := fmt.Sprintf("@every %ds", interval)
		id, err := e.cron.AddFunc(spec, func() {
			tickCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			defer cancel()
			cfg, err := e.repo.GetConnectionConfigByID(tickCtx, cfgID)
			if err != nil {
				return
			}
			if _, err := e.SyncOnce(tickCtx, cfg, store.SyncTypeScheduled); err != nil {
				slog.Warn("scheduled sync failed", "config_id", cfgID, "error", err)
			}
		})
		if err != nil {
			slog.Warn("invalid sync schedule", "config_id", cfgID, "spec", spec, "error", err)
			continue
		}
		e.cronEntries[cfgID] = id
		e.cronSpecs[cfgID] = interval
	}

	// Remove entries for disabled or deleted configs.
	for cfgID, entryID := range e.cronEntries {
		if _, ok := expected[cfgID]; ok {
			continue
		}
		e.cron.Remove(entryID)
		delete(e.cronEntries, cfgID)
		delete(e.cronSpecs, cfgID)
	}
	return nil
}

func (e *Engine) tryAcquire(configID uuid.UUID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inFlight[configID]; busy {
		return false
	}
	e.inFlight[configID] = struct{}{}
	return true
}

func (e *Engine) release(configID uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inFlight, configID)
}

// SyncOnce runs one reconciliation pass for the config. A disabled config is
// a no-op; a concurrent run for the same config is dropped, not queued. On a
// total fetch failure one error entry is appended and last_sync_at stays
// untouched; per-item problems degrade the run to partial instead of failing
// it.
func (e *Engine) SyncOnce(ctx context.Context, cfg *store.ConnectionConfig, syncType string) (Result, error) {
	if cfg == nil || !cfg.Enabled {
		return Result{Skipped: true}, nil
	}
	if !e.tryAcquire(cfg.ID) {
		slog.Debug("sync already in flight, dropping trigger", "config_id", cfg.ID, "sync_type", syncType)
		return Result{Skipped: true}, nil
	}
	defer e.release(cfg.ID)

	mappings, err := e.repo.ListMappings(ctx, cfg.ID, true)
	if err != nil {
		return Result{}, err
	}
	total := len(mappings)

	cred := openhab.ParseCredential(cfg.Credential)
	items, err := e.client.ListItems(ctx, cfg.BaseURL, cred)
	if err != nil {
		e.appendLog(ctx, cfg, syncType, store.SyncStatusError, nil, err.Error(), runDetail{Attempted: total, FailedRead: total})
		return Result{Total: total}, fmt.Errorf("sync aborted: %w", err)
	}

	states := make(map[string]string, len(items))
	for _, it := range items {
		states[it.Name] = it.State
	}

	now := time.Now().UTC()
	detail := runDetail{Attempted: total}
	for _, m := range mappings {
		state, ok := states[m.ExternalItemName]
		if !ok {
			// Item disappeared from the remote catalog; read it directly in
			// case it is just excluded from the list response.
			state, err = e.client.ReadItemState(ctx, cfg.BaseURL, cred, m.ExternalItemName)
			if err != nil {
				detail.FailedRead++
				slog.Debug("item read failed", "config_id", cfg.ID, "item", m.ExternalItemName, "error", err)
				continue
			}
		}
		if state == "" || state == openhab.StateNull || state == openhab.StateUndef {
			detail.SkippedNoValue++
			continue
		}
		value, ok := parseReading(state)
		if !ok {
			detail.SkippedParse++
			slog.Debug("unparsable item state", "config_id", cfg.ID, "item", m.ExternalItemName, "state", state)
			continue
		}
		if err := e.repo.UpdateSensorReading(ctx, m.SensorID, value, now); err != nil {
			slog.Error("sensor reading update failed", "sensor_id", m.SensorID, "error", err)
			detail.FailedRead++
			continue
		}
		detail.Synced++
		e.emitReading(m, value, now)
	}

	var status string
	switch {
	case detail.Synced == total:
		status = store.SyncStatusSuccess
	case detail.Synced > 0:
		status = store.SyncStatusPartial
	default:
		status = store.SyncStatusError
	}

	synced := detail.Synced
	e.appendLog(ctx, cfg, syncType, status, &synced, "", detail)

	if err := e.repo.MarkSynced(ctx, cfg.OwnerID, now); err != nil {
		slog.Warn("last_sync_at update failed", "config_id", cfg.ID, "error", err)
	}

	slog.Info("sync complete", "config_id", cfg.ID, "sync_type", syncType, "status", status, "synced", detail.Synced, "total", total)
	return Result{Synced: detail.Synced, Total: total}, nil
}

func (e *Engine) appendLog(ctx context.Context, cfg *store.ConnectionConfig, syncType, status string, itemsSynced *int, errMsg string, detail runDetail) {
	raw, _ := json.Marshal(detail)
	entry := &store.SyncLogEntry{
		ConfigID:     cfg.ID,
		SyncType:     syncType,
		Status:       status,
		ItemsSynced:  itemsSynced,
		ErrorMessage: errMsg,
		Detail:       datatypes.JSON(raw),
	}
	if err := e.repo.AppendSyncLog(ctx, entry); err != nil {
		slog.Error("sync log append failed", "config_id", cfg.ID, "error", err)
		return
	}
	if e.hub != nil {
		e.hub.Broadcast(realtime.Event{Type: "sync_log.created", Entity: "sync_log", ID: entry.ID.String(), Row: entry})
	}
}

func (e *Engine) emitReading(m store.SensorMapping, value float64, at time.Time) {
	if e.hub != nil {
		e.hub.Broadcast(realtime.Event{
			Type:   "sensor.updated",
			Entity: "sensor",
			ID:     m.SensorID.String(),
			Row: map[string]any{
				"id":              m.SensorID,
				"last_reading":    value,
				"last_reading_at": at,
			},
		})
	}
	if e.mq != nil {
		payload, err := json.Marshal(map[string]any{
			"sensor_id": m.SensorID,
			"item":      m.ExternalItemName,
			"value":     value,
			"ts":        at.UnixMilli(),
		})
		if err != nil {
			return
		}
		topic := e.topicPrefix + "/sensor/state/" + m.SensorID.String()
		if err := e.mq.Publish(topic, payload); err != nil {
			slog.Warn("mqtt publish failed", "topic", topic, "error", err)
		}
	}
}

// parseReading extracts a numeric value from a raw openHAB state. Quantity
// states carry a unit suffix ("21.5 °C"), so only the first field is parsed.
func parseReading(state string) (float64, bool) {
	fields := strings.Fields(strings.TrimSpace(state))
	if len(fields) == 0 {
		return 0, false
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
