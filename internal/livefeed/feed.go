package livefeed

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"openhab-sync-service/internal/openhab"
	"openhab-sync-service/internal/realtime"
	"openhab-sync-service/internal/store"

	"github.com/google/uuid"
)

// Snapshot is the latest display-only view of the remote items. Nothing here
// is ever persisted; the feed exists purely so dashboards can show live
// values between persisted syncs.
type Snapshot struct {
	Items []openhab.Item `json:"items"`
	At    time.Time      `json:"at"`
}

const (
	DefaultInterval = 10 * time.Second
	minInterval     = 2 * time.Second
)

type runner struct {
	cancel context.CancelFunc

	mu       sync.Mutex
	stopped  bool
	snapshot Snapshot
}

// setSnapshot applies a fetch result unless the runner was stopped while the
// fetch was in flight. Late responses are discarded, never applied.
func (r *runner) setSnapshot(s Snapshot) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return false
	}
	r.snapshot = s
	return true
}

func (r *runner) stop() {
	r.cancel()
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
}

func (r *runner) current() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot
}

// Manager owns one polling loop per connection config, driven by UI toggles.
type Manager struct {
	client *openhab.Client
	hub    *realtime.Hub

	mu      sync.Mutex
	runners map[uuid.UUID]*runner
}

func NewManager(client *openhab.Client, hub *realtime.Hub) *Manager {
	return &Manager{
		client:  client,
		hub:     hub,
		runners: map[uuid.UUID]*runner{},
	}
}

// Start begins polling for the config. A feed already running for the same
// config is replaced; its in-flight fetch can no longer publish anything.
func (m *Manager) Start(cfg *store.ConnectionConfig, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if interval < minInterval {
		interval = minInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &runner{cancel: cancel}

	m.mu.Lock()
	if old, ok := m.runners[cfg.ID]; ok {
		old.stop()
	}
	m.runners[cfg.ID] = r
	m.mu.Unlock()

	go m.poll(ctx, r, cfg, interval)
	slog.Info("live feed started", "config_id", cfg.ID, "interval", interval)
}

// Stop tears the feed down. Idempotent; safe to call with no feed running.
func (m *Manager) Stop(configID uuid.UUID) {
	m.mu.Lock()
	r, ok := m.runners[configID]
	if ok {
		delete(m.runners, configID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	r.stop()
	slog.Info("live feed stopped", "config_id", configID)
}

// StopAll is called on shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	runners := m.runners
	m.runners = map[uuid.UUID]*runner{}
	m.mu.Unlock()
	for _, r := range runners {
		r.stop()
	}
}

// Current returns the latest snapshot for the config, if a feed is (or was)
// running for it.
func (m *Manager) Current(configID uuid.UUID) (Snapshot, bool) {
	m.mu.Lock()
	r, ok := m.runners[configID]
	m.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	return r.current(), true
}

func (m *Manager) poll(ctx context.Context, r *runner, cfg *store.ConnectionConfig, interval time.Duration) {
	cred := openhab.ParseCredential(cfg.Credential)

	fetch := func() {
		reqCtx, cancel := context.WithTimeout(ctx, interval)
		defer cancel()
		items, err := m.client.ListItems(reqCtx, cfg.BaseURL, cred)
		if err != nil {
			slog.Debug("live feed fetch failed", "config_id", cfg.ID, "error", err)
			return
		}
		snap := Snapshot{Items: items, At: time.Now().UTC()}
		if !r.setSnapshot(snap) {
			return
		}
		if m.hub != nil {
			m.hub.Broadcast(realtime.Event{Type: "live.items", Entity: "live", ID: cfg.ID.String(), Row: snap})
		}
	}

	fetch()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			fetch()
		}
	}
}
