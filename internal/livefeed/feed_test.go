package livefeed

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"openhab-sync-service/internal/openhab"
	"openhab-sync-service/internal/store"

	"github.com/google/uuid"
)

func testConfig(baseURL string) *store.ConnectionConfig {
	return &store.ConnectionConfig{ID: uuid.New(), OwnerID: uuid.New(), BaseURL: baseURL, Enabled: true}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestFeedPollsAndExposesSnapshot(t *testing.T) {
	items := []openhab.Item{{Name: "Temp1", Type: "Number:Temperature", State: "20.1"}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(items)
	}))
	defer srv.Close()

	m := NewManager(openhab.New(srv.Client()), nil)
	cfg := testConfig(srv.URL)
	m.Start(cfg, minInterval)
	defer m.StopAll()

	waitFor(t, 2*time.Second, func() bool {
		snap, ok := m.Current(cfg.ID)
		return ok && len(snap.Items) == 1
	})

	snap, _ := m.Current(cfg.ID)
	if snap.Items[0].Name != "Temp1" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap.At.IsZero() {
		t.Fatalf("snapshot timestamp not set")
	}
}

func TestStopCancelsLoopAndDiscardsLateResponse(t *testing.T) {
	var calls atomic.Int64
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		once.Do(func() {
			close(entered)
			<-release
		})
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([]openhab.Item{{Name: "Temp1", Type: "Number", State: "1"}})
	}))
	defer srv.Close()

	m := NewManager(openhab.New(srv.Client()), nil)
	cfg := testConfig(srv.URL)
	m.Start(cfg, minInterval)

	<-entered
	// Stop while the first fetch is still parked inside the handler.
	m.Stop(cfg.ID)
	close(release)

	// The late response must be discarded, and the feed is gone entirely.
	if _, ok := m.Current(cfg.ID); ok {
		t.Fatalf("expected no feed after stop")
	}

	// No further ticks may fire after cancellation.
	settled := calls.Load()
	time.Sleep(3 * minInterval)
	if got := calls.Load(); got != settled {
		t.Fatalf("poll loop still running after stop: %d -> %d calls", settled, got)
	}
}

func TestStartReplacesExistingFeed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([]openhab.Item{{Name: "A", Type: "Number", State: "1"}})
	}))
	defer srv.Close()

	m := NewManager(openhab.New(srv.Client()), nil)
	cfg := testConfig(srv.URL)
	m.Start(cfg, minInterval)
	m.Start(cfg, minInterval)
	defer m.StopAll()

	waitFor(t, 2*time.Second, func() bool {
		snap, ok := m.Current(cfg.ID)
		return ok && len(snap.Items) == 1
	})
	m.Stop(cfg.ID)
	if _, ok := m.Current(cfg.ID); ok {
		t.Fatalf("expected feed removed after stop")
	}
}

func TestFetchFailureKeepsPreviousSnapshot(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([]openhab.Item{{Name: "A", Type: "Number", State: "1"}})
	}))
	defer srv.Close()

	m := NewManager(openhab.New(srv.Client()), nil)
	cfg := testConfig(srv.URL)
	m.Start(cfg, minInterval)
	defer m.StopAll()

	waitFor(t, 2*time.Second, func() bool {
		snap, ok := m.Current(cfg.ID)
		return ok && len(snap.Items) == 1
	})
	fail.Store(true)
	time.Sleep(2 * minInterval)

	snap, ok := m.Current(cfg.ID)
	if !ok || len(snap.Items) != 1 {
		t.Fatalf("previous snapshot should survive fetch failures: %+v", snap)
	}
}
