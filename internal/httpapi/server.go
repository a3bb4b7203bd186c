package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"openhab-sync-service/internal/livefeed"
	"openhab-sync-service/internal/mapper"
	"openhab-sync-service/internal/openhab"
	"openhab-sync-service/internal/realtime"
	"openhab-sync-service/internal/store"
	"openhab-sync-service/internal/syncer"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type Server struct {
	repo   *store.Repo
	client *openhab.Client
	mapper *mapper.Mapper
	engine *syncer.Engine
	feed   *livefeed.Manager
	hub    *realtime.Hub
}

func NewServer(repo *store.Repo, client *openhab.Client, m *mapper.Mapper, engine *syncer.Engine, feed *livefeed.Manager, hub *realtime.Hub) *Server {
	return &Server{repo: repo, client: client, mapper: m, engine: engine, feed: feed, hub: hub}
}

func (s *Server) RegisterRoutes(r chi.Router) {
	if s.hub != nil {
		r.Get("/ws/ohs", s.hub.ServeHTTP)
	}

	r.Route("/api/ohs", func(r chi.Router) {
		r.Get("/config", s.handleConfigGet)
		r.Put("/config", s.handleConfigSave)
		r.Post("/connection/test", s.handleConnectionTest)

		r.Get("/items", s.handleItemsList)
		r.Post("/items/{item_name}/command", s.handleItemCommand)

		r.Route("/mappings", func(r chi.Router) {
			r.Get("/", s.handleMappingsList)
			r.Post("/", s.handleMappingCreate)
			r.Post("/bulk", s.handleMappingBulk)
			r.Patch("/{mapping_id}", s.handleMappingPatch)
		})

		r.Get("/sensors", s.handleSensorsList)
		r.Delete("/sensors/{sensor_id}", s.handleSensorDelete)

		r.Post("/sync", s.handleSyncNow)
		r.Get("/sync/log", s.handleSyncLog)

		r.Post("/live/start", s.handleLiveStart)
		r.Post("/live/stop", s.handleLiveStop)
		r.Get("/live/items", s.handleLiveItems)
	})
}

func (s *Server) emit(eventType, entity string, id uuid.UUID, row any) {
	if s.hub == nil {
		return
	}
	s.hub.Broadcast(realtime.Event{Type: eventType, Entity: entity, ID: id.String(), Row: row})
}

type jsonErr struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, jsonErr{Error: msg, Code: status})
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func parseUUIDParam(r *http.Request, key string) (uuid.UUID, error) {
	raw := strings.TrimSpace(chi.URLParam(r, key))
	if raw == "" {
		return uuid.Nil, errors.New("missing id")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errors.New("invalid id")
	}
	return id, nil
}

func ownerIDQuery(r *http.Request) (uuid.UUID, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("owner_id"))
	if raw == "" {
		return uuid.Nil, errors.New("owner_id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errors.New("invalid owner_id")
	}
	return id, nil
}

// connectionStatus maps a client error to an HTTP status. The raw transport
// error never reaches the UI; the typed message does.
func connectionStatus(err error) int {
	var cerr *openhab.ConnectionError
	if !errors.As(err, &cerr) {
		return http.StatusBadGateway
	}
	switch cerr.Kind {
	case openhab.ErrUnauthorized:
		return http.StatusUnauthorized
	case openhab.ErrTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) loadConfig(w http.ResponseWriter, r *http.Request) (*store.ConnectionConfig, bool) {
	ownerID, err := ownerIDQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	cfg, err := s.repo.GetConnectionConfig(r.Context(), ownerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no connection configured")
			return nil, false
		}
		writeError(w, http.StatusInternalServerError, "failed to load connection config")
		return nil, false
	}
	return cfg, true
}

// --- Connection config ---

func (s *Server) handleConfigGet(w http.ResponseWriter, r *http.Request) {
	cfg, ok := s.loadConfig(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

type configSaveRequest struct {
	OwnerID             string `json:"owner_id"`
	BaseURL             string `json:"base_url"`
	Credential          string `json:"credential,omitempty"`
	PollIntervalSeconds int    `json:"poll_interval_seconds,omitempty"`
	Enabled             bool   `json:"enabled"`
}

func (s *Server) handleConfigSave(w http.ResponseWriter, r *http.Request) {
	var req configSaveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	ownerID, err := uuid.Parse(strings.TrimSpace(req.OwnerID))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid owner_id")
		return
	}

	_, loadErr := s.repo.GetConnectionConfig(r.Context(), ownerID)
	created := errors.Is(loadErr, store.ErrNotFound)

	cfg, err := s.repo.UpsertConnectionConfig(r.Context(), ownerID, store.ConnectionConfigParams{
		BaseURL:             req.BaseURL,
		Credential:          req.Credential,
		PollIntervalSeconds: req.PollIntervalSeconds,
		Enabled:             req.Enabled,
	})
	if err != nil {
		var verr *store.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, verr.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to save connection config")
		return
	}

	if created {
		s.emit("connection_config.created", "connection_config", cfg.ID, cfg)
		writeJSON(w, http.StatusCreated, cfg)
		return
	}
	s.emit("connection_config.updated", "connection_config", cfg.ID, cfg)
	writeJSON(w, http.StatusOK, cfg)
}

type connectionTestRequest struct {
	BaseURL    string `json:"base_url"`
	Credential string `json:"credential,omitempty"`
}

type connectionTestResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (s *Server) handleConnectionTest(w http.ResponseWriter, r *http.Request) {
	var req connectionTestRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if strings.TrimSpace(req.BaseURL) == "" {
		writeError(w, http.StatusBadRequest, "base_url is required")
		return
	}
	msg, err := s.client.TestConnection(r.Context(), req.BaseURL, openhab.ParseCredential(req.Credential))
	if err != nil {
		writeError(w, connectionStatus(err), "connection failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, connectionTestResponse{Success: true, Message: msg})
}

// --- Items ---

type discoveredItem struct {
	openhab.Item
	Mapped bool `json:"mapped"`
}

func (s *Server) handleItemsList(w http.ResponseWriter, r *http.Request) {
	cfg, ok := s.loadConfig(w, r)
	if !ok {
		return
	}
	items, err := s.client.ListItems(r.Context(), cfg.BaseURL, openhab.ParseCredential(cfg.Credential))
	if err != nil {
		writeError(w, connectionStatus(err), "item discovery failed: "+err.Error())
		return
	}
	mappings, err := s.repo.ListMappings(r.Context(), cfg.ID, false)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load mappings")
		return
	}
	mapped := make(map[string]struct{}, len(mappings))
	for _, m := range mappings {
		mapped[m.ExternalItemName] = struct{}{}
	}
	out := make([]discoveredItem, 0, len(items))
	for _, it := range items {
		_, isMapped := mapped[it.Name]
		out = append(out, discoveredItem{Item: it, Mapped: isMapped})
	}
	writeJSON(w, http.StatusOK, out)
}

type itemCommandRequest struct {
	OwnerID string `json:"owner_id"`
	Command string `json:"command"`
}

func (s *Server) handleItemCommand(w http.ResponseWriter, r *http.Request) {
	itemName := strings.TrimSpace(chi.URLParam(r, "item_name"))
	if itemName == "" {
		writeError(w, http.StatusBadRequest, "missing item name")
		return
	}
	var req itemCommandRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if strings.TrimSpace(req.Command) == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}
	ownerID, err := uuid.Parse(strings.TrimSpace(req.OwnerID))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid owner_id")
		return
	}
	cfg, err := s.repo.GetConnectionConfig(r.Context(), ownerID)
	if err != nil {
		writeError(w, http.StatusNotFound, "no connection configured")
		return
	}
	if err := s.client.SendCommand(r.Context(), cfg.BaseURL, openhab.ParseCredential(cfg.Credential), itemName, req.Command); err != nil {
		writeError(w, connectionStatus(err), "command dispatch failed: "+err.Error())
		return
	}
	// Accepted by the remote, not necessarily applied.
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
}

// --- Mappings ---

func (s *Server) handleMappingsList(w http.ResponseWriter, r *http.Request) {
	cfg, ok := s.loadConfig(w, r)
	if !ok {
		return
	}
	rows, err := s.repo.ListMappings(r.Context(), cfg.ID, false)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load mappings")
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

type mappingCreateRequest struct {
	OwnerID string       `json:"owner_id"`
	Item    openhab.Item `json:"item"`
	TwinID  *string      `json:"twin_id,omitempty"`
}

func parseTwinID(raw *string) (*uuid.UUID, error) {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return nil, nil
	}
	id, err := uuid.Parse(strings.TrimSpace(*raw))
	if err != nil {
		return nil, errors.New("invalid twin_id")
	}
	return &id, nil
}

func (s *Server) handleMappingCreate(w http.ResponseWriter, r *http.Request) {
	var req mappingCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if strings.TrimSpace(req.Item.Name) == "" {
		writeError(w, http.StatusBadRequest, "item.name is required")
		return
	}
	ownerID, err := uuid.Parse(strings.TrimSpace(req.OwnerID))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid owner_id")
		return
	}
	twinID, err := parseTwinID(req.TwinID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cfg, err := s.repo.GetConnectionConfig(r.Context(), ownerID)
	if err != nil {
		writeError(w, http.StatusNotFound, "no connection configured")
		return
	}

	mapping, err := s.mapper.MapOne(r.Context(), cfg, req.Item, twinID)
	if err != nil {
		if errors.Is(err, mapper.ErrAlreadyMapped) {
			writeError(w, http.StatusConflict, "item is already mapped")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to map item")
		return
	}
	s.emit("sensor.created", "sensor", mapping.SensorID, nil)
	s.emit("sensor_mapping.created", "sensor_mapping", mapping.ID, mapping)
	writeJSON(w, http.StatusCreated, mapping)
}

type mappingBulkRequest struct {
	OwnerID string  `json:"owner_id"`
	TwinID  *string `json:"twin_id,omitempty"`
}

func (s *Server) handleMappingBulk(w http.ResponseWriter, r *http.Request) {
	var req mappingBulkRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	ownerID, err := uuid.Parse(strings.TrimSpace(req.OwnerID))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid owner_id")
		return
	}
	twinID, err := parseTwinID(req.TwinID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cfg, err := s.repo.GetConnectionConfig(r.Context(), ownerID)
	if err != nil {
		writeError(w, http.StatusNotFound, "no connection configured")
		return
	}
	items, err := s.client.ListItems(r.Context(), cfg.BaseURL, openhab.ParseCredential(cfg.Credential))
	if err != nil {
		writeError(w, connectionStatus(err), "item discovery failed: "+err.Error())
		return
	}

	res := s.mapper.MapAll(r.Context(), cfg, items, twinID)
	for _, m := range res.Created {
		s.emit("sensor.created", "sensor", m.SensorID, nil)
		s.emit("sensor_mapping.created", "sensor_mapping", m.ID, m)
	}
	writeJSON(w, http.StatusOK, res)
}

type mappingPatchRequest struct {
	SyncEnabled *bool `json:"sync_enabled"`
}

func (s *Server) handleMappingPatch(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "mapping_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req mappingPatchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.SyncEnabled == nil {
		writeError(w, http.StatusBadRequest, "sync_enabled is required")
		return
	}
	row, err := s.repo.SetMappingSyncEnabled(r.Context(), id, *req.SyncEnabled)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to update mapping")
		return
	}
	s.emit("sensor_mapping.updated", "sensor_mapping", row.ID, row)
	writeJSON(w, http.StatusOK, row)
}

// --- Sensors ---

func (s *Server) handleSensorsList(w http.ResponseWriter, r *http.Request) {
	cfg, ok := s.loadConfig(w, r)
	if !ok {
		return
	}
	rows, err := s.repo.ListSensorsForConfig(r.Context(), cfg.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load sensors")
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleSensorDelete(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "sensor_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.repo.DeleteSensor(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to delete sensor")
		return
	}
	s.emit("sensor.deleted", "sensor", id, nil)
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

// --- Sync ---

type syncNowRequest struct {
	OwnerID string `json:"owner_id"`
}

func (s *Server) handleSyncNow(w http.ResponseWriter, r *http.Request) {
	var req syncNowRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	ownerID, err := uuid.Parse(strings.TrimSpace(req.OwnerID))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid owner_id")
		return
	}
	cfg, err := s.repo.GetConnectionConfig(r.Context(), ownerID)
	if err != nil {
		writeError(w, http.StatusNotFound, "no connection configured")
		return
	}
	res, err := s.engine.SyncOnce(r.Context(), cfg, store.SyncTypeManual)
	if err != nil {
		// Manual syncs surface failures immediately; scheduled ones only land
		// in the sync history.
		writeError(w, connectionStatus(err), "sync failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSyncLog(w http.ResponseWriter, r *http.Request) {
	cfg, ok := s.loadConfig(w, r)
	if !ok {
		return
	}
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	rows, err := s.repo.ListSyncLog(r.Context(), cfg.ID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load sync log")
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// --- Live feed ---

type liveStartRequest struct {
	OwnerID         string `json:"owner_id"`
	IntervalSeconds int    `json:"interval_seconds,omitempty"`
}

func (s *Server) handleLiveStart(w http.ResponseWriter, r *http.Request) {
	var req liveStartRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	ownerID, err := uuid.Parse(strings.TrimSpace(req.OwnerID))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid owner_id")
		return
	}
	cfg, err := s.repo.GetConnectionConfig(r.Context(), ownerID)
	if err != nil {
		writeError(w, http.StatusNotFound, "no connection configured")
		return
	}
	interval := time.Duration(req.IntervalSeconds) * time.Second
	s.feed.Start(cfg, interval)
	writeJSON(w, http.StatusOK, map[string]any{"started": true})
}

type liveStopRequest struct {
	OwnerID string `json:"owner_id"`
}

func (s *Server) handleLiveStop(w http.ResponseWriter, r *http.Request) {
	var req liveStopRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	ownerID, err := uuid.Parse(strings.TrimSpace(req.OwnerID))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid owner_id")
		return
	}
	cfg, err := s.repo.GetConnectionConfig(r.Context(), ownerID)
	if err != nil {
		writeError(w, http.StatusNotFound, "no connection configured")
		return
	}
	s.feed.Stop(cfg.ID)
	writeJSON(w, http.StatusOK, map[string]any{"stopped": true})
}

func (s *Server) handleLiveItems(w http.ResponseWriter, r *http.Request) {
	cfg, ok := s.loadConfig(w, r)
	if !ok {
		return
	}
	snap, running := s.feed.Current(cfg.ID)
	if !running {
		writeError(w, http.StatusNotFound, "live feed is not running")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
