package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	gwebsocket "github.com/gorilla/websocket"

	"github.com/rootkit0/AgroSense-API/internal/auth"
	"github.com/rootkit0/AgroSense-API/internal/configplan"
	"github.com/rootkit0/AgroSense-API/internal/device"
	"github.com/rootkit0/AgroSense-API/internal/ingest"
	"github.com/rootkit0/AgroSense-API/internal/model"
	"github.com/rootkit0/AgroSense-API/internal/store"
	"github.com/rootkit0/AgroSense-API/internal/telemetry"
	"github.com/rootkit0/AgroSense-API/internal/websocket"
)

var upgrader = gwebsocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// rangeWindows maps the readings range parameter to its lookback window.
var rangeWindows = map[string]time.Duration{
	"1h":  time.Hour,
	"6h":  6 * time.Hour,
	"12h": 12 * time.Hour,
	"1d":  24 * time.Hour,
	"1w":  7 * 24 * time.Hour,
	"1m":  30 * 24 * time.Hour,
	"3m":  90 * 24 * time.Hour,
	"6m":  180 * 24 * time.Hour,
	"1y":  365 * 24 * time.Hour,
}

const hardwareIDAttempts = 20

type Handler struct {
	engine   *ingest.Engine
	store    store.Store
	resolver *device.Resolver
	auth     *auth.Manager
	plans    *configplan.Service
	hub      *websocket.Hub
	log      *slog.Logger

	// Now is swappable for tests.
	Now func() time.Time
}

func NewHandler(engine *ingest.Engine, st store.Store, resolver *device.Resolver, am *auth.Manager, plans *configplan.Service, hub *websocket.Hub, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		engine:   engine,
		store:    st,
		resolver: resolver,
		auth:     am,
		plans:    plans,
		hub:      hub,
		log:      log,
		Now:      time.Now,
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// --- auth ---

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, h.log, "malformed login body")
		return
	}
	user, err := h.auth.AuthenticateUser(req.Username, req.Password)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	token, err := h.auth.GenerateJWT(*user)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// --- ingest ---

type ingestEnvelope struct {
	ID          string            `json:"id"`
	La          *float64          `json:"la"`
	Lo          *float64          `json:"lo"`
	B           *float64          `json:"b"`
	S           *float64          `json:"s"`
	IntervalSec int               `json:"intervalSec"`
	Samples     []json.RawMessage `json:"samples"`
}

// Ingest returns the handler for one sample family's endpoint.
func (h *Handler) Ingest(family telemetry.Family) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var env ingestEnvelope
		if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
			badRequest(w, h.log, "malformed batch body")
			return
		}
		if env.ID == "" {
			badRequest(w, h.log, "id required")
			return
		}
		samples, err := telemetry.DecodeSamples(family, env.Samples)
		if err != nil {
			writeError(w, h.log, err)
			return
		}
		result, err := h.engine.IngestBatch(r.Context(), family, telemetry.Batch{
			DeviceID:    env.ID,
			Lat:         env.La,
			Lon:         env.Lo,
			BatteryPct:  env.B,
			RSSI:        env.S,
			IntervalSec: env.IntervalSec,
			Samples:     samples,
		})
		if err != nil {
			writeError(w, h.log, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

// --- reads ---

func (h *Handler) ResolveDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	entry, err := h.resolver.Resolve(r.Context(), deviceID)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	sensor, err := h.store.GetSensor(r.Context(), entry.TenantID, entry.SensorID)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"deviceId": entry.DeviceID,
		"tenantId": entry.TenantID,
		"sensorId": entry.SensorID,
		"sensor":   sensor,
	})
}

func (h *Handler) GetReadings(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	sensorID := chi.URLParam(r, "sensorID")

	rangeKey := r.URL.Query().Get("range")
	if rangeKey == "" {
		rangeKey = "1d"
	}
	window, ok := rangeWindows[rangeKey]
	if !ok {
		badRequest(w, h.log, "invalid range")
		return
	}
	limit := queryInt(r, "limit", 500, 1, 5000)

	now := h.Now().UTC()
	items, err := h.store.QueryReadings(r.Context(), tenantID, sensorID, now.Add(-window), now, limit)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	if items == nil {
		items = []model.Reading{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tenantId": tenantID,
		"sensorId": sensorID,
		"range":    rangeKey,
		"items":    items,
	})
}

func (h *Handler) GetDailyAgg(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	sensorID := chi.URLParam(r, "sensorID")
	days := queryInt(r, "days", 365, 1, 3660)

	now := h.Now().UTC()
	from := telemetry.DayStart(now).AddDate(0, 0, -(days - 1))
	items, err := h.store.QueryDailyAggregates(r.Context(), tenantID, sensorID, from, days+10)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	if items == nil {
		items = []model.DailyAggregate{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tenantId": tenantID,
		"sensorId": sensorID,
		"days":     days,
		"items":    items,
	})
}

// --- admin ---

func (h *Handler) CreateSensor(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	caller, _ := auth.CallerFromContext(r.Context())
	if err := auth.Authorize(caller, tenantID, auth.RoleTech); err != nil {
		writeError(w, h.log, err)
		return
	}
	var req struct {
		Name     string             `json:"name"`
		FieldID  string             `json:"fieldId"`
		Location map[string]float64 `json:"location"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, h.log, "malformed sensor body")
		return
	}
	if req.Name == "" {
		badRequest(w, h.log, "name required")
		return
	}

	sensorID := uuid.NewString()
	for attempt := 0; attempt < hardwareIDAttempts; attempt++ {
		hw, err := device.GenerateHardwareID()
		if err != nil {
			writeError(w, h.log, err)
			return
		}
		s := &model.Sensor{
			ID:         sensorID,
			Name:       req.Name,
			FieldID:    req.FieldID,
			HardwareID: hw,
			Location:   req.Location,
		}
		err = h.store.CreateSensor(r.Context(), tenantID, s)
		if errors.Is(err, store.ErrConflict) {
			// Hardware id collision; roll again.
			continue
		}
		if err != nil {
			writeError(w, h.log, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"sensorId": sensorID, "hardwareId": hw})
		return
	}
	writeError(w, h.log, store.ErrUnavailable)
}

func (h *Handler) PublishConfig(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	sensorID := chi.URLParam(r, "sensorID")
	caller, _ := auth.CallerFromContext(r.Context())
	if err := auth.Authorize(caller, tenantID, auth.RoleTech); err != nil {
		writeError(w, h.log, err)
		return
	}
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		badRequest(w, h.log, "unreadable plan body")
		return
	}
	result, err := h.plans.Publish(r.Context(), tenantID, sensorID, caller.UID, raw)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ver":    result.Ver,
		"cc":     result.CC,
		"topics": map[string]string{"config": result.ConfigTopic, "meta": result.MetaTopic},
	})
}

func (h *Handler) RepublishConfig(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	sensorID := chi.URLParam(r, "sensorID")
	caller, _ := auth.CallerFromContext(r.Context())
	if err := auth.Authorize(caller, tenantID, auth.RoleTech); err != nil {
		writeError(w, h.log, err)
		return
	}
	ver, err := strconv.Atoi(chi.URLParam(r, "ver"))
	if err != nil || ver < 1 {
		badRequest(w, h.log, "invalid version")
		return
	}
	result, err := h.plans.Republish(r.Context(), tenantID, sensorID, ver, caller.UID)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":     true,
		"ver":    result.Ver,
		"cc":     result.CC,
		"topics": map[string]string{"config": result.ConfigTopic, "meta": result.MetaTopic},
	})
}

// --- websocket ---

func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	client := &websocket.Client{Hub: h.hub, Conn: conn, Send: make(chan []byte, 256)}
	h.hub.RegisterClient(client)
	go client.WritePump()
	go client.ReadPump()
}

// queryInt parses an integer query parameter with a default and clamping.
func queryInt(r *http.Request, name string, def, min, max int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}
