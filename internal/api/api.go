// Package api exposes the HTTP surface of centinela: the websocket
// endpoint, the publish entry points used by the CRUD application
// after it has persisted a state change, and the usual health and
// metrics plumbing.
package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/seguritech/centinela/internal/logging"
	"github.com/seguritech/centinela/internal/realtime"
	"github.com/seguritech/centinela/pkg/wire"
)

// Handler carries the collaborators the HTTP layer publishes into.
type Handler struct {
	router   *realtime.Router
	reg      *realtime.Registry
	validate *validator.Validate
}

// NewRouter assembles the chi mux: websocket endpoint, publish API,
// health and metrics.
func NewRouter(rt *realtime.Router, reg *realtime.Registry, ws http.Handler, gatherer prometheus.Gatherer) http.Handler {
	h := &Handler{
		router:   rt,
		reg:      reg,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/healthz", h.health)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Handle("/ws", ws)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/publish", h.publish)
		r.Post("/alarms", h.newAlarm)
		r.Post("/alarms/{alarmID}/dispatch", h.dispatchAlarm)
		r.Post("/notifications", h.notification)
		r.Get("/connections", h.connections)
	})
	return r
}

// requestLogger emits one structured line per request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logging.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("http request")
	})
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": h.reg.Len(),
	})
}

func (h *Handler) connections(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"connections": h.reg.Snapshot(),
	})
}

// publishRequest is the generic typed-envelope publish body.
type publishRequest struct {
	Type    string         `json:"type" validate:"required"`
	Payload map[string]any `json:"payload"`
}

func (h *Handler) publish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.publishEnvelope(w, wire.NewEnvelope(wire.MessageType(req.Type), req.Payload))
}

// alarmRequest mirrors the NEW_ALARM payload shape.
type alarmRequest struct {
	AlarmID    int    `json:"alarmId" validate:"required"`
	ClientID   int    `json:"clientId" validate:"required"`
	ClientName string `json:"clientName"`
	Status     string `json:"status" validate:"required"`
	Priority   string `json:"priority" validate:"required"`
	CreatedAt  string `json:"createdAt"`
	Location   string `json:"location"`
}

func (h *Handler) newAlarm(w http.ResponseWriter, r *http.Request) {
	var req alarmRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.CreatedAt == "" {
		req.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	h.publishEnvelope(w, wire.NewEnvelope(wire.TypeNewAlarm, toPayload(req)))
}

// dispatchRequest mirrors the DISPATCH_REQUEST payload shape; alarmId
// comes from the URL.
type dispatchRequest struct {
	ClientID    int    `json:"clientId" validate:"required"`
	ClientName  string `json:"clientName"`
	RequestedBy int    `json:"requestedBy" validate:"required"`
	Priority    string `json:"priority" validate:"required"`
	Notes       string `json:"notes"`
}

func (h *Handler) dispatchAlarm(w http.ResponseWriter, r *http.Request) {
	var alarmID int
	if _, err := fmt.Sscanf(chi.URLParam(r, "alarmID"), "%d", &alarmID); err != nil || alarmID <= 0 {
		respondError(w, http.StatusBadRequest, "invalid alarm id")
		return
	}
	var req dispatchRequest
	if !h.decode(w, r, &req) {
		return
	}
	payload := toPayload(req)
	payload["alarmId"] = alarmID
	h.publishEnvelope(w, wire.NewEnvelope(wire.TypeDispatchRequest, payload))
}

// notificationRequest mirrors the NOTIFICATION payload shape.
type notificationRequest struct {
	Title            string `json:"title" validate:"required"`
	Message          string `json:"message" validate:"required"`
	TargetUserID     *int   `json:"targetUserId"`
	TargetRole       string `json:"targetRole"`
	NotificationType string `json:"notificationType" validate:"omitempty,oneof=alarm dispatch info"`
	EntityID         *int   `json:"entityId"`
	EntityType       string `json:"entityType"`
	Priority         string `json:"priority"`
}

func (h *Handler) notification(w http.ResponseWriter, r *http.Request) {
	var req notificationRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.publishEnvelope(w, wire.NewEnvelope(wire.TypeNotification, toPayload(req)))
}

// publishEnvelope hands an envelope to the router and renders the
// receipt. Zero recipients is a 200 with delivered=0, per the delivery
// model; only malformed publishes are client errors.
func (h *Handler) publishEnvelope(w http.ResponseWriter, env wire.Envelope) {
	receipt, err := h.router.Publish(env)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":  "published",
		"type":    env.Type,
		"receipt": receipt,
	})
}

// decode parses and validates a JSON request body. Writes the error
// response itself and returns false when the body is unusable.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer func() { _ = r.Body.Close() }()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("validation failed: %v", err))
		return false
	}
	return true
}

// toPayload converts a typed request struct into the map payload the
// wire envelope carries, dropping nil optional fields along the way.
func toPayload(v any) map[string]any {
	data, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	out := map[string]any{}
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{}
	}
	for key, val := range out {
		if val == nil {
			delete(out, key)
		}
	}
	return out
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Error().Err(err).Msg("response encode failed")
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]any{"error": message})
}
