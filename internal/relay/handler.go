package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/goccy/go-json"
)

const httpClientID = "http"

// Status is the body of GET {base}/api/status.
type Status struct {
	Registry       map[string]string `json:"registry"`
	Ready          bool              `json:"ready"`
	State          SupervisorState   `json:"state"`
	GatewayMounted bool              `json:"gatewayMounted"`
	Configured     bool              `json:"configured"`
	Pid            int               `json:"pid,omitempty"`
}

// StatusSource is what the status endpoint reads from.
type StatusSource interface {
	CurrentState() SupervisorState
	Pid() int
}

// Handler exposes the relay HTTP API using go-chi.
type Handler struct {
	ctrl       *Controller
	store      Store
	supervisor StatusSource
	gateway    MountState
	readiness  *Readiness
	log        *slog.Logger
	rateLimit  int
}

// NewHandler returns a Handler. rateLimit is the number of configuration
// requests allowed per client IP per minute.
func NewHandler(ctrl *Controller, store Store, sup StatusSource, gw MountState, log *slog.Logger, rateLimit int) *Handler {
	return &Handler{
		ctrl:       ctrl,
		store:      store,
		supervisor: sup,
		gateway:    gw,
		readiness:  NewReadiness(gw, sup),
		log:        log,
		rateLimit:  rateLimit,
	}
}

// Register adds the API routes to r.
func (h *Handler) Register(r chi.Router) {
	limit := h.rateLimit
	if limit < 1 {
		limit = 30
	}
	r.With(httprate.LimitByIP(limit, time.Minute)).Post("/api/config", h.SetConfig)
	r.Get("/api/status", h.GetStatus)
}

// SetConfig handles POST {base}/api/config with a configuration event body.
// It returns once the event has been reconciled and applied.
func (h *Handler) SetConfig(w http.ResponseWriter, r *http.Request) {
	var ev ConfigEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		h.log.Debug("invalid config body", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	err := h.ctrl.Submit(r.Context(), httpClientID, ev)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, h.status())
	case errors.Is(err, ErrInvalidEvent):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrControllerStopped):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, ErrProxyMount), errors.Is(err, ErrConfigWrite), errors.Is(err, ErrSpawn):
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "request cancelled")
	default:
		h.log.Error("config submit failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// GetStatus handles GET {base}/api/status.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.status())
}

func (h *Handler) status() Status {
	return Status{
		Registry:       h.store.Load().PublishedPaths(),
		Ready:          h.readiness.Ready(),
		State:          h.supervisor.CurrentState(),
		GatewayMounted: h.gateway.Mounted(),
		Configured:     h.ctrl.Configured(),
		Pid:            h.supervisor.Pid(),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
