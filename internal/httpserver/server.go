// Package httpserver exposes the allocation and routing APIs over HTTP.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/Foundup/Foundups-Agent-sub000/internal/auth"
	"github.com/Foundup/Foundups-Agent-sub000/internal/coordinator"
	"github.com/Foundup/Foundups-Agent-sub000/internal/models"
	"github.com/Foundup/Foundups-Agent-sub000/internal/router"
	"github.com/Foundup/Foundups-Agent-sub000/internal/telemetry"
)

// Pinger reports journal connectivity for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	coord   *coordinator.Coordinator
	router  *router.Router
	events  *telemetry.MemorySink
	journal Pinger
	authCfg auth.Config
}

// New builds the API server. events and journal may be nil.
func New(coord *coordinator.Coordinator, rt *router.Router, events *telemetry.MemorySink, journal Pinger, authCfg auth.Config) *Server {
	return &Server{
		coord:   coord,
		router:  rt,
		events:  events,
		journal: journal,
		authCfg: authCfg,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(auth.Middleware(s.authCfg))

	r.Post("/resources/allocate", s.handleAllocate)
	r.Post("/resources/release", s.handleRelease)
	r.Post("/resources/touch", s.handleTouch)
	r.Get("/resources", s.handleResources)
	r.Post("/actions/route", s.handleRoute)
	r.Get("/circuits", s.handleCircuits)
	r.Get("/events", s.handleEvents)
	r.Get("/healthz", s.handleHealthz)

	return r
}

type allocateBody struct {
	RequesterID   string                `json:"requesterId"`
	Preferences   models.PreferenceList `json:"preferences"`
	SpawnFallback bool                  `json:"spawnFallback"`
}

func (s *Server) handleAllocate(w http.ResponseWriter, r *http.Request) {
	var body allocateBody
	if err := decodeJSON(w, r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.authorizedRequester(w, r, body.RequesterID) {
		return
	}
	handle, err := s.coord.Allocate(r.Context(), coordinator.AllocateInput{
		RequesterID:   body.RequesterID,
		Preferences:   body.Preferences,
		SpawnFallback: body.SpawnFallback,
	})
	if err != nil {
		var busy *models.BusyError
		switch {
		case errors.As(err, &busy):
			respondJSON(w, http.StatusConflict, map[string]interface{}{
				"error":       "resource busy",
				"key":         busy.Key,
				"ownerId":     busy.OwnerID,
				"state":       busy.State,
				"suggestions": busy.Suggestions,
			})
		case errors.Is(err, models.ErrResourceExhausted):
			respondError(w, http.StatusServiceUnavailable, err.Error())
		default:
			respondError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	respondJSON(w, http.StatusCreated, handle)
}

type releaseBody struct {
	RequesterID string             `json:"requesterId"`
	Key         models.ResourceKey `json:"key"`
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var body releaseBody
	if err := decodeJSON(w, r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.authorizedRequester(w, r, body.RequesterID) {
		return
	}
	// Release is idempotent: unknown keys still succeed.
	if err := s.coord.Release(r.Context(), body.RequesterID, body.Key); err != nil {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

func (s *Server) handleTouch(w http.ResponseWriter, r *http.Request) {
	var body releaseBody
	if err := decodeJSON(w, r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.authorizedRequester(w, r, body.RequesterID) {
		return
	}
	if err := s.coord.Touch(r.Context(), body.RequesterID, body.Key); err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "touched"})
}

func (s *Server) handleResources(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.coord.Snapshot(r.Context())
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"resources": snapshot})
}

type routeBody struct {
	Action struct {
		ID        uuid.UUID `json:"id"`
		Kind      string    `json:"kind"`
		Target    string    `json:"targetDescriptor"`
		TimeoutMs int       `json:"timeoutMs"`
	} `json:"action"`
	TierOrder []string `json:"tierOrder"`
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	var body routeBody
	if err := decodeJSON(w, r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	action := models.ActionRequest{
		ID:      body.Action.ID,
		Kind:    body.Action.Kind,
		Target:  body.Action.Target,
		Timeout: time.Duration(body.Action.TimeoutMs) * time.Millisecond,
	}
	if action.ID == uuid.Nil {
		action.ID = uuid.New()
	}
	result, err := s.router.Route(r.Context(), action, body.TierOrder)
	if err != nil {
		var exhausted *models.AllTiersExhaustedError
		if errors.As(err, &exhausted) {
			respondJSON(w, http.StatusBadGateway, map[string]interface{}{
				"error":    "all tiers exhausted",
				"failures": exhausted.Failures,
			})
			return
		}
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleCircuits(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{"circuits": s.router.Snapshots()})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		respondJSON(w, http.StatusOK, map[string]interface{}{"events": []telemetry.Event{}})
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"events": s.events.Recent()})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok"}
	if s.journal != nil {
		if err := s.journal.Ping(r.Context()); err != nil {
			status["status"] = "degraded"
			status["journal"] = err.Error()
			respondJSON(w, http.StatusServiceUnavailable, status)
			return
		}
		status["journal"] = "ok"
	}
	respondJSON(w, http.StatusOK, status)
}

// authorizedRequester enforces that the caller's token subject matches the
// requesterId it claims to act for. Always true when auth is disabled.
func (s *Server) authorizedRequester(w http.ResponseWriter, r *http.Request, requesterID string) bool {
	if !s.authCfg.Enabled() {
		return true
	}
	subject := auth.SubjectFromContext(r.Context())
	if subject != requesterID {
		respondError(w, http.StatusForbidden, "requesterId does not match token subject")
		return false
	}
	return true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
