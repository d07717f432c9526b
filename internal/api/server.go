// Package api exposes the admin HTTP interface for the monitor service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/listingwatch/listingwatch/internal/monitor"
)

// Poller is the scheduler surface the API needs: on-demand polls, the
// daily reconciliation sweep, and the in-flight task count.
type Poller interface {
	ForcePoll(ctx context.Context, targetID string) error
	Reconcile(ctx context.Context)
	ActiveCount() int
}

// StreamHub upgrades websocket subscribers and reports how many are
// connected.
type StreamHub interface {
	http.Handler
	ClientCount() int
}

// Server wires HTTP handlers to the store, scheduler, and stream hub.
type Server struct {
	router chi.Router
	store  monitor.Store
	poller Poller
	hub    StreamHub
	idGen  monitor.IDGenerator
	clock  monitor.Clock
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	store monitor.Store,
	poller Poller,
	hub StreamHub,
	idGen monitor.IDGenerator,
	clock monitor.Clock,
	logger *zap.Logger,
) *Server {
	s := &Server{
		store:  store,
		poller: poller,
		hub:    hub,
		idGen:  idGen,
		clock:  clock,
		logger: logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware(idGen))
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metricsMiddleware)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/targets", func(r chi.Router) {
			r.Get("/", s.listTargets)
			r.Post("/", s.upsertTarget)
			r.Route("/{target_id}", func(r chi.Router) {
				r.Get("/", s.getTarget)
				r.Put("/", s.upsertTarget)
				r.Delete("/", s.deleteTarget)
				r.Post("/poll", s.forcePoll)
			})
		})
		r.Route("/subscribers", func(r chi.Router) {
			r.Get("/", s.listSubscribers)
			r.Post("/", s.upsertSubscriber)
			r.Route("/{subscriber_id}", func(r chi.Router) {
				r.Get("/", s.getSubscriber)
				r.Put("/", s.upsertSubscriber)
				r.Delete("/", s.deleteSubscriber)
			})
		})
		r.Route("/events", func(r chi.Router) {
			r.Get("/deadletters", s.listDeadLetters)
			r.Post("/{event_id}/requeue", s.requeueEvent)
		})
		r.Post("/reconcile", s.reconcile)
		r.Get("/status", s.status)
		if s.hub != nil {
			r.Get("/stream", s.hub.ServeHTTP)
		}
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	// The store is the only hard dependency; a failing list means not ready.
	if _, err := s.store.ListTargets(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) listTargets(w http.ResponseWriter, r *http.Request) {
	targets, err := s.store.ListTargets(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list targets")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"targets": targets})
}

func (s *Server) getTarget(w http.ResponseWriter, r *http.Request) {
	target, err := s.store.GetTarget(r.Context(), chi.URLParam(r, "target_id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "target not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"target": target})
}

func (s *Server) upsertTarget(w http.ResponseWriter, r *http.Request) {
	var target monitor.PollingTarget
	if err := json.NewDecoder(r.Body).Decode(&target); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if id := chi.URLParam(r, "target_id"); id != "" {
		target.ID = id
	}
	if target.Domain == "" {
		target.Domain = monitor.DomainOf(target.URL)
	}
	if err := target.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	target.UpdatedAt = s.clock.Now()
	if err := s.store.UpsertTarget(r.Context(), target); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save target")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"target": target})
}

func (s *Server) deleteTarget(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteTarget(r.Context(), chi.URLParam(r, "target_id")); err != nil {
		writeError(w, http.StatusNotFound, "target not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) forcePoll(w http.ResponseWriter, r *http.Request) {
	targetID := chi.URLParam(r, "target_id")
	if err := s.poller.ForcePoll(r.Context(), targetID); err != nil {
		if errors.Is(err, monitor.ErrNotFound) {
			writeError(w, http.StatusNotFound, "target not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"target_id": targetID, "status": "polled"})
}

func (s *Server) listSubscribers(w http.ResponseWriter, r *http.Request) {
	subs, err := s.store.ListSubscribers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list subscribers")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscribers": subs})
}

func (s *Server) getSubscriber(w http.ResponseWriter, r *http.Request) {
	sub, err := s.store.GetSubscriber(r.Context(), chi.URLParam(r, "subscriber_id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "subscriber not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscriber": sub})
}

func (s *Server) upsertSubscriber(w http.ResponseWriter, r *http.Request) {
	var sub monitor.Subscriber
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if id := chi.URLParam(r, "subscriber_id"); id != "" {
		sub.ID = id
	}
	if sub.ID == "" {
		id, err := s.idGen.NewID()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to generate id")
			return
		}
		sub.ID = id
	}
	if err := sub.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.UpsertSubscriber(r.Context(), sub); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save subscriber")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"subscriber": sub})
}

func (s *Server) deleteSubscriber(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteSubscriber(r.Context(), chi.URLParam(r, "subscriber_id")); err != nil {
		writeError(w, http.StatusNotFound, "subscriber not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := parsePositiveInt(raw); err == nil {
			limit = n
		}
	}
	dead, err := s.store.ListDeadLetters(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list dead letters")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": dead, "count": len(dead)})
}

func (s *Server) requeueEvent(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "event_id")
	if err := s.store.RequeueEvent(r.Context(), eventID); err != nil {
		if errors.Is(err, monitor.ErrNotFound) {
			writeError(w, http.StatusNotFound, "event not found")
			return
		}
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"event_id": eventID, "status": string(monitor.EventStatusPending)})
}

func (s *Server) reconcile(w http.ResponseWriter, _ *http.Request) {
	// The sweep full-fetches every enabled target; run it off-request.
	go s.poller.Reconcile(context.Background())
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "reconcile started"})
}

type targetStatus struct {
	ID                  string               `json:"id"`
	Enabled             bool                 `json:"enabled"`
	BreakerState        monitor.BreakerState `json:"breaker_state"`
	ConsecutiveFailures int                  `json:"consecutive_failures"`
	NextPollAt          time.Time            `json:"next_poll_at,omitzero"`
	LastSuccessAt       time.Time            `json:"last_success_at,omitzero"`
	ChangeRate          float64              `json:"change_rate"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	targets, err := s.store.ListTargets(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list targets")
		return
	}
	dead, err := s.store.ListDeadLetters(r.Context(), 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list dead letters")
		return
	}

	statuses := make([]targetStatus, 0, len(targets))
	for _, t := range targets {
		statuses = append(statuses, targetStatus{
			ID:                  t.ID,
			Enabled:             t.Enabled,
			BreakerState:        t.State(),
			ConsecutiveFailures: t.ConsecutiveFailures,
			NextPollAt:          t.NextPollAt,
			LastSuccessAt:       t.LastSuccessAt,
			ChangeRate:          t.CurrentChangeRate,
		})
	}

	resp := map[string]any{
		"time":         s.clock.Now().UTC(),
		"active_polls": s.poller.ActiveCount(),
		"dead_letters": len(dead),
		"targets":      statuses,
	}
	if s.hub != nil {
		resp["stream_clients"] = s.hub.ClientCount()
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func parsePositiveInt(raw string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be positive")
	}
	return n, nil
}
