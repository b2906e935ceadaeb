package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/antoniostano/delegator/internal/config"
	"github.com/antoniostano/delegator/internal/delegator"
	"github.com/antoniostano/delegator/internal/memory"
	"github.com/antoniostano/delegator/internal/observability"
	"github.com/antoniostano/delegator/internal/registry"
)

// EventHandler runs one inbound event to a reply or an *ErrorEnvelope.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev delegator.Event) (delegator.Reply, error)
}

// Planner previews the plan for a message without running it.
type Planner interface {
	Plan(ctx context.Context, conversationID string, msg memory.Message) (memory.Plan, error)
}

type Server struct {
	cfg      config.Config
	handler  EventHandler
	planner  Planner
	memory   *memory.Manager
	registry *registry.Registry
	hub      *Hub
	metrics  *observability.Metrics
	logger   zerolog.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, handler EventHandler, planner Planner, mem *memory.Manager, reg *registry.Registry, hub *Hub, metrics *observability.Metrics, logger zerolog.Logger) *Server {
	if hub == nil {
		hub = NewHub(metrics)
	}
	return &Server{
		cfg:      cfg,
		handler:  handler,
		planner:  planner,
		memory:   mem,
		registry: reg,
		hub:      hub,
		metrics:  metrics,
		logger:   logger.With().Str("component", "httpapi").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browsers may only connect from the same origin unless configured otherwise.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

// Hub returns the WebSocket hub so it can be registered as an outbound channel.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/events", s.handleEvent)
	r.Post("/v1/plan", s.handlePlan)
	r.Get("/v1/conversations", s.handleListConversations)
	r.Get("/v1/conversations/{id}/turns", s.handleListTurns)
	r.Get("/v1/conversations/{id}/context", s.handleWorkingContext)
	r.Post("/v1/conversations/{id}/compact", s.handleCompact)
	r.Get("/v1/conversations/{id}/stream", s.handleStream)
	r.Get("/v1/turns/{id}", s.handleGetTurn)
	r.Post("/v1/turns/{id}/facts", s.handleMarkFact)
	r.Get("/v1/capabilities", s.handleListCapabilities)
	r.Put("/v1/capabilities/{id}/health", s.handleSetHealth)
	r.Get("/v1/perf/stages", s.handlePerfStages)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"store_mode": s.storeMode(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	agentsTotal, available := 0, 0
	if s.registry != nil {
		for _, d := range s.registry.Descriptors() {
			agentsTotal++
			if d.Health != registry.HealthUnavailable {
				available++
			}
		}
	}
	status, code := "ready", http.StatusOK
	if s.handler == nil || s.memory == nil || available == 0 {
		status, code = "not_ready", http.StatusServiceUnavailable
	}
	respondJSON(w, code, map[string]any{
		"status":           status,
		"store_mode":       s.storeMode(),
		"agents":           agentsTotal,
		"agents_available": available,
	})
}

func (s *Server) storeMode() string {
	return memory.StoreMode(s.cfg.DatabaseURL, s.cfg.SQLitePath)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// envelopeResponse is the HTTP body for a failed turn.
type envelopeResponse struct {
	Error string `json:"error"`
	*delegator.ErrorEnvelope
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func respondEnvelope(w http.ResponseWriter, env *delegator.ErrorEnvelope) {
	respondJSON(w, envelopeStatus(env.Code), envelopeResponse{Error: env.Message, ErrorEnvelope: env})
}

func envelopeStatus(code string) int {
	switch code {
	case delegator.CodeInvalidEvent:
		return http.StatusBadRequest
	case delegator.CodeConversationLocked:
		return http.StatusConflict
	case delegator.CodeUnroutablePlan, delegator.CodeCapabilityUnavailable, delegator.CodeInvalidCapabilityGraph:
		return http.StatusUnprocessableEntity
	case delegator.CodeStepFailure, delegator.CodeStepTimeout:
		return http.StatusBadGateway
	case delegator.CodeTurnDeadlineExceeded:
		return http.StatusGatewayTimeout
	case delegator.CodeCancelled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
