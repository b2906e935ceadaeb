package httpapi

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/antoniostano/delegator/internal/delegator"
	"github.com/antoniostano/delegator/internal/memory"
	"github.com/antoniostano/delegator/internal/registry"
	"github.com/antoniostano/delegator/internal/router"
)

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	if s.handler == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "delegator not configured")
		return
	}
	var ev delegator.Event
	if err := decodeJSON(r, &ev); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if strings.TrimSpace(ev.Channel) == "" {
		ev.Channel = "http"
	}

	reply, err := s.handler.HandleEvent(r.Context(), ev)
	if err != nil {
		var env *delegator.ErrorEnvelope
		if errors.As(err, &env) {
			respondEnvelope(w, env)
			return
		}
		respondError(w, http.StatusInternalServerError, delegator.CodeInternal, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, reply)
}

type planRequest struct {
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`
}

type planResponse struct {
	Plan  memory.Plan      `json:"plan"`
	Graph router.PlanGraph `json:"graph"`
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	if s.planner == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "router not configured")
		return
	}
	var req planRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "text is required")
		return
	}
	plan, err := s.planner.Plan(r.Context(), req.ConversationID, memory.Message{Role: memory.RoleUser, Text: req.Text})
	if err != nil {
		respondError(w, http.StatusUnprocessableEntity, planErrorCode(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, planResponse{Plan: plan, Graph: router.Graph(plan)})
}

func planErrorCode(err error) string {
	switch {
	case errors.Is(err, registry.ErrInvalidCapabilityGraph):
		return delegator.CodeInvalidCapabilityGraph
	case errors.Is(err, registry.ErrCapabilityUnavailable):
		return delegator.CodeCapabilityUnavailable
	default:
		return delegator.CodeUnroutablePlan
	}
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	ids, err := s.memory.Conversations(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	if ids == nil {
		ids = []string{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"conversations": ids})
}

func (s *Server) handleListTurns(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	turns, err := s.memory.History(r.Context(), id)
	if err != nil {
		respondMemoryError(w, err)
		return
	}
	if turns == nil {
		turns = []memory.Turn{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"conversation_id": id,
		"turns":           turns,
	})
}

func (s *Server) handleWorkingContext(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	budget := s.memory.DefaultBudget()
	if raw := strings.TrimSpace(r.URL.Query().Get("budget")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_budget", "budget must be a positive integer")
			return
		}
		budget = n
	}
	wc, err := s.memory.ReadWorkingContext(r.Context(), id, budget)
	if err != nil {
		respondMemoryError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, wc)
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	res, err := s.memory.Compact(r.Context(), id)
	if err != nil {
		s.metrics.ObserveCompaction("failed")
		respondMemoryError(w, err)
		return
	}
	if res.Changed {
		s.metrics.ObserveCompaction("changed")
	} else {
		s.metrics.ObserveCompaction("unchanged")
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetTurn(w http.ResponseWriter, r *http.Request) {
	t, err := s.memory.Turn(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondMemoryError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (s *Server) handleMarkFact(w http.ResponseWriter, r *http.Request) {
	var span memory.FactSpan
	if err := decodeJSON(r, &span); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	fact, err := s.memory.MarkLoadBearing(r.Context(), chi.URLParam(r, "id"), span)
	if err != nil {
		respondMemoryError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, fact)
}

func respondMemoryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, memory.ErrMissingID):
		respondError(w, http.StatusBadRequest, "missing_id", err.Error())
	case errors.Is(err, memory.ErrInvalidSpan):
		respondError(w, http.StatusBadRequest, "invalid_span", err.Error())
	case errors.Is(err, memory.ErrTurnNotFound):
		respondError(w, http.StatusNotFound, "turn_not_found", err.Error())
	case errors.Is(err, memory.ErrConversationLocked):
		respondError(w, http.StatusConflict, delegator.CodeConversationLocked, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
	}
}

type capabilityView struct {
	registry.Descriptor
	TimeoutMS int64 `json:"timeout_ms,omitempty"`
}

func (s *Server) handleListCapabilities(w http.ResponseWriter, _ *http.Request) {
	ds := s.registry.Descriptors()
	views := make([]capabilityView, 0, len(ds))
	for _, d := range ds {
		views = append(views, capabilityView{Descriptor: d, TimeoutMS: d.Timeout.Milliseconds()})
	}
	tags := s.registry.Tags()
	sort.Strings(tags)
	respondJSON(w, http.StatusOK, map[string]any{
		"agents": views,
		"tags":   tags,
	})
}

type healthRequest struct {
	Health registry.Health `json:"health"`
}

func (s *Server) handleSetHealth(w http.ResponseWriter, r *http.Request) {
	var req healthRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.registry.SetHealth(id, req.Health); err != nil {
		switch {
		case errors.Is(err, registry.ErrAgentNotFound):
			respondError(w, http.StatusNotFound, "agent_not_found", err.Error())
		default:
			respondError(w, http.StatusBadRequest, "invalid_health", err.Error())
		}
		return
	}
	d, _ := s.registry.Get(id)
	respondJSON(w, http.StatusOK, capabilityView{Descriptor: d, TimeoutMS: d.Timeout.Milliseconds()})
}
