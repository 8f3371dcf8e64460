package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/covenantd/covenant/internal/promise"
	"github.com/covenantd/covenant/internal/store"
	"github.com/covenantd/covenant/internal/trust"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}

// writeDomainError maps the error taxonomy onto HTTP status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	// ErrAgentExists refines ErrInvalidInput, so the conflict case must
	// win before the generic 400
	case errors.Is(err, trust.ErrAgentExists):
		writeError(w, http.StatusConflict, "already_exists", err.Error())
	case errors.Is(err, trust.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
	case errors.Is(err, trust.ErrAgentNotFound), errors.Is(err, promise.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, promise.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, promise.ErrInvalidActor):
		writeError(w, http.StatusForbidden, "invalid_actor", err.Error())
	case errors.Is(err, store.ErrConcurrency):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "concurrency_conflict", err.Error())
	case errors.Is(err, store.ErrUnsupported):
		writeError(w, http.StatusNotImplemented, "unsupported", err.Error())
	default:
		log.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report, err := s.manager.HealthCheck(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "unhealthy", err.Error())
		return
	}
	status := http.StatusOK
	if !report.IsHealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	report, err := s.manager.HealthCheck(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":        s.version,
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		"health":         report,
	})
}

type agentCreateRequest struct {
	AgentID      string  `json:"agent_id"`
	InitialScore float64 `json:"initial_score"`
}

func (s *Server) handleAgentCreate(w http.ResponseWriter, r *http.Request) {
	var req agentCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "malformed JSON body")
		return
	}
	ts, err := s.manager.InitializeAgent(r.Context(), req.AgentID, req.InitialScore)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ts)
}

func (s *Server) handleAgentList(w http.ResponseWriter, r *http.Request) {
	scores, err := s.manager.GetAllScores(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": scores, "count": len(scores)})
}

func (s *Server) handleAgentGet(w http.ResponseWriter, r *http.Request) {
	ts, err := s.manager.GetScore(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ts)
}

func (s *Server) handleAgentDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.RemoveAgent(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type trustUpdateRequest struct {
	Success  bool `json:"success"`
	Weighted bool `json:"weighted"`
}

func (s *Server) handleTrustUpdate(w http.ResponseWriter, r *http.Request) {
	var req trustUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "malformed JSON body")
		return
	}
	score, err := s.manager.UpdateTrust(r.Context(), chi.URLParam(r, "id"), req.Success, req.Weighted)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]float64{"score": score})
}

type peerFeedbackRequest struct {
	PeerID   string `json:"peer_id"`
	Positive bool   `json:"positive"`
}

func (s *Server) handlePeerFeedback(w http.ResponseWriter, r *http.Request) {
	var req peerFeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "malformed JSON body")
		return
	}
	score, err := s.manager.RecordPeerFeedback(r.Context(), chi.URLParam(r, "id"), req.PeerID, req.Positive)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]float64{"score": score})
}

func (s *Server) handleUpdatesSince(w http.ResponseWriter, r *http.Request) {
	since := time.Now().UTC().Add(-24 * time.Hour)
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", "since must be RFC 3339")
			return
		}
		since = t
	}
	events, err := s.manager.UpdatesSince(r.Context(), since)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events), "since": since})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_input", "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	events, err := s.manager.History(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func (s *Server) handleThreshold(w http.ResponseWriter, r *http.Request) {
	category := chi.URLParam(r, "category")
	ok, err := s.manager.MeetsThreshold(r.Context(), chi.URLParam(r, "id"), category)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"category": category, "meets_threshold": ok})
}

type promiseProposeRequest struct {
	Promiser string `json:"promiser"`
	Promisee string `json:"promisee"`
	Body     string `json:"body"`
}

func (s *Server) handlePromisePropose(w http.ResponseWriter, r *http.Request) {
	var req promiseProposeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "malformed JSON body")
		return
	}
	p, err := s.ledger.Propose(r.Context(), req.Promiser, req.Promisee, req.Body)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handlePromiseList(w http.ResponseWriter, r *http.Request) {
	if agent := r.URL.Query().Get("agent"); agent != "" {
		writeJSON(w, http.StatusOK, map[string]any{"promises": s.ledger.ListByAgent(r.Context(), agent)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"promises": s.ledger.Pending(r.Context())})
}

func (s *Server) handlePromiseGet(w http.ResponseWriter, r *http.Request) {
	p, err := s.ledger.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type promiseActorRequest struct {
	Actor string `json:"actor"`
}

func (s *Server) handlePromiseAccept(w http.ResponseWriter, r *http.Request) {
	var req promiseActorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "malformed JSON body")
		return
	}
	p, err := s.ledger.Accept(r.Context(), chi.URLParam(r, "id"), req.Actor)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePromiseReject(w http.ResponseWriter, r *http.Request) {
	var req promiseActorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "malformed JSON body")
		return
	}
	p, err := s.ledger.Reject(r.Context(), chi.URLParam(r, "id"), req.Actor)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePromiseFulfill(w http.ResponseWriter, r *http.Request) {
	p, err := s.ledger.Fulfill(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePromiseViolate(w http.ResponseWriter, r *http.Request) {
	p, err := s.ledger.Violate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleBackupRun(w http.ResponseWriter, r *http.Request) {
	path, err := s.coordinator.RunOnce(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"path": path})
}

func (s *Server) handleBackupList(w http.ResponseWriter, r *http.Request) {
	records, err := s.coordinator.List()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"backups": records, "count": len(records)})
}
