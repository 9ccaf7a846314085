package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"supervisor-escalation/pkg/config"
	"supervisor-escalation/pkg/escalation"
	"supervisor-escalation/pkg/knowledge"
	"supervisor-escalation/pkg/lifecycle"
	"supervisor-escalation/pkg/models"
)

// Pinger reports whether the record store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	coordinator  *escalation.Coordinator
	requests     *lifecycle.Manager
	knowledge    *knowledge.Service
	store        Pinger
	config       *config.Config
	logger       *logrus.Logger
	isLeaderFunc func(ctx context.Context) bool
}

func NewHandler(coordinator *escalation.Coordinator, requests *lifecycle.Manager, knowledge *knowledge.Service, store Pinger, config *config.Config, logger *logrus.Logger, isLeaderFunc func(ctx context.Context) bool) *Handler {
	return &Handler{
		coordinator:  coordinator,
		requests:     requests,
		knowledge:    knowledge,
		store:        store,
		config:       config,
		logger:       logger,
		isLeaderFunc: isLeaderFunc,
	}
}

// Escalate answers a caller question from the knowledge base or opens a help request.
func (h *Handler) Escalate(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Question            string `json:"question"`
		RoomName            string `json:"room_name"`
		ParticipantIdentity string `json:"participant_identity"`
	}
	if !h.decode(w, r, &request) {
		return
	}

	outcome, err := h.coordinator.Escalate(r.Context(), request.Question, models.SessionContext{
		RoomName:            request.RoomName,
		ParticipantIdentity: request.ParticipantIdentity,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	status := http.StatusOK
	if outcome.Kind == models.OutcomeEscalated {
		status = http.StatusCreated
	}
	h.writeJSON(w, status, outcome)
}

func (h *Handler) ListPending(w http.ResponseWriter, r *http.Request) {
	reqs, err := h.requests.ListPending(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"requests": reqs})
}

func (h *Handler) ListRequests(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	reqs, err := h.requests.ListAll(r.Context(), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"requests": reqs})
}

func (h *Handler) GetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.requests.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, req)
}

type resolutionResponse struct {
	Request        *models.HelpRequest    `json:"request"`
	Entry          *models.KnowledgeEntry `json:"entry,omitempty"`
	PromotionError string                 `json:"promotion_error,omitempty"`
}

// ResolveRequest records a supervisor answer and optionally adds it to the knowledge base.
func (h *Handler) ResolveRequest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var request struct {
		Answer         string `json:"answer"`
		AddToKnowledge bool   `json:"add_to_knowledge"`
	}
	if !h.decode(w, r, &request) {
		return
	}

	resolution, err := h.coordinator.SubmitResolution(r.Context(), id, request.Answer, request.AddToKnowledge)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	response := resolutionResponse{Request: resolution.Request, Entry: resolution.Entry}
	if resolution.PromotionErr != nil {
		response.PromotionError = resolution.PromotionErr.Error()
	}
	h.writeJSON(w, http.StatusOK, response)
}

// UnresolveRequest closes a pending request without an answer for the caller.
func (h *Handler) UnresolveRequest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var request struct {
		Note string `json:"note"`
	}
	if r.ContentLength != 0 && !h.decode(w, r, &request) {
		return
	}

	req, err := h.requests.MarkUnresolved(r.Context(), id, request.Note)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, req)
}

// Sweep expires overdue pending requests now. Safe to call from any replica.
func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	count, err := h.requests.Sweep(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"expired":   count,
		"timestamp": time.Now(),
	})
}

func (h *Handler) ListKnowledge(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	entries, err := h.knowledge.ListAll(r.Context(), h.config.EffectiveListLimit(limit))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

func (h *Handler) AddKnowledge(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Question        string  `json:"question"`
		Answer          string  `json:"answer"`
		SourceRequestID *string `json:"source_request_id"`
	}
	if !h.decode(w, r, &request) {
		return
	}

	entry, err := h.knowledge.Add(r.Context(), request.Question, request.Answer, request.SourceRequestID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, entry)
}

// SearchKnowledge looks a question up without counting it as a use.
func (h *Handler) SearchKnowledge(w http.ResponseWriter, r *http.Request) {
	question := strings.TrimSpace(r.URL.Query().Get("q"))
	if question == "" {
		h.writeError(w, r, &models.ValidationError{Field: "q", Reason: "must not be empty"})
		return
	}

	entry, err := h.knowledge.Search(r.Context(), question)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"match": entry})
}

func (h *Handler) IncrementUsage(w http.ResponseWriter, r *http.Request) {
	entry, err := h.knowledge.IncrementUsage(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, entry)
}

type dashboardResponse struct {
	Pending   []models.HelpRequest    `json:"pending"`
	Recent    []models.HelpRequest    `json:"recent"`
	Knowledge []models.KnowledgeEntry `json:"knowledge"`
	Timestamp time.Time               `json:"timestamp"`
}

// Dashboard returns everything the supervisor page shows. The three reads run
// concurrently and any failure fails the whole response.
func (h *Handler) Dashboard(w http.ResponseWriter, r *http.Request) {
	var response dashboardResponse
	g, ctx := errgroup.WithContext(r.Context())

	g.Go(func() error {
		reqs, err := h.requests.ListPending(ctx)
		response.Pending = reqs
		return err
	})
	g.Go(func() error {
		reqs, err := h.requests.ListAll(ctx, 0)
		response.Recent = reqs
		return err
	})
	g.Go(func() error {
		entries, err := h.knowledge.ListAll(ctx, h.config.EffectiveListLimit(0))
		response.Knowledge = entries
		return err
	})

	if err := g.Wait(); err != nil {
		h.writeError(w, r, err)
		return
	}

	response.Timestamp = time.Now()
	h.writeJSON(w, http.StatusOK, response)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		h.logger.WithError(err).Warn("Health check failed")
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "unhealthy",
			"error":  "store unreachable",
		})
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now(),
	})
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	pending, err := h.requests.ListPending(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"pod_id":           h.config.PodID,
		"store_backend":    h.config.StoreBackend,
		"is_leader":        h.isLeaderFunc(r.Context()),
		"pending_requests": len(pending),
		"timestamp":        time.Now(),
	})
}

// parseLimit reads ?limit=. Missing or non-positive values fall back to the default cap.
func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &models.ValidationError{Field: "limit", Reason: "must be an integer"}
	}
	return limit, nil
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, r, &models.ValidationError{Field: "body", Reason: "invalid JSON"})
		return false
	}
	return true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.WithError(err).Error("Failed to encode response")
	}
}

// writeError maps domain errors to HTTP status codes.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	message := "internal error"

	var ve *models.ValidationError
	switch {
	case errors.As(err, &ve):
		status, message = http.StatusBadRequest, ve.Error()
	case errors.Is(err, models.ErrNotFound):
		status, message = http.StatusNotFound, "not found"
	case errors.Is(err, models.ErrAlreadyResolved):
		status, message = http.StatusConflict, err.Error()
	case models.IsStoreError(err):
		message = "store unavailable"
	}

	fields := logrus.Fields{
		"method": r.Method,
		"path":   r.URL.Path,
		"status": status,
	}
	if status >= http.StatusInternalServerError {
		h.logger.WithError(err).WithFields(fields).Error("Request failed")
	} else {
		h.logger.WithError(err).WithFields(fields).Debug("Request rejected")
	}

	h.writeJSON(w, status, map[string]string{"error": message})
}
