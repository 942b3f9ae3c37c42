package sessions

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/metacog-lab/backend/internal/config"
	"github.com/metacog-lab/backend/internal/models"
	"go.uber.org/zap"
)

type Handler struct {
	service *Service
	logger  *zap.Logger
}

func NewHandler(service *Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{service: service, logger: logger}
}

func sessionID(r *http.Request) (string, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		return "", false
	}
	return id.String(), true
}

// writeError maps service errors onto status codes.
func (h *Handler) writeError(w http.ResponseWriter, op string, err error) {
	switch {
	case IsClientError(err):
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: err.Error()})
	case errors.Is(err, ErrSessionNotFound):
		writeJSON(w, http.StatusNotFound, models.ErrorResponse{Error: "Session not found"})
	case errors.Is(err, ErrSessionFinished):
		writeJSON(w, http.StatusConflict, models.ErrorResponse{Error: "Session already finished"})
	case errors.Is(err, ErrTrialConflict):
		writeJSON(w, http.StatusConflict, models.ErrorResponse{Error: "Trial already recorded, retry"})
	default:
		h.logger.Error("[handler] "+op+" error", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, models.ErrorResponse{Error: "Internal server error"})
	}
}

// ── Participant Handlers ────────────────────────────────

func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	var req models.StartSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "Invalid request body"})
		return
	}

	sess, err := h.service.StartSession(r.Context(), req)
	if err != nil {
		h.writeError(w, "StartSession", err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (h *Handler) NextValue(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "Invalid session ID"})
		return
	}

	query := r.URL.Query()
	condition := query.Get("condition")
	if condition == "" {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "condition is required"})
		return
	}
	practice := boolQueryParam(query, "practice")

	resp, err := h.service.NextValue(r.Context(), id, condition, practice)
	if err != nil {
		h.writeError(w, "NextValue", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) RecordResponse(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "Invalid session ID"})
		return
	}

	var req models.RecordResponseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "Invalid request body"})
		return
	}

	resp, err := h.service.RecordResponse(r.Context(), id, req)
	if err != nil {
		h.writeError(w, "RecordResponse", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "Invalid session ID"})
		return
	}

	sum, err := h.service.Summary(r.Context(), id)
	if err != nil {
		h.writeError(w, "GetSummary", err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (h *Handler) FinishSession(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "Invalid session ID"})
		return
	}

	sess, err := h.service.FinishSession(r.Context(), id)
	if err != nil {
		h.writeError(w, "FinishSession", err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) SubmitData(w http.ResponseWriter, r *http.Request) {
	var req models.SubmitDataRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "Invalid request body"})
		return
	}

	resp, err := h.service.SubmitData(r.Context(), req)
	if err != nil {
		h.writeError(w, "SubmitData", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ── Experimenter Handlers ───────────────────────────────

func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := models.SessionFilter{
		Limit:  intQueryParam(query, "limit", 50),
		Offset: intQueryParam(query, "offset", 0),
	}
	if s := query.Get("status"); s != "" {
		status := models.SessionStatus(s)
		if status != models.SessionActive && status != models.SessionFinished {
			writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "status must be active or finished"})
			return
		}
		filter.Status = &status
	}

	list, err := h.service.ListSessions(r.Context(), filter)
	if err != nil {
		h.writeError(w, "ListSessions", err)
		return
	}
	if list == nil {
		list = []models.Session{}
	}
	writeJSON(w, http.StatusOK, models.SessionListResponse{
		Sessions: list,
		Limit:    filter.Limit,
		Offset:   filter.Offset,
	})
}

func (h *Handler) ListTrials(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "Invalid session ID"})
		return
	}

	trials, err := h.service.ListTrials(r.Context(), id)
	if err != nil {
		h.writeError(w, "ListTrials", err)
		return
	}
	if trials == nil {
		trials = []models.Trial{}
	}
	writeJSON(w, http.StatusOK, trials)
}

func (h *Handler) GetStaircaseConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.DefaultConfig())
}

func (h *Handler) GetStaircaseSchema(w http.ResponseWriter, r *http.Request) {
	schema, err := config.Schema()
	if err != nil {
		h.writeError(w, "GetStaircaseSchema", err)
		return
	}
	w.Header().Set("Content-Type", "application/schema+json")
	w.WriteHeader(http.StatusOK)
	w.Write(schema)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func intQueryParam(query url.Values, key string, defaultVal int) int {
	s := query.Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	return v
}

func boolQueryParam(query url.Values, key string) bool {
	switch strings.ToLower(query.Get(key)) {
	case "1", "true", "yes":
		return true
	}
	return false
}
