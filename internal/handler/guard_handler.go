package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"guard-service/internal/eventlog"
	"guard-service/internal/integrity"
	"guard-service/internal/models"
	"guard-service/internal/service"
	"guard-service/internal/util"
)

const maxBodyBytes = service.MaxInputBytes + 64<<10

// GuardHandler handles HTTP requests for the protection engine
type GuardHandler struct {
	guardService *service.GuardService
	logger       *zap.Logger
}

func NewGuardHandler(guardService *service.GuardService, logger *zap.Logger) *GuardHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GuardHandler{
		guardService: guardService,
		logger:       logger,
	}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
	Meta    *Meta       `json:"meta,omitempty"`
}

type Meta struct {
	Total int `json:"total"`
}

func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

func errorResponse(err error, message string) Response {
	return Response{
		Success: false,
		Error:   err.Error(),
		Message: message,
	}
}

type checkRequest struct {
	ActorID string `json:"actor_id"`
	Action  string `json:"action"`
}

type validateRequest struct {
	ActorID string `json:"actor_id,omitempty"`
	Input   string `json:"input"`
	Source  string `json:"source"`
}

// RegisterRoutes registers the public guard routes.
func (h *GuardHandler) RegisterRoutes(router chi.Router) {
	router.Post("/check", h.Check)
	router.Post("/detect", h.Detect)
	router.Post("/validate", h.Validate)
	router.Post("/guard", h.Guard)
	router.Post("/events", h.RecordEvent)
}

// RegisterAdminRoutes registers the operator routes.
func (h *GuardHandler) RegisterAdminRoutes(router chi.Router) {
	router.Get("/events", h.ListEvents)
	router.Get("/alerts", h.ListAlerts)
	router.Post("/alerts/{alertID}/ack", h.AcknowledgeAlert)
	router.Delete("/ratelimit/{actorID}", h.ResetActor)
	router.Get("/ratelimit/{actorID}/{action}", h.InspectActor)
	router.Get("/export", h.Export)
	router.Get("/stats", h.Stats)
	router.Get("/integrity/status", h.IntegrityStatus)
	router.Post("/integrity/check", h.IntegrityCheck)
}

// Check runs rate-limit admission. Denied requests get 429 with Retry-After.
func (h *GuardHandler) Check(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if !h.decode(w, r, &req) {
		return
	}

	dec, err := h.guardService.Check(r.Context(), req.ActorID, req.Action)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to check rate limit")
		return
	}
	if !dec.Allowed {
		setRetryAfter(w, dec.RetryAfter)
		h.respondWithJSON(w, http.StatusTooManyRequests, Response{
			Success: false,
			Data:    dec,
			Error:   string(dec.Reason),
			Message: "Rate limit exceeded",
		})
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(dec, "Request allowed"))
}

func (h *GuardHandler) Detect(w http.ResponseWriter, r *http.Request) {
	var req service.DetectRequest
	if !h.decode(w, r, &req) {
		return
	}

	v, err := h.guardService.Detect(req)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to scan input")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(v, v.Recommendation))
}

func (h *GuardHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.guardService.Validate(req.ActorID, req.Input, req.Source)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to validate input")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(res, "Input validated"))
}

// Guard combines admission and field validation in one call. A rate-limited
// request answers 429; rejected fields answer 422.
func (h *GuardHandler) Guard(w http.ResponseWriter, r *http.Request) {
	var req service.GuardRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.guardService.Guard(r.Context(), req)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to guard request")
		return
	}
	switch {
	case !res.Decision.Allowed:
		setRetryAfter(w, res.Decision.RetryAfter)
		h.respondWithJSON(w, http.StatusTooManyRequests, Response{Data: res, Error: string(res.Decision.Reason), Message: "Rate limit exceeded"})
	case !res.Allowed:
		h.respondWithJSON(w, http.StatusUnprocessableEntity, Response{Data: res, Error: "input rejected", Message: "Request contains blocked input"})
	default:
		h.respondWithJSON(w, http.StatusOK, successResponse(res, "Request allowed"))
	}
}

func (h *GuardHandler) RecordEvent(w http.ResponseWriter, r *http.Request) {
	var req service.EventRequest
	if !h.decode(w, r, &req) {
		return
	}

	alert, err := h.guardService.RecordEvent(req)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to record event")
		return
	}
	h.respondWithJSON(w, http.StatusAccepted, successResponse(alert, "Event recorded"))
}

func (h *GuardHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	q, err := parseEventQuery(r)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid query")
		return
	}
	events := h.guardService.Events(q)
	resp := successResponse(events, "Events retrieved successfully")
	resp.Meta = &Meta{Total: len(events)}
	h.respondWithJSON(w, http.StatusOK, resp)
}

func (h *GuardHandler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	alerts := h.guardService.Alerts()
	if r.URL.Query().Get("unacknowledged") == "true" {
		open := alerts[:0]
		for _, a := range alerts {
			if !a.Acknowledged {
				open = append(open, a)
			}
		}
		alerts = open
	}
	resp := successResponse(alerts, "Alerts retrieved successfully")
	resp.Meta = &Meta{Total: len(alerts)}
	h.respondWithJSON(w, http.StatusOK, resp)
}

func (h *GuardHandler) AcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	alertID := chi.URLParam(r, "alertID")
	if err := h.guardService.AcknowledgeAlert(alertID, operator(r)); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to acknowledge alert")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Alert acknowledged"))
}

func (h *GuardHandler) ResetActor(w http.ResponseWriter, r *http.Request) {
	actorID := chi.URLParam(r, "actorID")
	if err := h.guardService.ResetActor(r.Context(), actorID, operator(r)); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to reset rate limits")
		return
	}
	h.logger.Info("Rate limits reset via HTTP", util.String("method", "ResetActor"))
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Rate limits reset"))
}

func (h *GuardHandler) InspectActor(w http.ResponseWriter, r *http.Request) {
	states, err := h.guardService.InspectActor(r.Context(), chi.URLParam(r, "actorID"), chi.URLParam(r, "action"))
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to inspect rate limits")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(states, "Rate limit state retrieved"))
}

// Export streams the snapshot document without the response envelope.
func (h *GuardHandler) Export(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="security-log-%s.json"`, time.Now().UTC().Format("20060102T150405Z")))
	if err := h.guardService.WriteSnapshot(w); err != nil {
		h.logger.Error("Failed to write snapshot", util.ErrorField(err))
	}
}

func (h *GuardHandler) Stats(w http.ResponseWriter, r *http.Request) {
	h.respondWithJSON(w, http.StatusOK, successResponse(h.guardService.Stats(), "Stats retrieved successfully"))
}

func (h *GuardHandler) IntegrityStatus(w http.ResponseWriter, r *http.Request) {
	h.respondWithJSON(w, http.StatusOK, successResponse(h.guardService.IntegrityStatus(), "Integrity status retrieved"))
}

func (h *GuardHandler) IntegrityCheck(w http.ResponseWriter, r *http.Request) {
	changes, err := h.guardService.IntegrityCheck(r.Context(), operator(r))
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to run integrity check")
		return
	}
	resp := successResponse(changes, "Integrity check completed")
	resp.Meta = &Meta{Total: len(changes)}
	h.respondWithJSON(w, http.StatusOK, resp)
}

// Helper Methods

func (h *GuardHandler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return false
	}
	return true
}

func (h *GuardHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

func (h *GuardHandler) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	h.logger.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("message", message),
	)
	h.respondWithJSON(w, statusCode, errorResponse(err, message))
}

// getStatusCode determines the appropriate HTTP status code for an error
func (h *GuardHandler) getStatusCode(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrUnknownCategory):
		return http.StatusBadRequest
	case errors.Is(err, eventlog.ErrAlertNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrIntegrityDisabled), errors.Is(err, integrity.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, service.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func setRetryAfter(w http.ResponseWriter, d time.Duration) {
	secs := int64((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
}

// operator names the caller of an admin route for the audit trail.
func operator(r *http.Request) string {
	if op := r.Header.Get("X-Operator"); op != "" {
		return op
	}
	return "unknown"
}

func parseEventQuery(r *http.Request) (eventlog.EventQuery, error) {
	v := r.URL.Query()
	q := eventlog.EventQuery{
		Category: models.EventCategory(v.Get("category")),
		ActorID:  v.Get("actor_id"),
	}
	if q.Category != "" && !q.Category.Valid() {
		return q, fmt.Errorf("unknown category %q", q.Category)
	}
	if s := v.Get("severity"); s != "" {
		q.Severity = models.Severity(s)
		if !q.Severity.Valid() {
			return q, fmt.Errorf("unknown severity %q", s)
		}
	}
	if s := v.Get("min_severity"); s != "" {
		q.MinSeverity = models.Severity(s)
		if !q.MinSeverity.Valid() {
			return q, fmt.Errorf("unknown severity %q", s)
		}
	}
	for key, dst := range map[string]*time.Time{"since": &q.Since, "until": &q.Until} {
		if s := v.Get(key); s != "" {
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				return q, fmt.Errorf("invalid %s: %w", key, err)
			}
			*dst = t
		}
	}
	if s := v.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return q, fmt.Errorf("invalid limit %q", s)
		}
		q.Limit = n
	}
	return q, nil
}
