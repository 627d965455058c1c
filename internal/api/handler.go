package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/djlord-it/contentguard/internal/domain"
	"github.com/djlord-it/contentguard/internal/engine"
	"github.com/djlord-it/contentguard/internal/notify"
	"github.com/djlord-it/contentguard/internal/region"
	"github.com/djlord-it/contentguard/internal/scheduler"
	"github.com/djlord-it/contentguard/internal/store"
	"github.com/djlord-it/contentguard/internal/takedown"
)

// Batch size defaults and limits for the admin endpoints.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Engine is the facade the HTTP surface drives.
type Engine interface {
	ScheduleScan(ctx context.Context, req domain.ScanRequest, tier domain.Tier) (string, error)
	GetJobStatus(ctx context.Context, id string) (domain.JobSnapshot, error)
	CancelJob(ctx context.Context, id string) (bool, error)

	CreateSchedule(ctx context.Context, t domain.Trigger) (domain.Trigger, error)
	GetSchedule(ctx context.Context, id string) (domain.Trigger, error)
	PauseSchedule(ctx context.Context, id string) (domain.Trigger, error)
	ResumeSchedule(ctx context.Context, id string) (domain.Trigger, error)
	CancelSchedule(ctx context.Context, id string) (domain.Trigger, error)

	GetTakedownStatus(ctx context.Context, id string) (domain.TakedownSnapshot, error)
	RecordTakedownResponse(ctx context.Context, id string, status domain.TakedownStatus, note string) (domain.TakedownSnapshot, error)

	ProcessTakedownBatch(ctx context.Context, n int) (takedown.BatchResult, error)
	ProcessNotificationBatch(ctx context.Context, n int) (notify.BatchResult, error)
	RunMaintenance(ctx context.Context) (engine.MaintenanceResult, error)
	ReactivateRegion(id domain.RegionID) error
	Regions() []domain.Region
}

// HealthChecker provides backend health status for the /health endpoint.
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

type Handler struct {
	engine Engine
	health map[string]HealthChecker
	router chi.Router
}

func NewHandler(e Engine) *Handler {
	h := &Handler{engine: e, health: make(map[string]HealthChecker)}
	h.router = h.routes()
	return h
}

// WithHealthChecker adds a named backend to verbose /health responses.
func (h *Handler) WithHealthChecker(name string, c HealthChecker) *Handler {
	h.health[name] = c
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/health", h.healthCheck)

	r.Post("/scans", h.scheduleScan)
	r.Route("/jobs/{id}", func(r chi.Router) {
		r.Get("/", h.getJob)
		r.Delete("/", h.cancelJob)
	})

	r.Post("/schedules", h.createSchedule)
	r.Route("/schedules/{id}", func(r chi.Router) {
		r.Get("/", h.getSchedule)
		r.Delete("/", h.cancelSchedule)
		r.Post("/pause", h.pauseSchedule)
		r.Post("/resume", h.resumeSchedule)
	})

	r.Route("/takedowns/{id}", func(r chi.Router) {
		r.Get("/", h.getTakedown)
		r.Post("/response", h.recordResponse)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Post("/takedowns/process", h.processTakedowns)
		r.Post("/notifications/process", h.processNotifications)
		r.Post("/maintenance", h.runMaintenance)
		r.Get("/regions", h.listRegions)
		r.Post("/regions/{id}/reactivate", h.reactivateRegion)
	})
	return r
}

// HealthResponse represents the /health endpoint response.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	verbose := r.URL.Query().Get("verbose") == "true"
	if !verbose || len(h.health) == 0 {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	resp := HealthResponse{Status: "ok", Components: make(map[string]string, len(h.health))}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	for name, c := range h.health {
		if err := c.PingContext(ctx); err != nil {
			resp.Status = "degraded"
			resp.Components[name] = "unhealthy: " + err.Error()
		} else {
			resp.Components[name] = "healthy"
		}
	}

	statusCode := http.StatusOK
	if resp.Status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, resp)
}

func (h *Handler) scheduleScan(w http.ResponseWriter, r *http.Request) {
	var req ScanRequest
	if !decodeBody(w, r, &req) {
		return
	}
	scan, tier, err := parseScanRequest(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	jobID, err := h.engine.ScheduleScan(r.Context(), scan, tier)
	if err != nil {
		writeEngineError(w, "schedule scan", err)
		return
	}
	writeJSON(w, http.StatusAccepted, ScanResponse{JobID: jobID, State: string(domain.JobStatePending)})
}

func (h *Handler) getJob(w http.ResponseWriter, r *http.Request) {
	snap, err := h.engine.GetJobStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, "get job", err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) cancelJob(w http.ResponseWriter, r *http.Request) {
	cancelled, err := h.engine.CancelJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, "cancel job", err)
		return
	}
	writeJSON(w, http.StatusOK, CancelResponse{Cancelled: cancelled})
}

func (h *Handler) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req CreateScheduleRequest
	if !decodeBody(w, r, &req) {
		return
	}
	trigger, err := parseCreateSchedule(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	created, err := h.engine.CreateSchedule(r.Context(), trigger)
	if err != nil {
		writeEngineError(w, "create schedule", err)
		return
	}
	writeJSON(w, http.StatusCreated, scheduleResponse(created))
}

func (h *Handler) getSchedule(w http.ResponseWriter, r *http.Request) {
	h.scheduleOp(w, r, "get schedule", h.engine.GetSchedule)
}

func (h *Handler) pauseSchedule(w http.ResponseWriter, r *http.Request) {
	h.scheduleOp(w, r, "pause schedule", h.engine.PauseSchedule)
}

func (h *Handler) resumeSchedule(w http.ResponseWriter, r *http.Request) {
	h.scheduleOp(w, r, "resume schedule", h.engine.ResumeSchedule)
}

func (h *Handler) cancelSchedule(w http.ResponseWriter, r *http.Request) {
	h.scheduleOp(w, r, "cancel schedule", h.engine.CancelSchedule)
}

func (h *Handler) scheduleOp(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context, string) (domain.Trigger, error)) {
	t, err := fn(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, op, err)
		return
	}
	writeJSON(w, http.StatusOK, scheduleResponse(t))
}

func (h *Handler) getTakedown(w http.ResponseWriter, r *http.Request) {
	snap, err := h.engine.GetTakedownStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, "get takedown", err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) recordResponse(w http.ResponseWriter, r *http.Request) {
	var req TakedownResponseRequest
	if !decodeBody(w, r, &req) {
		return
	}
	status, err := domain.ParseTakedownStatus(req.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	snap, err := h.engine.RecordTakedownResponse(r.Context(), chi.URLParam(r, "id"), status, req.Note)
	if err != nil {
		writeEngineError(w, "record takedown response", err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) processTakedowns(w http.ResponseWriter, r *http.Request) {
	n, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := h.engine.ProcessTakedownBatch(r.Context(), n)
	if err != nil {
		writeEngineError(w, "process takedowns", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) processNotifications(w http.ResponseWriter, r *http.Request) {
	n, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := h.engine.ProcessNotificationBatch(r.Context(), n)
	if err != nil {
		writeEngineError(w, "process notifications", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) runMaintenance(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.RunMaintenance(r.Context())
	if err != nil {
		writeEngineError(w, "maintenance", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) listRegions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Regions())
}

func (h *Handler) reactivateRegion(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.ReactivateRegion(domain.RegionID(chi.URLParam(r, "id"))); err != nil {
		writeEngineError(w, "reactivate region", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func scheduleResponse(t domain.Trigger) ScheduleResponse {
	resp := ScheduleResponse{
		ID:         t.ID,
		Name:       t.Name,
		State:      string(t.State),
		Kind:       string(t.Schedule.Kind),
		JobKind:    string(t.Template.Kind),
		SubjectID:  t.Template.SubjectID,
		NextFireAt: formatTime(t.NextFireAt),
		LastJobID:  t.LastJobID,
		FireCount:  t.FireCount,
		CreatedAt:  formatTime(t.CreatedAt),
	}
	if t.LastFiredAt != nil {
		s := formatTime(*t.LastFiredAt)
		resp.LastFiredAt = &s
	}
	return resp
}

// maxRequestBodySize is the maximum allowed request body size (1MB).
const maxRequestBodySize = 1 << 20

// decodeBody writes the error response itself and reports whether decoding
// succeeded.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

// writeEngineError maps the error taxonomy and package sentinels onto HTTP
// status codes. Unexpected errors are logged and hidden behind a 500.
func writeEngineError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, region.ErrUnknownRegion):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, scheduler.ErrInvalidTrigger):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, scheduler.ErrTriggerState), errors.Is(err, takedown.ErrTransitionDenied):
		writeError(w, http.StatusConflict, err.Error())
	default:
		var de *domain.Error
		if errors.As(err, &de) {
			switch de.Kind {
			case domain.KindValidation:
				writeError(w, http.StatusBadRequest, err.Error())
				return
			case domain.KindResourceExhausted:
				writeError(w, http.StatusServiceUnavailable, err.Error())
				return
			}
		}
		log.Printf("api: %s error: %v", op, err)
		writeError(w, http.StatusInternalServerError, op+" failed")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: json encode error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// parseLimit reads the batch size from ?limit=, defaulting to DefaultLimit.
func parseLimit(r *http.Request) (int, error) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return DefaultLimit, nil
	}
	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		return 0, err
	}
	if limit < 0 {
		return 0, strconv.ErrRange
	}
	if limit > MaxLimit {
		return 0, &limitExceededError{max: MaxLimit}
	}
	if limit == 0 {
		limit = DefaultLimit
	}
	return limit, nil
}

type limitExceededError struct {
	max int
}

func (e *limitExceededError) Error() string {
	return "limit exceeds maximum of " + strconv.Itoa(e.max)
}
