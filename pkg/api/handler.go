// Package api exposes the orchestrators and the prediction service over
// HTTP with gorilla/mux.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/psantana5/ml-orchestrator/pkg/logging"
	"github.com/psantana5/ml-orchestrator/pkg/metrics"
	"github.com/psantana5/ml-orchestrator/pkg/models"
	"github.com/psantana5/ml-orchestrator/pkg/prediction"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
	maxBodyBytes    = 32 << 20
)

// TrainingService is implemented by training.Orchestrator
type TrainingService interface {
	Submit(ctx context.Context, req *models.TrainingJobRequest) (string, error)
	GetStatus(ctx context.Context, id string) (*models.TrainingJob, error)
	List(ctx context.Context, filter models.JobFilter, skip, take int) ([]*models.TrainingJob, error)
	Cancel(ctx context.Context, id string) (bool, error)
	Delete(ctx context.Context, id string) error
}

// BatchService is implemented by batch.Orchestrator
type BatchService interface {
	Submit(ctx context.Context, req *models.BatchPredictionRequest) (string, error)
	GetStatus(ctx context.Context, id string) (*models.BatchPredictionJob, error)
	List(ctx context.Context, filter models.JobFilter, skip, take int) ([]*models.BatchPredictionJob, error)
	Cancel(ctx context.Context, id string) (bool, error)
	Delete(ctx context.Context, id string) error
}

// PredictionService is implemented by prediction.Service
type PredictionService interface {
	Predict(ctx context.Context, modelName, modelVersion string, instances []models.Record) (*prediction.Response, error)
}

// ModelCatalog lists registered versions; modelregistry.Registry implements it
type ModelCatalog interface {
	ListVersions(ctx context.Context, name string) ([]models.ModelMetadata, error)
}

// HealthCheck reports whether one dependency is usable
type HealthCheck func(ctx context.Context) error

// Options holds the optional parts of a Handler
type Options struct {
	Catalog ModelCatalog
	Checks  map[string]HealthCheck
	Logger  *logging.Logger
	Metrics *metrics.Collector

	// PredictMiddleware wraps only the predict route, e.g. a rate limiter
	PredictMiddleware func(http.Handler) http.Handler

	// HostStats adds CPU and memory usage to /health
	HostStats bool
}

// Handler serves the HTTP API
type Handler struct {
	training   TrainingService
	batch      BatchService
	prediction PredictionService
	opts       Options
	logger     *logging.Logger
	started    time.Time
}

// NewHandler creates the API handler
func NewHandler(tr TrainingService, b BatchService, p PredictionService, opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{
		training:   tr,
		batch:      b,
		prediction: p,
		opts:       opts,
		logger:     logger.WithField("component", "api"),
		started:    time.Now(),
	}
}

// RegisterRoutes registers all API routes
func (h *Handler) RegisterRoutes(r *mux.Router) {
	v1 := r.PathPrefix("/v1").Subrouter()

	v1.HandleFunc("/training-jobs", h.SubmitTrainingJob).Methods("POST")
	v1.HandleFunc("/training-jobs", h.ListTrainingJobs).Methods("GET")
	v1.HandleFunc("/training-jobs/{id}", h.GetTrainingJob).Methods("GET")
	v1.HandleFunc("/training-jobs/{id}", h.DeleteTrainingJob).Methods("DELETE")
	v1.HandleFunc("/training-jobs/{id}/cancel", h.CancelTrainingJob).Methods("POST")

	v1.HandleFunc("/batch-prediction-jobs", h.SubmitBatchJob).Methods("POST")
	v1.HandleFunc("/batch-prediction-jobs", h.ListBatchJobs).Methods("GET")
	v1.HandleFunc("/batch-prediction-jobs/{id}", h.GetBatchJob).Methods("GET")
	v1.HandleFunc("/batch-prediction-jobs/{id}", h.DeleteBatchJob).Methods("DELETE")
	v1.HandleFunc("/batch-prediction-jobs/{id}/cancel", h.CancelBatchJob).Methods("POST")

	var predict http.Handler = http.HandlerFunc(h.Predict)
	if h.opts.PredictMiddleware != nil {
		predict = h.opts.PredictMiddleware(predict)
	}
	v1.Handle("/models/{name}/predict", predict).Methods("POST")
	if h.opts.Catalog != nil {
		v1.HandleFunc("/models/{name}/versions", h.ListModelVersions).Methods("GET")
	}

	r.HandleFunc("/health", h.Health).Methods("GET")

	if h.opts.Metrics != nil {
		r.Use(h.opts.Metrics.Middleware(RouteName))
	}
}

// RouteName returns the mux path template so metrics do not explode on ids
func RouteName(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}

// SubmitTrainingJob handles POST /v1/training-jobs
func (h *Handler) SubmitTrainingJob(w http.ResponseWriter, r *http.Request) {
	var req models.TrainingJobRequest
	if !h.decode(w, r, &req) {
		return
	}
	id, err := h.training.Submit(r.Context(), &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.created(w, r, id, func(ctx context.Context) (interface{}, error) {
		return h.training.GetStatus(ctx, id)
	})
}

// ListTrainingJobs handles GET /v1/training-jobs
func (h *Handler) ListTrainingJobs(w http.ResponseWriter, r *http.Request) {
	filter, skip, take, err := listParams(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	jobs, err := h.training.List(r.Context(), filter, skip, take)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs, "count": len(jobs), "skip": skip, "take": take})
}

// GetTrainingJob handles GET /v1/training-jobs/{id}
func (h *Handler) GetTrainingJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.training.GetStatus(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// CancelTrainingJob handles POST /v1/training-jobs/{id}/cancel
func (h *Handler) CancelTrainingJob(w http.ResponseWriter, r *http.Request) {
	h.cancel(w, r, h.training.Cancel)
}

// DeleteTrainingJob handles DELETE /v1/training-jobs/{id}
func (h *Handler) DeleteTrainingJob(w http.ResponseWriter, r *http.Request) {
	if err := h.training.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SubmitBatchJob handles POST /v1/batch-prediction-jobs
func (h *Handler) SubmitBatchJob(w http.ResponseWriter, r *http.Request) {
	var req models.BatchPredictionRequest
	if !h.decode(w, r, &req) {
		return
	}
	id, err := h.batch.Submit(r.Context(), &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.created(w, r, id, func(ctx context.Context) (interface{}, error) {
		return h.batch.GetStatus(ctx, id)
	})
}

// ListBatchJobs handles GET /v1/batch-prediction-jobs
func (h *Handler) ListBatchJobs(w http.ResponseWriter, r *http.Request) {
	filter, skip, take, err := listParams(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	jobs, err := h.batch.List(r.Context(), filter, skip, take)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs, "count": len(jobs), "skip": skip, "take": take})
}

// GetBatchJob handles GET /v1/batch-prediction-jobs/{id}
func (h *Handler) GetBatchJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.batch.GetStatus(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// CancelBatchJob handles POST /v1/batch-prediction-jobs/{id}/cancel
func (h *Handler) CancelBatchJob(w http.ResponseWriter, r *http.Request) {
	h.cancel(w, r, h.batch.Cancel)
}

// DeleteBatchJob handles DELETE /v1/batch-prediction-jobs/{id}
func (h *Handler) DeleteBatchJob(w http.ResponseWriter, r *http.Request) {
	if err := h.batch.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PredictRequest is the body of POST /v1/models/{name}/predict
type PredictRequest struct {
	Version   string          `json:"version,omitempty"`
	Instances []models.Record `json:"instances"`
}

// Predict handles POST /v1/models/{name}/predict. The version may come from
// the body or the ?version= query parameter; the query wins.
func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	var req PredictRequest
	if !h.decode(w, r, &req) {
		return
	}
	version := req.Version
	if v := r.URL.Query().Get("version"); v != "" {
		version = v
	}
	resp, err := h.prediction.Predict(r.Context(), mux.Vars(r)["name"], version, req.Instances)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListModelVersions handles GET /v1/models/{name}/versions
func (h *Handler) ListModelVersions(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	versions, err := h.opts.Catalog.ListVersions(r.Context(), name)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"model": name, "versions": versions})
}

// Health handles GET /health. Any failing check turns the status to
// "degraded" and the code to 503.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	code := http.StatusOK
	checks := make(map[string]string, len(h.opts.Checks))
	for name, check := range h.opts.Checks {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	body := map[string]interface{}{
		"status":         status,
		"checks":         checks,
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
	}
	if h.opts.HostStats {
		body["host"] = metrics.ReadHostStats(0)
	}
	writeJSON(w, code, body)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request, cancel func(context.Context, string) (bool, error)) {
	id := mux.Vars(r)["id"]
	ok, err := cancel(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusConflict, map[string]interface{}{"id": id, "cancelled": false, "error": "job is not active"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "cancelled": true})
}

// created answers 201 with the freshly queued job; when the read fails the
// id alone is returned since the job exists either way
func (h *Handler) created(w http.ResponseWriter, r *http.Request, id string, get func(context.Context) (interface{}, error)) {
	w.Header().Set("Location", r.URL.Path+"/"+id)
	job, err := get(r.Context())
	if err != nil {
		writeJSON(w, http.StatusCreated, map[string]string{"id": id})
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return false
	}
	return true
}

// StatusCode maps the shared error kinds onto HTTP status codes
func StatusCode(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrUnsupported):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrTransientInfra):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := StatusCode(err)
	if code >= 500 {
		h.logger.Error("Request failed", map[string]interface{}{
			"method": r.Method,
			"path":   r.URL.Path,
			"error":  err.Error(),
		})
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func listParams(r *http.Request) (models.JobFilter, int, int, error) {
	q := r.URL.Query()
	filter := models.JobFilter{
		State:     models.JobState(q.Get("state")),
		ModelName: q.Get("model"),
	}
	skip, err := intParam(q.Get("skip"), 0)
	if err != nil {
		return filter, 0, 0, err
	}
	take, err := intParam(q.Get("take"), defaultPageSize)
	if err != nil {
		return filter, 0, 0, err
	}
	if skip < 0 || take < 1 {
		return filter, 0, 0, fmt.Errorf("%w: skip must be >= 0 and take >= 1", models.ErrInvalidArgument)
	}
	return filter, skip, min(take, maxPageSize), nil
}

func intParam(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not an integer", models.ErrInvalidArgument, s)
	}
	return n, nil
}
