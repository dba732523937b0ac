/**
 * @description
 * This file contains the HTTP handlers for the payroll-service's API
 * endpoints. Handlers are responsible for parsing incoming requests, calling
 * the appropriate methods on the application service, and writing the HTTP
 * response. They act as the bridge between the web layer and the business
 * logic layer.
 *
 * @dependencies
 * - encoding/json, errors, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/forgepay/payroll-service/internal/app"
	"github.com/forgepay/payroll-service/internal/domain"
	"github.com/forgepay/payroll-service/internal/store"
)

// PayrollHandlers holds the application service that handlers will use.
type PayrollHandlers struct {
	service *app.Service
	logger  *slog.Logger
}

// NewPayrollHandlers creates the handler set.
func NewPayrollHandlers(service *app.Service, logger *slog.Logger) *PayrollHandlers {
	return &PayrollHandlers{service: service, logger: logger}
}

// runResponse is the run detail DTO, pairing the run with its aggregated
// payout counts so clients see progress in one round trip.
type runResponse struct {
	Run    *domain.PayrollRun `json:"run"`
	Counts *domain.RunCounts  `json:"counts,omitempty"`
}

// acceptedResponse acknowledges an asynchronous operation.
type acceptedResponse struct {
	RunID   string `json:"run_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// PreviewHandler computes a distribution preview without persisting
// anything.
func (h *PayrollHandlers) PreviewHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.PreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	preview, err := h.service.Preview(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, preview)
}

// CreateRunHandler materializes an accepted preview into a run.
func (h *PayrollHandlers) CreateRunHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	run, err := h.service.CreateRun(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, runResponse{Run: run})
}

// ExecuteRunHandler enqueues a run for settlement.
func (h *PayrollHandlers) ExecuteRunHandler(w http.ResponseWriter, r *http.Request) {
	runID, ok := h.runIDFromRequest(w, r)
	if !ok {
		return
	}

	requestedBy := r.Header.Get("X-Requested-By")
	if err := h.service.Execute(r.Context(), runID, requestedBy); err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, acceptedResponse{
		RunID:   runID.String(),
		Status:  "accepted",
		Message: "run execution enqueued",
	})
}

// CancelRunHandler flags a run so no further payouts are claimed.
func (h *PayrollHandlers) CancelRunHandler(w http.ResponseWriter, r *http.Request) {
	runID, ok := h.runIDFromRequest(w, r)
	if !ok {
		return
	}

	if err := h.service.CancelRun(r.Context(), runID); err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, acceptedResponse{
		RunID:   runID.String(),
		Status:  "accepted",
		Message: "cancellation requested; submitted payouts still settle",
	})
}

// ListRunsHandler pages through runs, newest first.
func (h *PayrollHandlers) ListRunsHandler(w http.ResponseWriter, r *http.Request) {
	opts := domain.RunListOptions{
		Limit:  parseIntQuery(r, "limit", 20),
		Offset: parseIntQuery(r, "offset", 0),
		Status: r.URL.Query().Get("status"),
		Repo:   r.URL.Query().Get("repo"),
	}

	runs, err := h.service.ListRuns(r.Context(), opts)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

// GetRunHandler returns one run with its payout counts.
func (h *PayrollHandlers) GetRunHandler(w http.ResponseWriter, r *http.Request) {
	runID, ok := h.runIDFromRequest(w, r)
	if !ok {
		return
	}

	run, counts, err := h.service.GetRun(r.Context(), runID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, runResponse{Run: run, Counts: counts})
}

// ListPayoutsHandler returns the payout rows of a run, failed ones included
// with their reason codes so a caller can retry exactly what failed.
func (h *PayrollHandlers) ListPayoutsHandler(w http.ResponseWriter, r *http.Request) {
	runID, ok := h.runIDFromRequest(w, r)
	if !ok {
		return
	}

	payouts, err := h.service.ListPayouts(r.Context(), runID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"payouts": payouts})
}

// ListArtifactsHandler returns the content-addressed artifacts of a run.
func (h *PayrollHandlers) ListArtifactsHandler(w http.ResponseWriter, r *http.Request) {
	runID, ok := h.runIDFromRequest(w, r)
	if !ok {
		return
	}

	artifacts, err := h.service.ListArtifacts(r.Context(), runID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"artifacts": artifacts})
}

// UpsertContributorHandler registers or updates a contributor's settlement
// account.
func (h *PayrollHandlers) UpsertContributorHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.UpsertContributorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	contributor, err := h.service.UpsertContributor(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, contributor)
}

// ListContributorsHandler returns the full contributor registry.
func (h *PayrollHandlers) ListContributorsHandler(w http.ResponseWriter, r *http.Request) {
	contributors, err := h.service.ListContributors(r.Context())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"contributors": contributors})
}

// runIDFromRequest parses the {runID} path parameter, writing a 400 on
// malformed input.
func (h *PayrollHandlers) runIDFromRequest(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	runID, err := uuid.Parse(chi.URLParam(r, "runID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid run id")
		return uuid.Nil, false
	}
	return runID, true
}

// writeServiceError maps the service's error taxonomy to HTTP statuses.
func (h *PayrollHandlers) writeServiceError(w http.ResponseWriter, err error) {
	var inputErr *domain.InputError
	if errors.As(err, &inputErr) {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": inputErr.Message,
			"code":  inputErr.Code,
		})
		return
	}

	var degradedErr *domain.DataSourceDegradedError
	if errors.As(err, &degradedErr) {
		h.logger.Warn("upstream data source degraded", "source", degradedErr.Source, "error", degradedErr.Err)
		h.writeJSON(w, http.StatusBadGateway, map[string]string{
			"error":  "an upstream data source is unavailable; the preview was not computed",
			"source": degradedErr.Source,
		})
		return
	}

	var consistencyErr *domain.ConsistencyError
	if errors.As(err, &consistencyErr) {
		h.logger.Error("consistency violation", "run_id", consistencyErr.RunID, "message", consistencyErr.Message)
		h.writeJSON(w, http.StatusConflict, map[string]string{
			"error": consistencyErr.Message,
			"code":  "consistency_violation",
		})
		return
	}

	switch {
	case errors.Is(err, store.ErrRunNotFound):
		h.writeError(w, http.StatusNotFound, "run not found")
	case errors.Is(err, store.ErrContributorNotFound):
		h.writeError(w, http.StatusNotFound, "contributor not found")
	case errors.Is(err, store.ErrDuplicateRunPayouts):
		h.writeError(w, http.StatusConflict, "a run with these payouts already exists")
	case errors.Is(err, app.ErrRunLocked):
		h.writeError(w, http.StatusConflict, "run is currently executing")
	default:
		h.logger.Error("request failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// writeJSON is a helper for writing JSON responses.
func (h *PayrollHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *PayrollHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

func parseIntQuery(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}
