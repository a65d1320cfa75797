package main

import (
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/veriflow-labs/veriflow-go/internal/domain"
	"github.com/veriflow-labs/veriflow-go/internal/execution/engine"
	"github.com/veriflow-labs/veriflow-go/internal/platform/auditlog"
	"github.com/veriflow-labs/veriflow-go/internal/repo"
)

type validationAPI struct {
	logger *slog.Logger
	db     *sql.DB
	engine *engine.Engine
	runs   repo.RunRepository
}

func newValidationAPI(logger *slog.Logger, db *sql.DB, eng *engine.Engine, runs repo.RunRepository) *validationAPI {
	return &validationAPI{
		logger: logger,
		db:     db,
		engine: eng,
		runs:   runs,
	}
}

func (api *validationAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /runs", api.handleLaunchRun)
	mux.HandleFunc("GET /runs", api.handleListRuns)
	mux.HandleFunc("GET /runs/{run_id}", api.handleGetRun)
	mux.HandleFunc("POST /runs/{run_id}/cancel", api.handleCancelRun)
}

type launchRunRequest struct {
	Workflow    string `json:"workflow"`
	ContentType string `json:"content_type,omitempty"`
	Payload     string `json:"payload"`
}

type runResponse struct {
	RunID           string     `json:"run_id"`
	WorkflowSlug    string     `json:"workflow_slug"`
	SubmissionID    string     `json:"submission_id"`
	Status          string     `json:"status"`
	ErrorCategory   string     `json:"error_category,omitempty"`
	CorrelationID   string     `json:"correlation_id"`
	CancelRequested bool       `json:"cancel_requested,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
}

type stepResponse struct {
	StepIndex     int        `json:"step_index"`
	ValidatorRef  string     `json:"validator"`
	Status        string     `json:"status"`
	ErrorCategory string     `json:"error_category,omitempty"`
	DispatchedAt  *time.Time `json:"dispatched_at,omitempty"`
	Deadline      *time.Time `json:"deadline,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

type findingResponse struct {
	Severity string `json:"severity"`
	Message  string `json:"message"`
	Path     string `json:"path,omitempty"`
	StepRef  string `json:"step_ref,omitempty"`
}

type runStateResponse struct {
	runResponse
	Steps    []stepResponse    `json:"steps"`
	Findings []findingResponse `json:"findings"`
}

func toRunResponse(run domain.ValidationRun) runResponse {
	return runResponse{
		RunID:           run.ID,
		WorkflowSlug:    run.WorkflowSlug,
		SubmissionID:    run.SubmissionID,
		Status:          string(run.Status),
		ErrorCategory:   string(run.ErrorCategory),
		CorrelationID:   run.CorrelationID,
		CancelRequested: run.CancelRequested,
		CreatedAt:       run.CreatedAt,
		StartedAt:       run.StartedAt,
		EndedAt:         run.EndedAt,
	}
}

func toRunStateResponse(state engine.RunState) runStateResponse {
	out := runStateResponse{
		runResponse: toRunResponse(state.Run),
		Steps:       make([]stepResponse, 0, len(state.Steps)),
		Findings:    make([]findingResponse, 0, len(state.Findings)),
	}
	for _, step := range state.Steps {
		out.Steps = append(out.Steps, stepResponse{
			StepIndex:     step.StepIndex,
			ValidatorRef:  step.ValidatorRef,
			Status:        string(step.Status),
			ErrorCategory: string(step.ErrorCategory),
			DispatchedAt:  step.DispatchedAt,
			Deadline:      step.Deadline,
			CompletedAt:   step.CompletedAt,
		})
	}
	for _, finding := range state.Findings {
		out.Findings = append(out.Findings, findingResponse{
			Severity: string(finding.Severity),
			Message:  finding.Message,
			Path:     finding.Path,
			StepRef:  finding.StepRef,
		})
	}
	return out
}

func (api *validationAPI) handleLaunchRun(w http.ResponseWriter, r *http.Request) {
	var req launchRunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	if strings.TrimSpace(req.Workflow) == "" {
		writeError(w, r, http.StatusBadRequest, "workflow_required")
		return
	}
	if strings.TrimSpace(req.Payload) == "" {
		writeError(w, r, http.StatusBadRequest, "payload_required")
		return
	}

	sub, err := domain.NewSubmission(uuid.NewString(), req.ContentType, []byte(req.Payload))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_payload")
		return
	}

	run, err := api.engine.LaunchRun(r.Context(), sub, []byte(req.Workflow))
	if err != nil {
		api.logger.Warn("launch rejected", "error", err, "request_id", r.Header.Get("X-Request-Id"))
		writeError(w, r, http.StatusBadRequest, "invalid_workflow")
		return
	}

	now := time.Now().UTC()
	_, err = auditlog.Insert(r.Context(), api.db, auditlog.Event{
		OccurredAt:    now,
		Actor:         requestActor(r),
		Action:        "validation_run.create",
		ResourceType:  "validation_run",
		ResourceID:    run.ID,
		RequestID:     r.Header.Get("X-Request-Id"),
		CorrelationID: run.CorrelationID,
		Payload: map[string]any{
			"service":        "validationd",
			"run_id":         run.ID,
			"workflow_slug":  run.WorkflowSlug,
			"submission_id":  run.SubmissionID,
			"correlation_id": run.CorrelationID,
			"status":         string(run.Status),
		},
	})
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "audit_failed")
		return
	}

	w.Header().Set("Location", "/runs/"+run.ID)
	writeJSON(w, http.StatusCreated, toRunResponse(run))
}

func (api *validationAPI) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if runID == "" {
		writeError(w, r, http.StatusBadRequest, "run_id_required")
		return
	}

	state, err := api.engine.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "not_found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, toRunStateResponse(state))
}

func (api *validationAPI) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := clampInt(parseIntQuery(r, "limit", 100), 1, 500)

	statusFilter := domain.NormalizeRunStatus(r.URL.Query().Get("status"))
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" && statusFilter == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_status")
		return
	}

	runs, err := api.runs.ListRuns(r.Context(), repo.RunFilter{
		WorkflowSlug: strings.TrimSpace(r.URL.Query().Get("workflow")),
		Status:       statusFilter,
		Limit:        limit,
	})
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	out := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		out = append(out, toRunResponse(run))
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

func (api *validationAPI) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if runID == "" {
		writeError(w, r, http.StatusBadRequest, "run_id_required")
		return
	}

	run, err := api.engine.Cancel(r.Context(), runID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "not_found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	now := time.Now().UTC()
	_, err = auditlog.Insert(r.Context(), api.db, auditlog.Event{
		OccurredAt:    now,
		Actor:         requestActor(r),
		Action:        "validation_run.cancel",
		ResourceType:  "validation_run",
		ResourceID:    run.ID,
		RequestID:     r.Header.Get("X-Request-Id"),
		CorrelationID: run.CorrelationID,
		Payload: map[string]any{
			"service":          "validationd",
			"run_id":           run.ID,
			"status":           string(run.Status),
			"cancel_requested": run.CancelRequested,
		},
	})
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "audit_failed")
		return
	}

	writeJSON(w, http.StatusAccepted, toRunResponse(run))
}

func requestActor(r *http.Request) string {
	if actor := strings.TrimSpace(r.Header.Get("X-Veriflow-Actor")); actor != "" {
		return actor
	}
	return "anonymous"
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 8<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("multiple JSON values")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
	})
}

func parseIntQuery(r *http.Request, key string, def int) int {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return parsed
}

func clampInt(v int, min int, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
