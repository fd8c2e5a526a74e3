package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/loomworks/deepresearch/internal/engine"
	"github.com/loomworks/deepresearch/internal/models"
	"github.com/loomworks/deepresearch/internal/tasks"
)

// ResearchHandler serves the research REST endpoints.
type ResearchHandler struct {
	manager *tasks.Manager
	logger  *zap.Logger
}

// NewResearchHandler constructs a new handler.
func NewResearchHandler(manager *tasks.Manager, logger *zap.Logger) *ResearchHandler {
	return &ResearchHandler{manager: manager, logger: logger}
}

// RegisterRoutes registers research endpoints on the given mux.
func (h *ResearchHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/research", h.handleResearch)
	mux.HandleFunc("/api/v1/research/async", h.handleResearchAsync)
	mux.HandleFunc("/api/v1/research/status/", h.handleStatus)
	mux.HandleFunc("/api/v1/research/cancel/", h.handleCancel)
}

type researchRequest struct {
	Query         string `json:"query"`
	Depth         string `json:"depth,omitempty"`
	MaxIterations int    `json:"max_iterations,omitempty"`
	Provider      string `json:"provider,omitempty"`
	Model         string `json:"model,omitempty"`
}

func (r *researchRequest) validate() error {
	if strings.TrimSpace(r.Query) == "" {
		return errors.New("query is required")
	}
	if r.MaxIterations < 0 {
		return errors.New("max_iterations must be positive")
	}
	return nil
}

func (r *researchRequest) toStart() tasks.StartRequest {
	return tasks.StartRequest{
		Query:         strings.TrimSpace(r.Query),
		Depth:         r.Depth,
		MaxIterations: r.MaxIterations,
		Provider:      r.Provider,
		Model:         r.Model,
	}
}

type researchResponse struct {
	SessionID  string            `json:"session_id"`
	Report     string            `json:"report"`
	Citations  []models.Citation `json:"citations"`
	Iterations int               `json:"iterations"`
	Complete   bool              `json:"is_complete"`
}

// handleResearch runs a session synchronously and returns the final report.
// POST /api/v1/research
func (h *ResearchHandler) handleResearch(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeRequest(w, r)
	if !ok {
		return
	}

	sess, err := h.manager.RunSync(r.Context(), req.toStart())
	if errors.Is(err, engine.ErrCancelled) {
		// A cancelled run is a distinct outcome, not a failure.
		writeJSON(w, http.StatusOK, map[string]string{
			"session_id": sess.ID,
			"status":     string(models.TaskStatusCancelled),
		})
		return
	}
	if err != nil {
		h.logger.Warn("Research run failed",
			zap.String("session_id", sess.ID),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "research failed")
		return
	}

	resp := researchResponse{
		SessionID:  sess.ID,
		Iterations: sess.IterationCount,
		Complete:   sess.IsComplete,
	}
	if sess.Synthesis != nil {
		resp.Report = sess.Synthesis.Report
		resp.Citations = sess.Synthesis.Citations
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleResearchAsync schedules a detached run and returns the task id
// immediately. POST /api/v1/research/async
func (h *ResearchHandler) handleResearchAsync(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeRequest(w, r)
	if !ok {
		return
	}

	taskID, sessionID, err := h.manager.Start(r.Context(), req.toStart())
	if err != nil {
		h.logger.Error("Failed to schedule task", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to schedule task")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"task_id":    taskID,
		"session_id": sessionID,
		"status":     string(models.TaskStatusPending),
	})
}

// handleStatus returns the durable record for a task.
// GET /api/v1/research/status/{task_id}
func (h *ResearchHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	taskID := strings.TrimPrefix(r.URL.Path, "/api/v1/research/status/")
	if taskID == "" || strings.Contains(taskID, "/") {
		writeError(w, http.StatusBadRequest, "task_id required")
		return
	}

	rec, err := h.manager.GetStatus(r.Context(), taskID)
	if errors.Is(err, tasks.ErrTaskNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	} else if err != nil {
		h.logger.Error("Status read failed", zap.String("task_id", taskID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "status unavailable")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleCancel requests cancellation of a running session.
// POST /api/v1/research/cancel/{session_id}
func (h *ResearchHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	sessionID := strings.TrimPrefix(r.URL.Path, "/api/v1/research/cancel/")
	if sessionID == "" || strings.Contains(sessionID, "/") {
		writeError(w, http.StatusBadRequest, "session_id required")
		return
	}

	result := h.manager.Cancel(sessionID)
	status := http.StatusOK
	if result == tasks.CancelNotFound {
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]string{
		"session_id": sessionID,
		"result":     string(result),
	})
}

func (h *ResearchHandler) decodeRequest(w http.ResponseWriter, r *http.Request) (researchRequest, bool) {
	var req researchRequest
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return req, false
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return req, false
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return req, false
	}
	return req, true
}

// writeJSON writes a JSON response with status and content-type.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
