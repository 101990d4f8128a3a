package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/marmos91/cnabflow/internal/logger"
	"github.com/marmos91/cnabflow/pkg/models"
	"github.com/marmos91/cnabflow/pkg/recovery"
	"github.com/marmos91/cnabflow/pkg/registry"
)

// AdminHandler serves the upload management endpoints: listing,
// inspection, manual resume and the destructive purge.
type AdminHandler struct {
	registry *registry.GORMRegistry
	recovery *recovery.Loop
}

// NewAdminHandler creates a new admin handler.
func NewAdminHandler(reg *registry.GORMRegistry, rec *recovery.Loop) *AdminHandler {
	return &AdminHandler{registry: reg, recovery: rec}
}

// UploadResponse is the wire projection of a FileUpload. It adds the
// derived progress percentage so clients do not have to compute it.
type UploadResponse struct {
	ID                    string     `json:"id"`
	FileName              string     `json:"file_name"`
	FileHash              string     `json:"file_hash"`
	FileSize              int64      `json:"file_size"`
	StoragePath           string     `json:"storage_path"`
	Status                string     `json:"status"`
	TotalLineCount        int        `json:"total_line_count"`
	ProcessedLineCount    int        `json:"processed_line_count"`
	FailedLineCount       int        `json:"failed_line_count"`
	SkippedLineCount      int        `json:"skipped_line_count"`
	LastCheckpointLine    int        `json:"last_checkpoint_line"`
	LastCheckpointAt      *time.Time `json:"last_checkpoint_at,omitempty"`
	ProgressPercentage    float64    `json:"progress_percentage"`
	RetryCount            int        `json:"retry_count"`
	ErrorMessage          string     `json:"error_message,omitempty"`
	UploadedAt            time.Time  `json:"uploaded_at"`
	ProcessingStartedAt   *time.Time `json:"processing_started_at,omitempty"`
	ProcessingCompletedAt *time.Time `json:"processing_completed_at,omitempty"`
}

func toUploadResponse(u *models.FileUpload) UploadResponse {
	return UploadResponse{
		ID:                    u.ID,
		FileName:              u.FileName,
		FileHash:              u.FileHash,
		FileSize:              u.FileSize,
		StoragePath:           u.StoragePath,
		Status:                string(u.Status),
		TotalLineCount:        u.TotalLineCount,
		ProcessedLineCount:    u.ProcessedLineCount,
		FailedLineCount:       u.FailedLineCount,
		SkippedLineCount:      u.SkippedLineCount,
		LastCheckpointLine:    u.LastCheckpointLine,
		LastCheckpointAt:      u.LastCheckpointAt,
		ProgressPercentage:    u.ProgressPercentage(),
		RetryCount:            u.RetryCount,
		ErrorMessage:          u.ErrorMessage,
		UploadedAt:            u.UploadedAt,
		ProcessingStartedAt:   u.ProcessingStartedAt,
		ProcessingCompletedAt: u.ProcessingCompletedAt,
	}
}

// uploadListResponse is a paginated page of uploads.
type uploadListResponse struct {
	Uploads  []UploadResponse `json:"uploads"`
	Total    int64            `json:"total"`
	Page     int              `json:"page"`
	PageSize int              `json:"page_size"`
}

// List handles GET /api/v1/uploads.
//
// Query parameters: page (default 1), page_size (default 20) and an
// optional status filter.
func (h *AdminHandler) List(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "page_size", 20)

	status := models.UploadStatus(r.URL.Query().Get("status"))
	if status != "" && !status.IsValid() {
		BadRequest(w, "unknown status filter: "+string(status))
		return
	}

	uploads, total, err := h.registry.List(r.Context(), page, pageSize, status)
	if err != nil {
		logger.Error("failed to list uploads", logger.KeyError, err)
		InternalServerError(w, "failed to list uploads")
		return
	}

	resp := uploadListResponse{
		Uploads:  make([]UploadResponse, 0, len(uploads)),
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	}
	for _, u := range uploads {
		resp.Uploads = append(resp.Uploads, toUploadResponse(u))
	}
	WriteJSONOK(w, resp)
}

// Get handles GET /api/v1/uploads/{id}.
func (h *AdminHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	upload, err := h.registry.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, models.ErrUploadNotFound) {
			NotFound(w, "upload not found: "+id)
			return
		}
		logger.Error("failed to load upload",
			logger.KeyUploadID, id,
			logger.KeyError, err)
		InternalServerError(w, "failed to load upload")
		return
	}
	WriteJSONOK(w, toUploadResponse(upload))
}

// incompleteResponse lists uploads without recent progress.
type incompleteResponse struct {
	Uploads        []UploadResponse `json:"uploads"`
	Count          int              `json:"count"`
	TimeoutMinutes int              `json:"timeout_minutes"`
}

// Incomplete handles GET /api/v1/uploads/incomplete.
//
// Returns non-terminal uploads whose last progress is older than
// timeout_minutes (default 30).
func (h *AdminHandler) Incomplete(w http.ResponseWriter, r *http.Request) {
	timeoutMinutes := queryInt(r, "timeout_minutes", 30)
	if timeoutMinutes < 1 {
		BadRequest(w, "timeout_minutes must be positive")
		return
	}

	stuck, err := h.registry.FindStuck(r.Context(), time.Duration(timeoutMinutes)*time.Minute)
	if err != nil {
		logger.Error("failed to scan for incomplete uploads", logger.KeyError, err)
		InternalServerError(w, "failed to scan for incomplete uploads")
		return
	}

	resp := incompleteResponse{
		Uploads:        make([]UploadResponse, 0, len(stuck)),
		Count:          len(stuck),
		TimeoutMinutes: timeoutMinutes,
	}
	for _, u := range stuck {
		resp.Uploads = append(resp.Uploads, toUploadResponse(u))
	}
	WriteJSONOK(w, resp)
}

// Resume handles POST /api/v1/uploads/{id}/resume.
//
// Re-enqueues one upload from its last checkpoint. Terminal uploads
// return 409, uploads without a stored blob 422.
func (h *AdminHandler) Resume(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	res, err := h.recovery.Resume(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrUploadNotFound):
			NotFound(w, "upload not found: "+id)
		case errors.Is(err, recovery.ErrUploadTerminal):
			Conflict(w, "upload already reached a terminal state")
		case errors.Is(err, recovery.ErrNoStoragePath):
			UnprocessableEntity(w, "upload has no stored file to reprocess")
		default:
			logger.Error("failed to resume upload",
				logger.KeyUploadID, id,
				logger.KeyError, err)
			InternalServerError(w, "failed to resume upload")
		}
		return
	}
	WriteJSONOK(w, res)
}

// resumeAllResponse reports one batch resume.
type resumeAllResponse struct {
	Results  []recovery.ItemResult `json:"results"`
	Requeued int                   `json:"requeued"`
}

// ResumeAll handles POST /api/v1/uploads/resume-all.
//
// Re-enqueues every stuck upload, using the same timeout_minutes
// parameter as the incomplete listing.
func (h *AdminHandler) ResumeAll(w http.ResponseWriter, r *http.Request) {
	timeoutMinutes := queryInt(r, "timeout_minutes", 30)
	if timeoutMinutes < 1 {
		BadRequest(w, "timeout_minutes must be positive")
		return
	}

	results, err := h.recovery.ResumeAll(r.Context(), time.Duration(timeoutMinutes)*time.Minute)
	if err != nil {
		logger.Error("failed to resume stuck uploads", logger.KeyError, err)
		InternalServerError(w, "failed to resume stuck uploads")
		return
	}

	resp := resumeAllResponse{Results: results}
	for _, res := range results {
		if res.Requeued {
			resp.Requeued++
		}
	}
	WriteJSONOK(w, resp)
}

// PurgeAll handles DELETE /api/v1/transactions.
//
// Cascade-deletes every transaction, line hash and upload row. Stored
// blobs are left in place.
func (h *AdminHandler) PurgeAll(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.PurgeAll(r.Context()); err != nil {
		logger.Error("failed to purge pipeline state", logger.KeyError, err)
		InternalServerError(w, "failed to purge pipeline state")
		return
	}
	logger.Info("pipeline state purged")
	WriteNoContent(w)
}

// queryInt parses an integer query parameter, falling back to def when
// absent or malformed.
func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
