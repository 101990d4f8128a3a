package handlers

import (
	"mime"
	"net/http"

	"github.com/marmos91/cnabflow/internal/logger"
	"github.com/marmos91/cnabflow/pkg/ingest"
)

// UploadHandler accepts CNAB file uploads and hands them to the
// ingestion front.
type UploadHandler struct {
	front *ingest.Front
}

// NewUploadHandler creates a new upload handler.
func NewUploadHandler(front *ingest.Front) *UploadHandler {
	return &UploadHandler{front: front}
}

// uploadAcceptedResponse is returned when the file was queued for
// background processing.
type uploadAcceptedResponse struct {
	Message  string `json:"message"`
	Status   string `json:"status"`
	UploadID string `json:"upload_id"`
}

// uploadCompletedResponse is returned when the file was processed
// inline before the response was written.
type uploadCompletedResponse struct {
	Message          string `json:"message"`
	Status           string `json:"status"`
	UploadID         string `json:"upload_id"`
	TransactionCount int    `json:"transaction_count"`
}

// uploadDuplicateResponse is returned when the file content was already
// ingested.
type uploadDuplicateResponse struct {
	Message  string `json:"message"`
	UploadID string `json:"upload_id"`
	Status   string `json:"status"`
}

// Upload handles POST /api/v1/cnab/upload.
//
// The request must be multipart/form-data with the file under the
// "file" field. The response status depends on the intake outcome:
// 202 when queued, 200 when processed inline, 409 for a duplicate.
func (h *UploadHandler) Upload(w http.ResponseWriter, r *http.Request) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/form-data" {
		UnsupportedMediaType(w, "request must be multipart/form-data")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		BadRequest(w, "missing form field 'file'")
		return
	}
	defer file.Close()

	result, err := h.front.Ingest(r.Context(), header.Filename, file)
	if err != nil {
		logger.Warn("upload rejected",
			logger.KeyFileName, header.Filename,
			logger.KeyError, err)
		WritePipelineError(w, err)
		return
	}

	switch result.Outcome {
	case ingest.OutcomeDuplicate:
		WriteJSON(w, http.StatusConflict, uploadDuplicateResponse{
			Message:  "File has already been uploaded",
			UploadID: result.Upload.ID,
			Status:   string(result.Upload.Status),
		})
	case ingest.OutcomeCompleted:
		WriteJSONOK(w, uploadCompletedResponse{
			Message:          "File processed successfully",
			Status:           string(result.Upload.Status),
			UploadID:         result.Upload.ID,
			TransactionCount: result.TransactionCount,
		})
	default:
		WriteJSON(w, http.StatusAccepted, uploadAcceptedResponse{
			Message:  "File accepted and queued for background processing",
			Status:   "processing",
			UploadID: result.Upload.ID,
		})
	}
}
