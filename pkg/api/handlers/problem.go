// Package handlers provides the HTTP handlers for the cnabflow API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/marmos91/cnabflow/pkg/pipeline"
)

// Problem represents an RFC 7807 "problem details" response.
// https://tools.ietf.org/html/rfc7807
type Problem struct {
	// Type is a URI reference that identifies the problem type.
	// If not set, defaults to "about:blank".
	Type string `json:"type,omitempty"`

	// Title is a short, human-readable summary of the problem type.
	Title string `json:"title"`

	// Status is the HTTP status code for this occurrence of the problem.
	Status int `json:"status"`

	// Detail is a human-readable explanation specific to this occurrence.
	Detail string `json:"detail,omitempty"`
}

// ContentTypeProblemJSON is the Content-Type for RFC 7807 problem responses.
const ContentTypeProblemJSON = "application/problem+json"

// WriteProblem writes an RFC 7807 problem response.
func WriteProblem(w http.ResponseWriter, status int, title, detail string) {
	problem := &Problem{
		Type:   "about:blank",
		Title:  title,
		Status: status,
		Detail: detail,
	}

	w.Header().Set("Content-Type", ContentTypeProblemJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// Common problem helper functions for standard HTTP errors.

// BadRequest writes a 400 Bad Request problem response.
func BadRequest(w http.ResponseWriter, detail string) {
	WriteProblem(w, http.StatusBadRequest, "Bad Request", detail)
}

// NotFound writes a 404 Not Found problem response.
func NotFound(w http.ResponseWriter, detail string) {
	WriteProblem(w, http.StatusNotFound, "Not Found", detail)
}

// Conflict writes a 409 Conflict problem response.
func Conflict(w http.ResponseWriter, detail string) {
	WriteProblem(w, http.StatusConflict, "Conflict", detail)
}

// PayloadTooLarge writes a 413 Payload Too Large problem response.
func PayloadTooLarge(w http.ResponseWriter, detail string) {
	WriteProblem(w, http.StatusRequestEntityTooLarge, "Payload Too Large", detail)
}

// UnsupportedMediaType writes a 415 Unsupported Media Type problem response.
func UnsupportedMediaType(w http.ResponseWriter, detail string) {
	WriteProblem(w, http.StatusUnsupportedMediaType, "Unsupported Media Type", detail)
}

// UnprocessableEntity writes a 422 Unprocessable Entity problem response.
func UnprocessableEntity(w http.ResponseWriter, detail string) {
	WriteProblem(w, http.StatusUnprocessableEntity, "Unprocessable Entity", detail)
}

// InternalServerError writes a 500 Internal Server Error problem response.
func InternalServerError(w http.ResponseWriter, detail string) {
	WriteProblem(w, http.StatusInternalServerError, "Internal Server Error", detail)
}

// WritePipelineError maps a pipeline error kind to its HTTP status.
func WritePipelineError(w http.ResponseWriter, err error) {
	var pe *pipeline.Error
	if !errors.As(err, &pe) {
		InternalServerError(w, err.Error())
		return
	}

	switch pe.Kind {
	case pipeline.KindBadRequest:
		BadRequest(w, pe.Message)
	case pipeline.KindUnsupportedMedia:
		UnsupportedMediaType(w, pe.Message)
	case pipeline.KindPayloadTooLarge:
		PayloadTooLarge(w, pe.Message)
	case pipeline.KindDuplicate, pipeline.KindLockConflict:
		Conflict(w, pe.Message)
	case pipeline.KindUnprocessable:
		UnprocessableEntity(w, pe.Message)
	case pipeline.KindTransientStorage:
		WriteProblem(w, http.StatusServiceUnavailable, "Service Unavailable", pe.Message)
	default:
		InternalServerError(w, pe.Error())
	}
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteJSONOK writes a 200 OK JSON response.
func WriteJSONOK(w http.ResponseWriter, data any) {
	WriteJSON(w, http.StatusOK, data)
}

// WriteNoContent writes a 204 No Content response.
func WriteNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}
