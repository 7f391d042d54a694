package httptransport

import (
	"encoding/json"
	"errors"
	"net/http"

	"media-jobs-service/internal/entity"
	"media-jobs-service/internal/registry"
	"media-jobs-service/internal/service"
)

type apiError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, apiError{Message: msg})
}

var codeStatus = map[entity.ErrorCode]int{
	entity.CodeValidation:       http.StatusBadRequest,
	entity.CodeAdmissionTimeout: http.StatusServiceUnavailable,
	entity.CodeAdapterNotReady:  http.StatusServiceUnavailable,
	entity.CodeDomain:           http.StatusUnprocessableEntity,
	entity.CodeInference:        http.StatusInternalServerError,
	entity.CodeTimeout:          http.StatusGatewayTimeout,
	entity.CodeCancelled:        http.StatusConflict,
	entity.CodeNotFound:         http.StatusNotFound,
}

// writeServiceErr maps service and domain errors onto HTTP statuses.
// Internal causes are only exposed for readiness errors, where the load
// error is what the operator needs to see.
func writeServiceErr(w http.ResponseWriter, err error) {
	var e *entity.Error
	switch {
	case errors.As(err, &e):
		status, ok := codeStatus[e.Code]
		if !ok {
			status = http.StatusInternalServerError
		}
		body := apiError{Message: e.Message, Code: string(e.Code)}
		if e.Code == entity.CodeAdapterNotReady && e.Err != nil {
			body.Details = e.Err.Error()
		}
		writeJSON(w, status, body)
	case errors.Is(err, registry.ErrNotFound):
		writeJSON(w, http.StatusNotFound, apiError{Message: "job not found", Code: string(entity.CodeNotFound)})
	case errors.Is(err, service.ErrArtifactMissing):
		writeJSON(w, http.StatusNotFound, apiError{Message: err.Error(), Code: string(entity.CodeNotFound)})
	case errors.Is(err, service.ErrNotCompleted):
		writeErr(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrJobProcessing), errors.Is(err, service.ErrJobFinished):
		writeErr(w, http.StatusConflict, err.Error())
	case errors.Is(err, service.ErrShuttingDown):
		writeErr(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeErr(w, http.StatusInternalServerError, "internal error")
	}
}
