package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/pkg/errors"

	"timetable-import/importer"
)

// ErrorEnvelope standardizes JSON error responses. Issues and CommittedRuns carry the
// structured detail a client needs to decide what to do next.
type ErrorEnvelope struct {
	Message       string            `json:"message"`
	Code          string            `json:"code"`
	Meta          map[string]string `json:"meta,omitempty"`
	Issues        *importer.Issues  `json:"issues,omitempty"`
	CommittedRuns *int64            `json:"committed_runs,omitempty"`
}

func WriteJSON(w http.ResponseWriter, status int, payload any) error {
	if w == nil {
		return nil
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return nil
	}
	return json.NewEncoder(w).Encode(payload)
}

func WriteError(w http.ResponseWriter, status int, code, message string, meta map[string]string) error {
	return WriteJSON(w, status, &ErrorEnvelope{
		Code:    code,
		Message: message,
		Meta:    meta,
	})
}

// engineError maps importer errors onto status codes.
func engineError(err error) (int, *ErrorEnvelope) {
	env := &ErrorEnvelope{Message: err.Error()}
	var (
		blocked *importer.ValidationBlockedError
		guard   *importer.HasCommittedDataError
		notRb   *importer.NotRollbackableError
		rowErr  *importer.RowError
		txErr   *importer.TransactionError
	)
	switch {
	case errors.As(err, &blocked):
		env.Code = "validation_blocked"
		env.Issues = &blocked.Issues
		return http.StatusBadRequest, env
	case errors.As(err, &guard):
		env.Code = "has_committed_data"
		env.CommittedRuns = &guard.CommittedRuns
		return http.StatusConflict, env
	case errors.As(err, &notRb):
		env.Code = "not_rollbackable"
		env.Meta = map[string]string{"status": string(notRb.Status)}
		return http.StatusConflict, env
	case errors.As(err, &rowErr):
		env.Code = "row_error"
		env.Meta = map[string]string{
			"row_id": strconv.FormatUint(uint64(rowErr.RowID), 10),
			"line":   strconv.Itoa(rowErr.Line),
		}
		return http.StatusUnprocessableEntity, env
	case errors.Is(err, importer.ErrNotFound):
		env.Code = "not_found"
		return http.StatusNotFound, env
	case errors.Is(err, importer.ErrBatchNotStaged):
		env.Code = "batch_not_staged"
		return http.StatusConflict, env
	case errors.Is(err, importer.ErrBatchNotCommittable):
		env.Code = "batch_not_committable"
		return http.StatusConflict, env
	case errors.Is(err, importer.ErrDuplicateUpload):
		env.Code = "duplicate_upload"
		return http.StatusConflict, env
	case errors.Is(err, importer.ErrEmptyUpload):
		env.Code = "empty_upload"
		return http.StatusBadRequest, env
	case errors.As(err, &txErr):
		env.Code = "transaction_failed"
		return http.StatusInternalServerError, env
	default:
		env.Code = "internal"
		return http.StatusInternalServerError, env
	}
}
