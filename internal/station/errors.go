package station

import (
	"errors"
	"net/http"

	"rollcall/internal/attendance"
	"rollcall/internal/capture"
	"rollcall/internal/session"
)

type errorCode struct {
	err    error
	code   string
	status int
}

// errorCodes is checked in order after validation errors; session errors wrap
// camera errors, so they come first.
var errorCodes = []errorCode{
	{session.ErrBusy, "busy", http.StatusConflict},
	{session.ErrInvalidState, "invalid_state", http.StatusConflict},
	{session.ErrCaptureFailed, "capture_failed", http.StatusConflict},
	{session.ErrRosterUnavailable, "roster_unavailable", http.StatusBadGateway},
	{session.ErrReconciliationFailed, "reconciliation_failed", http.StatusBadGateway},
	{session.ErrSubmissionFailed, "submission_failed", http.StatusBadGateway},
	{capture.ErrPermissionDenied, "camera_permission_denied", http.StatusForbidden},
	{capture.ErrNotFound, "camera_not_found", http.StatusNotFound},
	{capture.ErrUnsupported, "camera_unsupported", http.StatusUnprocessableEntity},
	{capture.ErrTimeout, "camera_timeout", http.StatusGatewayTimeout},
	{capture.ErrAborted, "camera_aborted", http.StatusConflict},
}

// classify maps err to a stable code and HTTP status. A batch the api rejects
// as invalid stays a validation error even though the session wraps it.
func classify(err error) (string, int) {
	if attendance.IsValidation(err) {
		return "validation_error", http.StatusBadRequest
	}
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code, ec.status
		}
	}
	return "internal", http.StatusInternalServerError
}
