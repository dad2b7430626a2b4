package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/opendsc/opendsc/internal/api"
	"github.com/opendsc/opendsc/pkg/logging"
)

// errorBody is the wire shape of every error response.
type errorBody struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debug("Server", "Failed to encode response: %v", err)
	}
}

// writeError maps the api error kinds onto HTTP statuses and the JSON error
// body.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	body := errorBody{Code: "internal", Message: "internal server error"}

	var validation *api.ValidationError
	switch {
	case errors.As(err, &validation):
		status = http.StatusBadRequest
		body.Code = "validation"
		body.Message = validation.Error()
		if validation.Field != "" {
			body.Details = map[string]string{"field": validation.Field}
		}
	case api.IsUnauthorized(err):
		status = http.StatusUnauthorized
		body.Code = "unauthorized"
		body.Message = err.Error()
	case api.IsForbidden(err):
		status = http.StatusForbidden
		body.Code = "forbidden"
		body.Message = err.Error()
	case api.IsNotFound(err):
		status = http.StatusNotFound
		body.Code = "not-found"
		body.Message = err.Error()
	case api.IsConflict(err):
		status = http.StatusConflict
		body.Code = "conflict"
		body.Message = err.Error()
	case api.IsArchived(err):
		status = http.StatusGone
		body.Code = "archived"
		body.Message = err.Error()
	case api.IsSemVerViolation(err):
		status = http.StatusUnprocessableEntity
		body.Code = "semver-violation"
		body.Message = err.Error()
	case api.IsTransientIO(err):
		status = http.StatusServiceUnavailable
		body.Code = "transient"
		body.Message = err.Error()
	case api.IsCancelled(err):
		// The client went away; the status is a formality.
		status = http.StatusServiceUnavailable
		body.Code = "cancelled"
		body.Message = err.Error()
	default:
		logging.Error("Server", err, "Unhandled error in request handler")
	}

	writeJSON(w, status, body)
}

// decodeJSON reads a bounded JSON request body into v. Unknown fields are
// tolerated so older CLIs keep working against newer servers.
func decodeJSON(r *http.Request, v interface{}) error {
	body := io.LimitReader(r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		return api.NewValidationError("request body is not valid JSON: %v", err)
	}
	return nil
}
