package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"argus/core"
	"argus/execution"
)

const maxErrorMessageLength = 500

var (
	validate = validator.New()

	connStringPattern = regexp.MustCompile(`(?:nats|tls|redis|rediss|kafka|sqlite|file)://[^\s"']+`)
	credentialPattern = regexp.MustCompile(`(?i)(password|secret|token|api_key|apikey|credential)[:=]\s*["']?[^"'\s]+["']?`)
)

// sanitizeErrorMessage removes connection strings and credentials before an
// error reaches a client
func sanitizeErrorMessage(message string) string {
	message = connStringPattern.ReplaceAllString(message, "[CONNECTION]")
	message = credentialPattern.ReplaceAllString(message, "$1=[REDACTED]")
	if len(message) > maxErrorMessageLength {
		message = message[:maxErrorMessageLength-3] + "..."
	}
	return message
}

// errorResponse is the body of every non-2xx response
type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// writeError logs the full error and writes a sanitized JSON error to the client
func writeError(w http.ResponseWriter, r *http.Request, statusCode int, message string, err error, logger *zap.SugaredLogger) {
	requestID := RequestIDFromContext(r.Context())
	if logger != nil {
		fields := []interface{}{"status_code", statusCode, "path", r.URL.Path, "request_id", requestID}
		if err != nil {
			fields = append(fields, "error", err.Error())
		}
		if statusCode >= http.StatusInternalServerError {
			logger.Errorw(message, fields...)
		} else {
			logger.Debugw(message, fields...)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorResponse{
		Error:     sanitizeErrorMessage(message),
		RequestID: requestID,
	})
}

// statusForError maps the core error taxonomy onto HTTP status codes
func statusForError(err error) int {
	switch {
	case errors.Is(err, core.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrToolNotInstalled):
		return http.StatusUnprocessableEntity
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, execution.ErrOrchestratorClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError writes err with the status its kind maps to. Messages of
// internal errors are not echoed.
func (a *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusForError(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "Internal server error"
	}
	writeError(w, r, status, message, err, a.logger)
}

func (a *API) respondJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.logger.Errorw("Failed to encode JSON response",
			"error", err,
			"data_type", fmt.Sprintf("%T", data))
	}
}

// decodeAndValidate reads a JSON body into dst and runs struct validation.
// It writes the error response itself and reports whether the handler should
// continue.
func (a *API) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			writeError(w, r, http.StatusRequestEntityTooLarge, "Request body too large", err, a.logger)
		case errors.Is(err, io.EOF):
			writeError(w, r, http.StatusBadRequest, "Request body is empty", err, a.logger)
		default:
			writeError(w, r, http.StatusBadRequest, "Invalid request body: "+err.Error(), err, a.logger)
		}
		return false
	}
	if err := validate.Struct(dst); err != nil {
		writeError(w, r, http.StatusBadRequest, validationMessage(err), err, a.logger)
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return fmt.Sprintf("validation error: %s failed on %s", fe.Namespace(), fe.Tag())
	}
	return "validation error: " + err.Error()
}

// queryInt parses an optional non-negative integer query parameter
func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, core.NewValidationError(name, "must be a non-negative integer")
	}
	return n, nil
}

// queryBool parses an optional boolean query parameter
func queryBool(r *http.Request, name string) (bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, core.NewValidationError(name, "must be a boolean")
	}
	return b, nil
}
