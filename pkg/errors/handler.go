package errors

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// ErrorResponse is the error body shared by REST responses and websocket
// error frames
type ErrorResponse struct {
	Type      string                 `json:"type"`
	Message   string                 `json:"message"`
	Code      string                 `json:"code,omitempty"`
	Retryable bool                   `json:"retryable,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

// Describe maps any error to a status and a client-safe body. Errors outside
// the taxonomy are reported as INTERNAL without their text.
func Describe(err error) (int, ErrorResponse) {
	appErr := GetAppError(err)
	if appErr == nil {
		return http.StatusInternalServerError, ErrorResponse{
			Type:    string(ErrorTypeInternal),
			Message: "An internal error occurred",
		}
	}
	status := appErr.HTTPStatus
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return status, ErrorResponse{
		Type:      string(appErr.Type),
		Message:   appErr.Message,
		Code:      appErr.Code,
		Retryable: appErr.Retryable(),
		Details:   appErr.Details,
	}
}

// ErrorHandler writes JSON error responses and logs them
type ErrorHandler struct {
	logger *zap.Logger
	debug  bool
}

// NewErrorHandler creates an error handler. In debug mode unclassified
// errors keep their message and classified ones carry a stack trace.
func NewErrorHandler(logger *zap.Logger, debug bool) *ErrorHandler {
	return &ErrorHandler{logger: logger, debug: debug}
}

// Handle writes err as a JSON response
func (h *ErrorHandler) Handle(w http.ResponseWriter, r *http.Request, err error) {
	if err == nil {
		return
	}

	status, body := Describe(err)
	body.RequestID = r.Header.Get("X-Request-ID")

	if appErr := GetAppError(err); appErr != nil {
		if h.debug && appErr.StackTrace != "" {
			details := make(map[string]interface{}, len(body.Details)+1)
			for k, v := range body.Details {
				details[k] = v
			}
			details["stack_trace"] = appErr.StackTrace
			body.Details = details
		}
	} else if h.debug {
		body.Message = err.Error()
	}

	h.log(r, err, status, body)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encErr := json.NewEncoder(w).Encode(body); encErr != nil {
		h.logger.Error("Failed to encode error response", zap.Error(encErr))
	}
}

// log picks the level from the status: server faults are errors, client
// faults are warnings
func (h *ErrorHandler) log(r *http.Request, err error, status int, body ErrorResponse) {
	fields := []zap.Field{
		zap.String("error_type", body.Type),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Int("status", status),
		zap.String("request_id", body.RequestID),
		zap.Error(err),
	}
	if body.Code != "" {
		fields = append(fields, zap.String("error_code", body.Code))
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed", fields...)
		return
	}
	h.logger.Warn("Request rejected", fields...)
}
