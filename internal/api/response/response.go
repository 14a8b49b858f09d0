// Package response holds the JSON envelope shared by the status API and the dev stream server.
package response

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/nkkko/liveflow/internal/api/errors"
)

// Response represents a standardized API response
type Response struct {
	Success   bool   `json:"success"`
	RequestID string `json:"request_id,omitempty"`
	Data      any    `json:"data,omitempty"`
	Error     any    `json:"error,omitempty"`
}

// OK builds a success envelope
func OK(requestID string, data any) Response {
	return Response{Success: true, RequestID: requestID, Data: data}
}

// Fail builds an error envelope, returning it with the status code to send
func Fail(requestID string, err error) (Response, int) {
	apiErr := errors.FromError(err).WithRequestID(requestID)
	return Response{Success: false, RequestID: requestID, Error: apiErr}, apiErr.HTTPCode
}

// requestID prefers the id chi assigned and falls back to the logging middleware's header
func requestID(w http.ResponseWriter, r *http.Request) string {
	if id := middleware.GetReqID(r.Context()); id != "" {
		return id
	}
	return w.Header().Get("X-Request-ID")
}

// JSON sends a JSON response
func JSON(w http.ResponseWriter, r *http.Request, statusCode int, data any) {
	resp := OK(requestID(w, r), data)
	resp.Success = statusCode >= 200 && statusCode < 300
	sendJSON(w, statusCode, resp)
}

// Error sends an error response
func Error(w http.ResponseWriter, r *http.Request, err error) {
	resp, code := Fail(requestID(w, r), err)
	sendJSON(w, code, resp)
}

// sendJSON is a helper function to send a JSON response
func sendJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, `{"success":false,"error":{"type":"internal","code":"json_encode_error","message":"Failed to encode JSON response"}}`, http.StatusInternalServerError)
	}
}
