package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"whatsapp-gateway/internal/connection"
)

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// SendJSONError sends a JSON error response
func SendJSONError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(Response{
		Success: false,
		Error:   message,
	})
}

// SendJSONSuccess sends a JSON success response
func SendJSONSuccess(w http.ResponseWriter, data interface{}, message string) {
	w.Header().Set("Content-Type", "application/json")
	response := Response{
		Success: true,
	}
	if data != nil {
		response.Data = data
	}
	if message != "" {
		response.Message = message
	}
	_ = json.NewEncoder(w).Encode(response)
}

// sendJSON writes v with the given status code
func sendJSON(w http.ResponseWriter, v interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

// statusForError maps controller errors onto HTTP status codes
func statusForError(err error) int {
	switch {
	case errors.Is(err, connection.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, connection.ErrNotConnected), errors.Is(err, connection.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		// *connection.GatewayError and anything unexpected
		return http.StatusInternalServerError
	}
}

// resultForError is the metrics label for a failed operation
func resultForError(err error) string {
	switch statusForError(err) {
	case http.StatusBadRequest:
		return "invalid"
	case http.StatusServiceUnavailable:
		return "not_connected"
	default:
		return "failed"
	}
}

// SendError writes err as a JSON error with the matching status code
func SendError(w http.ResponseWriter, err error) {
	SendJSONError(w, err.Error(), statusForError(err))
}
