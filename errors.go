package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/example/logica/internal/account"
	"go.uber.org/zap"
)

// APIError represents a structured API error response
type APIError struct {
	Code    string              `json:"error_code"`
	Message string              `json:"message"`
	Errors  map[string][]string `json:"errors,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a structured error response
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, APIError{Code: code, Message: message})
}

// writeMessage writes a success response carrying only a message.
func writeMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}

// statusFor maps an account error to its HTTP status.
func statusFor(err error) int {
	if errors.Is(err, account.ErrCurrentPasswordMismatch) {
		return http.StatusUnprocessableEntity
	}
	switch account.KindOf(err) {
	case account.KindValidation:
		return http.StatusUnprocessableEntity
	case account.KindAuthentication:
		return http.StatusUnauthorized
	case account.KindAuthorization:
		return http.StatusForbidden
	case account.KindNotFound:
		return http.StatusNotFound
	case account.KindExternalProvider:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeAccountError renders err from the account manager. Internal failures
// are logged and reported without detail.
func (a *App) writeAccountError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)

	var e *account.Error
	if status == http.StatusInternalServerError || !errors.As(err, &e) {
		a.Logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
		return
	}

	body := APIError{Code: e.Code, Message: e.Message}
	if len(e.Fields) > 0 {
		body.Errors = make(map[string][]string, len(e.Fields))
		for field, msg := range e.Fields {
			body.Errors[field] = []string{msg}
		}
	}
	writeJSON(w, status, body)
}
