package response

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/zenrent/hmrc-connect/internal/hmrcerr"
)

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, ErrorResponse{Error: message})
}

// ErrorResponse is the JSON shape of every error this API returns.
type ErrorResponse struct {
	Error      string `json:"error"`
	Code       string `json:"code,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	Action     string `json:"action,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// WriteDomainError renders a classified error with its user-safe message
// and recovery hints. Unclassified errors become an opaque 500; their
// detail belongs in logs, not responses.
func WriteDomainError(w http.ResponseWriter, err error) {
	e := hmrcerr.As(err)
	if e == nil {
		WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(e.RetryAfter))
	}
	WriteJSON(w, hmrcerr.HTTPStatus(e), ErrorResponse{
		Error:      e.Message,
		Code:       e.Code,
		RequestID:  e.RequestID,
		Action:     e.Action,
		RetryAfter: e.RetryAfter,
	})
}
