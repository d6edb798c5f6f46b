package model

import (
	"encoding/json"
	"time"
)

// Auth audit operations.
const (
	AuditAuthInitiated  = "auth_initiated"
	AuditTokenReceived  = "token_received"
	AuditTokenRefreshed = "token_refreshed"
	AuditTokensCleared  = "tokens_cleared"
	AuditCallbackError  = "callback_error"
)

// AuthAuditEntry is one append-only row in the auth lifecycle log. Detail
// never contains token or verifier material.
type AuthAuditEntry struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Operation string          `json:"operation"`
	RequestID string          `json:"request_id"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
