package handler

import (
	"net"
	"net/http"

	mw "github.com/zenrent/hmrc-connect/internal/api/middleware"
	"github.com/zenrent/hmrc-connect/internal/api/response"
	"github.com/zenrent/hmrc-connect/internal/core"
	"github.com/zenrent/hmrc-connect/internal/hmrcerr"
)

// Connection handles the HMRC connection lifecycle: initiation, the OAuth
// callback, status, and disconnect.
type Connection struct {
	auth    *core.AuthManager
	limiter *core.RateLimiter
}

func NewConnection(auth *core.AuthManager, limiter *core.RateLimiter) *Connection {
	return &Connection{auth: auth, limiter: limiter}
}

// clientIP strips the port from RemoteAddr so every connection from one
// address shares a rate-limit bucket. RealIP may already have rewritten
// RemoteAddr to a bare IP, in which case there is no port to strip.
func clientIP(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}

// Connect starts the authorization flow and returns the URL to redirect the
// browser to. Initiation is rate limited per client IP.
func (h *Connection) Connect(w http.ResponseWriter, r *http.Request) {
	if err := h.limiter.Allow(clientIP(r.RemoteAddr)); err != nil {
		response.WriteDomainError(w, err)
		return
	}

	userID := mw.GetUserID(r.Context())
	authURL, err := h.auth.InitiateAuth(r.Context(), userID)
	if err != nil {
		response.WriteDomainError(w, err)
		return
	}

	response.WriteJSON(w, http.StatusOK, map[string]string{"authorization_url": authURL})
}

// Callback completes the flow when HMRC redirects back with a code.
func (h *Connection) Callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if provErr := q.Get("error"); provErr != "" {
		// The user declined at HMRC's consent screen, or the provider
		// refused the request outright.
		response.WriteDomainError(w, hmrcerr.Auth(hmrcerr.CodeProviderRejected,
			"HMRC did not authorise the connection. Please try again."))
		return
	}

	code := q.Get("code")
	state := q.Get("state")
	if code == "" || state == "" {
		response.WriteError(w, http.StatusBadRequest, "missing code or state")
		return
	}

	userID := mw.GetUserID(r.Context())
	if err := h.auth.CompleteAuth(r.Context(), code, state, userID); err != nil {
		response.WriteDomainError(w, err)
		return
	}

	response.WriteJSON(w, http.StatusOK, map[string]bool{"connected": true})
}

// Status reports whether the caller is connected, and until when.
func (h *Connection) Status(w http.ResponseWriter, r *http.Request) {
	userID := mw.GetUserID(r.Context())

	connected, scope, expiresAt, err := h.auth.ConnectionStatus(r.Context(), userID)
	if err != nil {
		response.WriteDomainError(w, err)
		return
	}

	body := map[string]any{"connected": connected}
	if connected {
		body["scope"] = scope
		body["expires_at"] = expiresAt
	}
	response.WriteJSON(w, http.StatusOK, body)
}

// Disconnect revokes tokens with HMRC and clears the stored record.
func (h *Connection) Disconnect(w http.ResponseWriter, r *http.Request) {
	userID := mw.GetUserID(r.Context())

	if err := h.auth.Disconnect(r.Context(), userID); err != nil {
		response.WriteDomainError(w, err)
		return
	}

	response.WriteJSON(w, http.StatusOK, map[string]bool{"disconnected": true})
}
