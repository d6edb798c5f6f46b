package hmrcerr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAs_ThroughWrapping(t *testing.T) {
	base := Auth(CodeStateMismatch, "state mismatch").WithRequestID("req-1")
	wrapped := fmt.Errorf("complete auth: %w", base)

	e := As(wrapped)
	require.NotNil(t, e)
	assert.Equal(t, KindAuth, e.Kind)
	assert.Equal(t, CodeStateMismatch, e.Code)
	assert.Equal(t, "req-1", e.RequestID)
}

func TestIsKind(t *testing.T) {
	err := Token(CodeRefreshRejected, "refresh rejected")
	assert.True(t, IsKind(err, KindToken))
	assert.False(t, IsKind(err, KindAuth))
	assert.False(t, IsKind(errors.New("plain"), KindToken))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(Submission(CodeTransient, "upstream unavailable", true)))
	assert.False(t, IsRetryable(Submission(CodeValidationFailed, "invalid return", false)))
	assert.False(t, IsRetryable(errors.New("plain")))
}

func TestRateLimit_CarriesRetryAfter(t *testing.T) {
	err := RateLimit(42)
	e := As(err)
	require.NotNil(t, e)
	assert.Equal(t, 42, e.RetryAfter)
	assert.Equal(t, ActionWaitAndRetry, e.Action)
}

func TestWrap_PreservesChain(t *testing.T) {
	cause := errors.New("connection refused")
	err := Submission(CodeTransient, "upstream unavailable", true).Wrap(cause)
	assert.ErrorIs(t, err, cause)
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"rate limit", RateLimit(10), http.StatusTooManyRequests},
		{"state mismatch", Auth(CodeStateMismatch, "m"), http.StatusBadRequest},
		{"not connected", Auth(CodeNotConnected, "m"), http.StatusUnauthorized},
		{"token", Token(CodeDecryptionFailed, "m"), http.StatusUnauthorized},
		{"header", Header(CodeMissingClientData, "m"), http.StatusUnprocessableEntity},
		{"submission not found", Submission(CodeNotFound, "m", false), http.StatusNotFound},
		{"submission forbidden", Submission(CodeForbidden, "m", false), http.StatusForbidden},
		{"bad transition", Submission(CodeInvalidState, "m", false), http.StatusConflict},
		{"transient", Submission(CodeTransient, "m", true), http.StatusBadGateway},
		{"unclassified", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}
