package core

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/zenrent/hmrc-connect/internal/hmrc"
	"github.com/zenrent/hmrc-connect/internal/hmrcerr"
	"github.com/zenrent/hmrc-connect/internal/model"
	"github.com/zenrent/hmrc-connect/internal/platform"
)

// Authorizer is the slice of the provider client the auth manager needs.
type Authorizer interface {
	AuthorizeURL(state, codeChallenge string) string
	Exchange(ctx context.Context, code, codeVerifier string) (*hmrc.TokenResponse, error)
	Revoke(ctx context.Context, token string) error
}

// AuthContext is what other subsystems need to make one authenticated call
// to the provider: a live access token and the validated fraud prevention
// header set.
type AuthContext struct {
	AccessToken string
	Headers     http.Header
}

// AuthManager orchestrates the PKCE flow end to end and hands out
// authenticated request contexts.
type AuthManager struct {
	verifiers *CodeVerifierStore
	vault     *TokenVault
	headers   *HeaderAssembler
	provider  Authorizer
	audit     *AuthAudit
	logger    zerolog.Logger
	now       func() time.Time
}

func NewAuthManager(verifiers *CodeVerifierStore, vault *TokenVault, headers *HeaderAssembler, provider Authorizer, audit *AuthAudit, logger zerolog.Logger) *AuthManager {
	return &AuthManager{
		verifiers: verifiers,
		vault:     vault,
		headers:   headers,
		provider:  provider,
		audit:     audit,
		logger:    logger,
		now:       time.Now,
	}
}

// InitiateAuth starts a connection attempt: generates the PKCE secret,
// persists it, and returns the provider authorization URL the browser
// should be sent to.
func (m *AuthManager) InitiateAuth(ctx context.Context, userID string) (string, error) {
	requestID := platform.NewRequestID()

	verifier := GenerateCodeVerifier()
	challenge := CodeChallengeS256(verifier)
	state := NewState(userID)

	if err := m.verifiers.Put(ctx, userID, verifier, state, VerifierTTL); err != nil {
		return "", fmt.Errorf("initiate auth: %w", err)
	}

	m.audit.Record(userID, model.AuditAuthInitiated, requestID, map[string]any{
		"challenge_method": "S256",
	})
	m.logger.Info().Str("user_id", userID).Str("request_id", requestID).
		Msg("authorization flow initiated")

	return m.provider.AuthorizeURL(state, challenge), nil
}

// CompleteAuth finishes the flow on callback. sessionUserID is the user the
// callback request is authenticated as; any mismatch with the state's
// embedded user aborts before the token exchange touches the network.
func (m *AuthManager) CompleteAuth(ctx context.Context, code, state, sessionUserID string) error {
	requestID := platform.NewRequestID()

	userID, err := ParseState(state)
	if err != nil {
		return hmrcerr.Auth(hmrcerr.CodeStateMismatch,
			"The connection attempt could not be verified. Please start again.").
			WithRequestID(requestID).Wrap(err)
	}
	if sessionUserID != "" && userID != sessionUserID {
		m.audit.Record(userID, model.AuditCallbackError, requestID, map[string]any{
			"reason": "state user mismatch",
		})
		return hmrcerr.Auth(hmrcerr.CodeStateMismatch,
			"The connection attempt could not be verified. Please start again.").
			WithRequestID(requestID)
	}

	verifier, storedState, err := m.verifiers.TakeOnce(ctx, userID)
	if err != nil {
		if e := hmrcerr.As(err); e != nil {
			e.WithRequestID(requestID)
		}
		return err
	}
	if storedState != state {
		// The round-tripped state does not match the one this verifier was
		// issued under: treat as CSRF and fail closed.
		m.audit.Record(userID, model.AuditCallbackError, requestID, map[string]any{
			"reason": "state value mismatch",
		})
		return hmrcerr.Auth(hmrcerr.CodeStateMismatch,
			"The connection attempt could not be verified. Please start again.").
			WithRequestID(requestID)
	}

	tr, err := m.provider.Exchange(ctx, code, verifier)
	if err != nil {
		m.audit.Record(userID, model.AuditCallbackError, requestID, map[string]any{
			"stage": "exchange",
		})
		if e := hmrcerr.As(err); e != nil {
			e.WithRequestID(requestID)
			return err
		}
		return fmt.Errorf("exchange authorization code: %w", err)
	}

	set := &model.TokenSet{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		Scope:        tr.Scope,
		ExpiresAt:    tr.ExpiresAt(m.now()),
	}
	if err := m.vault.Store(ctx, userID, model.ProviderHMRC, set); err != nil {
		return fmt.Errorf("store exchanged tokens: %w", err)
	}

	m.audit.Record(userID, model.AuditTokenReceived, requestID, map[string]any{
		"scope":      tr.Scope,
		"expires_in": tr.ExpiresIn,
	})
	m.logger.Info().Str("user_id", userID).Str("request_id", requestID).
		Msg("authorization completed")
	return nil
}

// IsConnected reports whether the user has a usable HMRC connection.
func (m *AuthManager) IsConnected(ctx context.Context, userID string) (bool, error) {
	connected, _, err := m.vault.Connected(ctx, userID, model.ProviderHMRC)
	return connected, err
}

// ConnectionStatus returns connection metadata for display, without forcing
// a refresh.
func (m *AuthManager) ConnectionStatus(ctx context.Context, userID string) (connected bool, scope string, expiresAt time.Time, err error) {
	connected, rec, err := m.vault.Connected(ctx, userID, model.ProviderHMRC)
	if err != nil || rec == nil {
		return connected, "", time.Time{}, err
	}
	return connected, rec.Scope, rec.ExpiresAt, nil
}

// AuthenticatedContext is the single entry point other subsystems use to
// make provider calls: a valid access token plus validated fraud headers.
func (m *AuthManager) AuthenticatedContext(ctx context.Context, userID string) (*AuthContext, error) {
	accessToken, err := m.vault.GetValidAccessToken(ctx, userID, model.ProviderHMRC)
	if err != nil {
		return nil, err
	}

	headers, err := m.headers.Build(ctx, userID)
	if err != nil {
		return nil, err
	}

	return &AuthContext{AccessToken: accessToken, Headers: headers}, nil
}

// Disconnect revokes both tokens with the provider (best effort) and
// deletes the stored record. Local deletion always happens.
func (m *AuthManager) Disconnect(ctx context.Context, userID string) error {
	requestID := platform.NewRequestID()

	rec, err := m.vault.Get(ctx, userID, model.ProviderHMRC)
	if err == nil {
		if access, refresh, openErr := m.vault.OpenTokens(rec); openErr == nil {
			if revokeErr := m.provider.Revoke(ctx, access); revokeErr != nil {
				m.logger.Warn().Err(revokeErr).Str("user_id", userID).
					Str("request_id", requestID).Msg("provider access token revocation failed")
			}
			if revokeErr := m.provider.Revoke(ctx, refresh); revokeErr != nil {
				m.logger.Warn().Err(revokeErr).Str("user_id", userID).
					Str("request_id", requestID).Msg("provider refresh token revocation failed")
			}
		}
	} else if !hmrcerr.IsKind(err, hmrcerr.KindAuth) {
		return err
	}

	if err := m.vault.Revoke(ctx, userID, model.ProviderHMRC); err != nil {
		return err
	}

	m.audit.Record(userID, model.AuditTokensCleared, requestID, nil)
	m.logger.Info().Str("user_id", userID).Str("request_id", requestID).Msg("disconnected from HMRC")
	return nil
}
