package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/zenrent/hmrc-connect/internal/crypto"
	"github.com/zenrent/hmrc-connect/internal/hmrc"
	"github.com/zenrent/hmrc-connect/internal/hmrcerr"
	"github.com/zenrent/hmrc-connect/internal/metrics"
	"github.com/zenrent/hmrc-connect/internal/model"
	"github.com/zenrent/hmrc-connect/internal/platform"
)

// RefreshThreshold is how close to expiry an access token may get before a
// caller triggers a refresh.
const RefreshThreshold = 5 * time.Minute

// TokenRefresher is the slice of the provider client the vault needs.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (*hmrc.TokenResponse, error)
}

// TokenVault encrypts, stores, and refreshes OAuth tokens per (user,
// provider). Refresh is single-flighted per pair: HMRC rotates refresh
// tokens on use, so a second concurrent refresh with the stale token would
// permanently lock the user out.
type TokenVault struct {
	db        DB
	cipher    *crypto.Vault
	refresher TokenRefresher
	audit     *AuthAudit
	logger    zerolog.Logger
	group     singleflight.Group
	now       func() time.Time
}

func NewTokenVault(db DB, cipher *crypto.Vault, refresher TokenRefresher, audit *AuthAudit, logger zerolog.Logger) *TokenVault {
	return &TokenVault{
		db:        db,
		cipher:    cipher,
		refresher: refresher,
		audit:     audit,
		logger:    logger,
		now:       time.Now,
	}
}

// Store encrypts and upserts the token pair. Exactly one live record exists
// per (userID, provider).
func (v *TokenVault) Store(ctx context.Context, userID, provider string, set *model.TokenSet) error {
	accessCT, accessIV, err := v.cipher.Seal([]byte(set.AccessToken))
	if err != nil {
		return fmt.Errorf("seal access token: %w", err)
	}
	refreshCT, refreshIV, err := v.cipher.Seal([]byte(set.RefreshToken))
	if err != nil {
		return fmt.Errorf("seal refresh token: %w", err)
	}

	now := v.now()
	_, err = v.db.Exec(ctx,
		`INSERT INTO token_records (user_id, provider, access_token_ciphertext, access_token_iv,
		     refresh_token_ciphertext, refresh_token_iv, scope, expires_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		 ON CONFLICT (user_id, provider) DO UPDATE SET
		     access_token_ciphertext = $3, access_token_iv = $4,
		     refresh_token_ciphertext = $5, refresh_token_iv = $6,
		     scope = $7, expires_at = $8, updated_at = $9`,
		userID, provider, accessCT, accessIV, refreshCT, refreshIV,
		set.Scope, set.ExpiresAt, now,
	)
	if err != nil {
		return fmt.Errorf("store token record for user %s: %w", userID, err)
	}
	return nil
}

// Get loads the raw (still encrypted) record, or a not-connected error.
func (v *TokenVault) Get(ctx context.Context, userID, provider string) (*model.TokenRecord, error) {
	var rec model.TokenRecord
	err := v.db.QueryRow(ctx,
		`SELECT user_id, provider, access_token_ciphertext, access_token_iv,
		        refresh_token_ciphertext, refresh_token_iv, scope, expires_at, created_at, updated_at
		 FROM token_records WHERE user_id = $1 AND provider = $2`, userID, provider,
	).Scan(&rec.UserID, &rec.Provider, &rec.AccessTokenCiphertext, &rec.AccessTokenIV,
		&rec.RefreshTokenCiphertext, &rec.RefreshTokenIV, &rec.Scope,
		&rec.ExpiresAt, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, hmrcerr.Auth(hmrcerr.CodeNotConnected,
				"This account is not connected to HMRC.")
		}
		return nil, fmt.Errorf("load token record for user %s: %w", userID, err)
	}
	return &rec, nil
}

// GetValidAccessToken returns a decrypted access token with at least
// RefreshThreshold of life left, refreshing first when necessary.
func (v *TokenVault) GetValidAccessToken(ctx context.Context, userID, provider string) (string, error) {
	rec, err := v.Get(ctx, userID, provider)
	if err != nil {
		return "", err
	}

	if v.now().Add(RefreshThreshold).Before(rec.ExpiresAt) {
		access, err := v.open(rec.AccessTokenCiphertext, rec.AccessTokenIV)
		if err != nil {
			return "", err
		}
		return access, nil
	}

	return v.refresh(ctx, userID, provider)
}

// refresh single-flights the refresh per (userID, provider). Concurrent
// callers share one provider round trip and all receive the new token.
func (v *TokenVault) refresh(ctx context.Context, userID, provider string) (string, error) {
	key := userID + "/" + provider
	result, err, _ := v.group.Do(key, func() (any, error) {
		// Re-read inside the flight: the winner of a previous flight may
		// already have rotated the tokens.
		rec, err := v.Get(ctx, userID, provider)
		if err != nil {
			return nil, err
		}
		if v.now().Add(RefreshThreshold).Before(rec.ExpiresAt) {
			return v.open(rec.AccessTokenCiphertext, rec.AccessTokenIV)
		}

		refreshToken, err := v.open(rec.RefreshTokenCiphertext, rec.RefreshTokenIV)
		if err != nil {
			return nil, err
		}

		tr, err := v.refresher.Refresh(ctx, refreshToken)
		if err != nil {
			metrics.TokenRefreshes.WithLabelValues("failure").Inc()
			// A rejected grant means the stored pair is dead. Drop the
			// record so the user is prompted to reconnect instead of
			// looping on a refresh that can never succeed.
			if hmrcerr.IsKind(err, hmrcerr.KindAuth) {
				if revokeErr := v.Revoke(ctx, userID, provider); revokeErr != nil {
					v.logger.Error().Err(revokeErr).Str("user_id", userID).
						Msg("failed to clear rejected token record")
				}
				v.audit.Record(userID, model.AuditTokensCleared, platform.NewRequestID(),
					map[string]any{"provider": provider, "reason": "refresh_rejected"})
				return nil, hmrcerr.Token(hmrcerr.CodeRefreshRejected,
					"Your HMRC authorisation has expired. Please reconnect.").Wrap(err)
			}
			return nil, err
		}

		set := &model.TokenSet{
			AccessToken:  tr.AccessToken,
			RefreshToken: tr.RefreshToken,
			Scope:        tr.Scope,
			ExpiresAt:    tr.ExpiresAt(v.now()),
		}
		if err := v.Store(ctx, userID, provider, set); err != nil {
			return nil, err
		}

		metrics.TokenRefreshes.WithLabelValues("success").Inc()
		v.audit.Record(userID, model.AuditTokenRefreshed, platform.NewRequestID(),
			map[string]any{"provider": provider, "expires_at": set.ExpiresAt})
		v.logger.Info().Str("user_id", userID).Str("provider", provider).
			Time("expires_at", set.ExpiresAt).Msg("token refreshed")
		return tr.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// Connected reports whether a usable record exists: a non-expired access
// token, or a refresh token a refresh could still be attempted with.
func (v *TokenVault) Connected(ctx context.Context, userID, provider string) (bool, *model.TokenRecord, error) {
	rec, err := v.Get(ctx, userID, provider)
	if err != nil {
		if hmrcerr.IsKind(err, hmrcerr.KindAuth) {
			return false, nil, nil
		}
		return false, nil, err
	}
	if rec.ExpiresAt.After(v.now()) {
		return true, rec, nil
	}
	return len(rec.RefreshTokenCiphertext) > 0, rec, nil
}

// Revoke deletes the token record. Idempotent: deleting an absent record
// succeeds.
func (v *TokenVault) Revoke(ctx context.Context, userID, provider string) error {
	_, err := v.db.Exec(ctx,
		`DELETE FROM token_records WHERE user_id = $1 AND provider = $2`, userID, provider)
	if err != nil {
		return fmt.Errorf("revoke token record for user %s: %w", userID, err)
	}
	return nil
}

// OpenTokens decrypts both tokens of a record. Used by disconnect, which
// must present the plaintext tokens to the provider's revocation endpoint.
func (v *TokenVault) OpenTokens(rec *model.TokenRecord) (access, refresh string, err error) {
	access, err = v.open(rec.AccessTokenCiphertext, rec.AccessTokenIV)
	if err != nil {
		return "", "", err
	}
	refresh, err = v.open(rec.RefreshTokenCiphertext, rec.RefreshTokenIV)
	if err != nil {
		return "", "", err
	}
	return access, refresh, nil
}

func (v *TokenVault) open(ciphertext, iv []byte) (string, error) {
	plaintext, err := v.cipher.Open(ciphertext, iv)
	if err != nil {
		return "", hmrcerr.Token(hmrcerr.CodeDecryptionFailed,
			"Stored HMRC credentials could not be read. Please reconnect.").Wrap(err)
	}
	return string(plaintext), nil
}
