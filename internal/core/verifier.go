package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/zenrent/hmrc-connect/internal/hmrcerr"
	"github.com/zenrent/hmrc-connect/internal/platform"
)

// VerifierTTL is how long a PKCE code verifier stays redeemable.
const VerifierTTL = 10 * time.Minute

// CodeVerifierStore persists short-lived, single-use PKCE secrets.
type CodeVerifierStore struct {
	db  DB
	now func() time.Time
}

func NewCodeVerifierStore(db DB) *CodeVerifierStore {
	return &CodeVerifierStore{db: db, now: time.Now}
}

// Put stores a fresh verifier for the user. Any previous unconsumed request
// for the same user is consumed first, so at most one unconsumed, unexpired
// request exists per user.
func (s *CodeVerifierStore) Put(ctx context.Context, userID, verifier, state string, ttl time.Duration) error {
	if _, err := s.db.Exec(ctx,
		`UPDATE auth_requests SET consumed = true WHERE user_id = $1 AND NOT consumed`, userID,
	); err != nil {
		return fmt.Errorf("supersede auth requests for user %s: %w", userID, err)
	}

	now := s.now()
	_, err := s.db.Exec(ctx,
		`INSERT INTO auth_requests (id, user_id, code_verifier, state, created_at, expires_at, consumed)
		 VALUES ($1, $2, $3, $4, $5, $6, false)`,
		platform.NewID(), userID, verifier, state, now, now.Add(ttl),
	)
	if err != nil {
		return fmt.Errorf("store auth request for user %s: %w", userID, err)
	}
	return nil
}

// TakeOnce atomically consumes the user's pending verifier and returns it
// together with the state it was issued under. Expired or already-consumed
// rows are invisible; two concurrent callers cannot both succeed — the
// UPDATE marks the row consumed in the same statement that reads it.
func (s *CodeVerifierStore) TakeOnce(ctx context.Context, userID string) (verifier, state string, err error) {
	err = s.db.QueryRow(ctx,
		`UPDATE auth_requests SET consumed = true
		 WHERE id = (
		     SELECT id FROM auth_requests
		     WHERE user_id = $1 AND NOT consumed AND expires_at > now()
		     ORDER BY created_at DESC
		     LIMIT 1
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING code_verifier, state`, userID,
	).Scan(&verifier, &state)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", "", hmrcerr.Auth(hmrcerr.CodeInvalidOrExpiredRequest,
				"This connection attempt is invalid or has expired. Please start again.")
		}
		return "", "", fmt.Errorf("take verifier for user %s: %w", userID, err)
	}
	return verifier, state, nil
}

// Sweep deletes expired rows. Consumed rows are kept until expiry so a
// replayed callback maps to "already used" rather than silently vanishing.
func (s *CodeVerifierStore) Sweep(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM auth_requests WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("sweep auth requests: %w", err)
	}
	return tag.RowsAffected(), nil
}
