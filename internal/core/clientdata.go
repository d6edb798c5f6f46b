package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/zenrent/hmrc-connect/internal/hmrcerr"
	"github.com/zenrent/hmrc-connect/internal/model"
)

// ClientDataService stores the browser-collected device profile the header
// assembler reads. One row per user, replaced on re-collection.
type ClientDataService struct {
	db  DB
	now func() time.Time
}

func NewClientDataService(db DB) *ClientDataService {
	return &ClientDataService{db: db, now: time.Now}
}

// Put upserts the user's profile. publicIP is observed server-side from the
// collecting request, never taken from the client payload.
func (s *ClientDataService) Put(ctx context.Context, userID string, profile *model.ClientDeviceProfile, publicIP string) error {
	profile.CollectedAt = s.now()
	raw, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("marshal client profile: %w", err)
	}

	_, err = s.db.Exec(ctx,
		`INSERT INTO client_profiles (user_id, profile, public_ip, collected_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id) DO UPDATE SET profile = $2, public_ip = $3, collected_at = $4`,
		userID, raw, publicIP, profile.CollectedAt,
	)
	if err != nil {
		return fmt.Errorf("store client profile for user %s: %w", userID, err)
	}
	return nil
}

// Get returns the user's profile and observed public IP. A missing or stale
// profile is a HeaderAssemblyError: the client must re-collect.
func (s *ClientDataService) Get(ctx context.Context, userID string) (*model.ClientDeviceProfile, string, error) {
	var raw []byte
	var publicIP string
	var collectedAt time.Time
	err := s.db.QueryRow(ctx,
		`SELECT profile, public_ip, collected_at FROM client_profiles WHERE user_id = $1`, userID,
	).Scan(&raw, &publicIP, &collectedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, "", hmrcerr.Header(hmrcerr.CodeMissingClientData,
				"Device information has not been collected yet. Please reload the page and try again.")
		}
		return nil, "", fmt.Errorf("load client profile for user %s: %w", userID, err)
	}

	if s.now().Sub(collectedAt) > model.ProfileMaxAge {
		return nil, "", hmrcerr.Header(hmrcerr.CodeMissingClientData,
			"Device information is out of date. Please reload the page and try again.")
	}

	var profile model.ClientDeviceProfile
	if err := json.Unmarshal(raw, &profile); err != nil {
		return nil, "", fmt.Errorf("decode client profile for user %s: %w", userID, err)
	}
	profile.CollectedAt = collectedAt
	return &profile, publicIP, nil
}
