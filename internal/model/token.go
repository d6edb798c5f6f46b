package model

import "time"

// ProviderHMRC is the only provider this service currently connects to.
// The (user_id, provider) key leaves room for additional tax authorities.
const ProviderHMRC = "hmrc"

// TokenRecord holds a user's OAuth tokens at rest. Token fields are
// AES-256-GCM ciphertext (auth tag appended, per-field IV stored alongside);
// plaintext never reaches the database or logs.
type TokenRecord struct {
	UserID                 string    `json:"user_id"`
	Provider               string    `json:"provider"`
	AccessTokenCiphertext  []byte    `json:"-"`
	AccessTokenIV          []byte    `json:"-"`
	RefreshTokenCiphertext []byte    `json:"-"`
	RefreshTokenIV         []byte    `json:"-"`
	Scope                  string    `json:"scope"`
	ExpiresAt              time.Time `json:"expires_at"`
	CreatedAt              time.Time `json:"created_at"`
	UpdatedAt              time.Time `json:"updated_at"`
}

// TokenSet is a decrypted token pair held only in memory.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	Scope        string
	ExpiresAt    time.Time
}
