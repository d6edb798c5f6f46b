package hmrc

import "time"

// TokenResponse is the provider's token endpoint payload for both the
// authorization-code exchange and the refresh grant.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope"`
}

// ExpiresAt converts the relative expiry to an absolute time.
func (t *TokenResponse) ExpiresAt(now time.Time) time.Time {
	return now.Add(time.Duration(t.ExpiresIn) * time.Second)
}

// oauthError is the provider's RFC 6749 error body.
type oauthError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// SubmitResult is the outcome of a successful return submission.
type SubmitResult struct {
	Reference string
}

// Outcome is the asynchronous processing result of a submitted return.
type Outcome string

const (
	OutcomePending  Outcome = "pending"
	OutcomeAccepted Outcome = "accepted"
	OutcomeRejected Outcome = "rejected"
)

// PollResult carries the processing outcome and, for rejections, the
// provider's stated reason.
type PollResult struct {
	Outcome Outcome
	Reason  string
}
