// Package hmrc is the HTTP client for HMRC's Making Tax Digital APIs:
// the OAuth2 token endpoints and the self-assessment submission endpoints.
// All calls carry timeouts; failures come back classified into the
// hmrcerr taxonomy so callers never inspect raw provider errors.
package hmrc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/zenrent/hmrc-connect/internal/hmrcerr"
)

type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	BaseURL      string
	Scope        string
	Timeout      time.Duration
}

type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     zerolog.Logger
}

func NewClient(cfg Config, logger zerolog.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

// AuthorizeURL builds the provider authorization URL for a PKCE flow.
func (c *Client) AuthorizeURL(state, codeChallenge string) string {
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", c.cfg.ClientID)
	q.Set("redirect_uri", c.cfg.RedirectURI)
	q.Set("scope", c.cfg.Scope)
	q.Set("state", state)
	q.Set("code_challenge", codeChallenge)
	q.Set("code_challenge_method", "S256")
	return c.cfg.BaseURL + "/oauth/authorize?" + q.Encode()
}

// Exchange trades an authorization code plus its PKCE verifier for tokens.
// Network failures are retried once with backoff; a provider rejection
// (invalid_grant, invalid_client) is surfaced immediately as non-retryable.
func (c *Client) Exchange(ctx context.Context, code, codeVerifier string) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)
	form.Set("redirect_uri", c.cfg.RedirectURI)
	form.Set("code", code)
	form.Set("code_verifier", codeVerifier)

	return c.tokenRequest(ctx, form)
}

// Refresh trades a refresh token for a new token pair. The provider rotates
// refresh tokens: the old one is dead the moment this call succeeds.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)
	form.Set("refresh_token", refreshToken)

	return c.tokenRequest(ctx, form)
}

func (c *Client) tokenRequest(ctx context.Context, form url.Values) (*TokenResponse, error) {
	var token *TokenResponse

	backoff := retry.WithMaxRetries(1, retry.NewExponential(500*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.cfg.BaseURL+"/oauth/token", strings.NewReader(form.Encode()))
		if err != nil {
			return fmt.Errorf("create token request: %w", err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return retry.RetryableError(
				hmrcerr.Auth(hmrcerr.CodeProviderRejected,
					"Could not reach HMRC. Please try again.").Wrap(err))
		}
		defer func() { io.Copy(io.Discard, resp.Body); resp.Body.Close() }()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return retry.RetryableError(fmt.Errorf("read token response: %w", err))
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			var tr TokenResponse
			if err := json.Unmarshal(body, &tr); err != nil {
				return fmt.Errorf("decode token response: %w", err)
			}
			token = &tr
			return nil
		case resp.StatusCode >= 500:
			return retry.RetryableError(
				hmrcerr.Auth(hmrcerr.CodeProviderRejected,
					"HMRC is temporarily unavailable. Please try again.").
					Wrap(fmt.Errorf("token endpoint returned %d", resp.StatusCode)))
		default:
			var oe oauthError
			_ = json.Unmarshal(body, &oe)
			return classifyOAuthError(oe, resp.StatusCode)
		}
	})
	if err != nil {
		return nil, err
	}
	return token, nil
}

// classifyOAuthError maps RFC 6749 token errors to the taxonomy. Grant and
// client errors require the user to re-authorize; they are never retried.
func classifyOAuthError(oe oauthError, status int) error {
	switch oe.Error {
	case "invalid_grant":
		return hmrcerr.Auth(hmrcerr.CodeProviderRejected,
			"Your HMRC authorisation has expired or been revoked. Please reconnect.").
			Wrap(fmt.Errorf("invalid_grant: %s", oe.ErrorDescription))
	case "invalid_client", "unauthorized_client":
		return hmrcerr.Auth(hmrcerr.CodeMissingCredentials,
			"The application is not correctly configured for HMRC access.").
			Wrap(fmt.Errorf("%s: %s", oe.Error, oe.ErrorDescription))
	default:
		return hmrcerr.Auth(hmrcerr.CodeProviderRejected,
			"HMRC rejected the authorisation request.").
			Wrap(fmt.Errorf("token endpoint returned %d (%s: %s)", status, oe.Error, oe.ErrorDescription))
	}
}

// Revoke invalidates a single token with the provider. A 2xx or a 400 (token
// already dead) both count as success.
func (c *Client) Revoke(ctx context.Context, token string) error {
	form := url.Values{}
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)
	form.Set("token", token)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/oauth/revoke", strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create revoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	defer func() { io.Copy(io.Discard, resp.Body); resp.Body.Close() }()

	if resp.StatusCode < 300 || resp.StatusCode == http.StatusBadRequest {
		return nil
	}
	return fmt.Errorf("revoke endpoint returned %d", resp.StatusCode)
}

// submitResponse covers the reference field variants the submission
// endpoints return.
type submitResponse struct {
	CalculationID string `json:"calculationId"`
	ID            string `json:"id"`
}

// SubmitReturn posts a tax return. fraudHeaders must be the validated
// Gov-* set; idempotencyKey lets the provider deduplicate retried
// submissions. 4xx responses are validation failures and are not retryable;
// 408/429/5xx and network errors are transient.
func (c *Client) SubmitReturn(ctx context.Context, accessToken string, fraudHeaders http.Header, submissionType, taxYear string, payload json.RawMessage, idempotencyKey string) (*SubmitResult, error) {
	endpoint := fmt.Sprintf("%s/individuals/%s/api/v1.0/%s/submit",
		c.cfg.BaseURL, url.PathEscape(submissionType), url.PathEscape(taxYear))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create submit request: %w", err)
	}
	c.decorate(req, accessToken, fraudHeaders)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, hmrcerr.Submission(hmrcerr.CodeTransient,
			"Could not reach HMRC. The submission will be retried.", true).Wrap(err)
	}
	defer func() { io.Copy(io.Discard, resp.Body); resp.Body.Close() }()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var sr submitResponse
		if err := json.Unmarshal(body, &sr); err != nil {
			return nil, fmt.Errorf("decode submit response: %w", err)
		}
		ref := sr.CalculationID
		if ref == "" {
			ref = sr.ID
		}
		if ref == "" {
			return nil, fmt.Errorf("submit response missing reference")
		}
		return &SubmitResult{Reference: ref}, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, hmrcerr.Token(hmrcerr.CodeRefreshRejected,
			"Your HMRC session is no longer valid. Please reconnect.").
			Wrap(fmt.Errorf("submit returned %d", resp.StatusCode))
	case resp.StatusCode == http.StatusRequestTimeout ||
		resp.StatusCode == http.StatusTooManyRequests ||
		resp.StatusCode >= 500:
		return nil, hmrcerr.Submission(hmrcerr.CodeTransient,
			"HMRC is temporarily unavailable. The submission will be retried.", true).
			Wrap(fmt.Errorf("submit returned %d", resp.StatusCode))
	default:
		return nil, hmrcerr.Submission(hmrcerr.CodeValidationFailed,
			"HMRC rejected the submitted return. Please review the return details.", false).
			Wrap(fmt.Errorf("submit returned %d: %s", resp.StatusCode, truncate(body, 512)))
	}
}

// pollResponse is the processing status of a submitted calculation.
type pollResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// PollOutcome asks the provider whether a submitted return has been
// accepted or rejected yet.
func (c *Client) PollOutcome(ctx context.Context, accessToken string, fraudHeaders http.Header, submissionType, reference string) (*PollResult, error) {
	endpoint := fmt.Sprintf("%s/individuals/%s/api/v1.0/calculations/%s",
		c.cfg.BaseURL, url.PathEscape(submissionType), url.PathEscape(reference))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create poll request: %w", err)
	}
	c.decorate(req, accessToken, fraudHeaders)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, hmrcerr.Submission(hmrcerr.CodeTransient,
			"Could not reach HMRC to check the submission status.", true).Wrap(err)
	}
	defer func() { io.Copy(io.Discard, resp.Body); resp.Body.Close() }()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, hmrcerr.Submission(hmrcerr.CodeTransient,
				"HMRC is temporarily unavailable.", true).
				Wrap(fmt.Errorf("poll returned %d", resp.StatusCode))
		}
		return nil, hmrcerr.Submission(hmrcerr.CodeProviderRejected,
			"HMRC could not report the submission status.", false).
			Wrap(fmt.Errorf("poll returned %d", resp.StatusCode))
	}

	var pr pollResponse
	if err := json.Unmarshal(body, &pr); err != nil {
		return nil, fmt.Errorf("decode poll response: %w", err)
	}

	switch strings.ToLower(pr.Status) {
	case "accepted", "fulfilled":
		return &PollResult{Outcome: OutcomeAccepted}, nil
	case "rejected", "error":
		return &PollResult{Outcome: OutcomeRejected, Reason: pr.Reason}, nil
	default:
		return &PollResult{Outcome: OutcomePending}, nil
	}
}

func (c *Client) decorate(req *http.Request, accessToken string, fraudHeaders http.Header) {
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/vnd.hmrc.1.0+json")
	for k, vs := range fraudHeaders {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
