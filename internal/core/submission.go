package core

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/zenrent/hmrc-connect/internal/hmrc"
	"github.com/zenrent/hmrc-connect/internal/hmrcerr"
	"github.com/zenrent/hmrc-connect/internal/metrics"
	"github.com/zenrent/hmrc-connect/internal/model"
	"github.com/zenrent/hmrc-connect/internal/platform"
)

// Submitter is the slice of the provider client the engine needs.
type Submitter interface {
	SubmitReturn(ctx context.Context, accessToken string, fraudHeaders http.Header, submissionType, taxYear string, payload json.RawMessage, idempotencyKey string) (*hmrc.SubmitResult, error)
	PollOutcome(ctx context.Context, accessToken string, fraudHeaders http.Header, submissionType, reference string) (*hmrc.PollResult, error)
}

// Authenticator supplies a live token and validated headers for one call.
type Authenticator interface {
	AuthenticatedContext(ctx context.Context, userID string) (*AuthContext, error)
}

// validTransitions is the complete transition table. Any pair not listed is
// rejected; history rows are never rewritten to fake a legal path.
var validTransitions = map[string][]string{
	model.StatusDraft:      {model.StatusSubmitting},
	model.StatusSubmitting: {model.StatusSubmitted, model.StatusFailed},
	model.StatusSubmitted:  {model.StatusAccepted, model.StatusRejected},
	model.StatusFailed:     {model.StatusRetrying},
	model.StatusRetrying:   {model.StatusSubmitting},
}

func transitionAllowed(from, to string) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// SubmissionEngine owns the submission lifecycle: drafts, transmission with
// bounded retries, and the append-only status history.
type SubmissionEngine struct {
	db       DB
	auth     Authenticator
	provider Submitter
	logger   zerolog.Logger
	now      func() time.Time

	maxAttempts uint64
}

func NewSubmissionEngine(db DB, auth Authenticator, provider Submitter, logger zerolog.Logger) *SubmissionEngine {
	return &SubmissionEngine{
		db:          db,
		auth:        auth,
		provider:    provider,
		logger:      logger,
		now:         time.Now,
		maxAttempts: 3,
	}
}

// idempotencyKey derives a stable key from the submission ID so every
// transmission attempt of the same submission carries the same key and the
// provider can deduplicate.
func idempotencyKey(submissionID string) string {
	sum := sha256.Sum256([]byte("submission:" + submissionID))
	return hex.EncodeToString(sum[:16])
}

// SaveDraft creates or replaces the draft for (user, type, taxYear).
func (e *SubmissionEngine) SaveDraft(ctx context.Context, userID, submissionType, taxYear string, payload json.RawMessage) (*model.Submission, error) {
	now := e.now()
	sub := &model.Submission{
		ID:             platform.NewID(),
		UserID:         userID,
		SubmissionType: submissionType,
		TaxYear:        taxYear,
		Status:         model.StatusDraft,
		Stage:          model.StagePreparation,
		DraftPayload:   payload,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	row := e.db.QueryRow(ctx, `
		INSERT INTO submissions (id, user_id, submission_type, tax_year, status, stage, draft_payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (user_id, submission_type, tax_year) WHERE status = 'draft'
		DO UPDATE SET draft_payload = EXCLUDED.draft_payload, updated_at = EXCLUDED.updated_at
		RETURNING id, created_at`,
		sub.ID, userID, submissionType, taxYear, model.StatusDraft, model.StagePreparation, payload, now)
	if err := row.Scan(&sub.ID, &sub.CreatedAt); err != nil {
		return nil, fmt.Errorf("save draft: %w", err)
	}
	return sub, nil
}

// FindDraft returns the user's draft for (type, taxYear), if one exists.
func (e *SubmissionEngine) FindDraft(ctx context.Context, userID, submissionType, taxYear string) (*model.Submission, error) {
	row := e.db.QueryRow(ctx, `
		SELECT id, user_id, submission_type, tax_year, status, stage, hmrc_reference, draft_payload, created_at, updated_at
		FROM submissions
		WHERE user_id = $1 AND submission_type = $2 AND tax_year = $3 AND status = 'draft'`,
		userID, submissionType, taxYear)

	sub, err := scanSubmission(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, hmrcerr.Submission(hmrcerr.CodeNotFound,
			"No draft exists for this submission type and tax year.", false)
	}
	if err != nil {
		return nil, fmt.Errorf("find draft: %w", err)
	}
	return sub, nil
}

// UpdateDraft replaces the payload of an existing draft. Only drafts may be
// edited; anything past draft is immutable input to the state machine.
func (e *SubmissionEngine) UpdateDraft(ctx context.Context, userID, submissionID string, payload json.RawMessage) (*model.Submission, error) {
	sub, err := e.getOwned(ctx, userID, submissionID)
	if err != nil {
		return nil, err
	}
	if sub.Status != model.StatusDraft {
		return nil, hmrcerr.Submission(hmrcerr.CodeInvalidState,
			"Only draft submissions can be edited.", false)
	}

	now := e.now()
	if _, err := e.db.Exec(ctx, `
		UPDATE submissions SET draft_payload = $1, updated_at = $2 WHERE id = $3`,
		payload, now, submissionID); err != nil {
		return nil, fmt.Errorf("update draft: %w", err)
	}
	sub.DraftPayload = payload
	sub.UpdatedAt = now
	return sub, nil
}

// Submit drives a draft through transmission. The provider call runs under
// a detached context so a caller disconnect cannot strand a submission in
// Submitting with the outcome lost.
func (e *SubmissionEngine) Submit(ctx context.Context, userID, submissionID string) (*model.Submission, error) {
	sub, err := e.getOwned(ctx, userID, submissionID)
	if err != nil {
		return nil, err
	}
	if sub.Status != model.StatusDraft {
		return nil, hmrcerr.Submission(hmrcerr.CodeInvalidState,
			fmt.Sprintf("Submission cannot be sent from its current state (%s).", sub.Status), false)
	}
	return e.transmit(ctx, sub)
}

// Retry re-attempts a failed submission: Failed -> Retrying -> Submitting.
// Retrying from any other state is rejected; in particular a submission
// that already reached the provider must not be sent twice.
func (e *SubmissionEngine) Retry(ctx context.Context, userID, submissionID string) (*model.Submission, error) {
	sub, err := e.getOwned(ctx, userID, submissionID)
	if err != nil {
		return nil, err
	}
	if sub.Status != model.StatusFailed {
		return nil, hmrcerr.Submission(hmrcerr.CodeInvalidState,
			fmt.Sprintf("Submission cannot be retried from its current state (%s).", sub.Status), false)
	}

	if err := e.appendEvent(ctx, sub, model.StatusRetrying, model.StagePreparation, nil, ""); err != nil {
		return nil, err
	}
	return e.transmit(ctx, sub)
}

// transmit performs the Submitting transition, the provider call with
// bounded backoff on transient failures, and the terminal transition.
func (e *SubmissionEngine) transmit(ctx context.Context, sub *model.Submission) (*model.Submission, error) {
	if err := e.appendEvent(ctx, sub, model.StatusSubmitting, model.StageTransmission, nil, ""); err != nil {
		return nil, err
	}

	authCtx, err := e.auth.AuthenticatedContext(ctx, sub.UserID)
	if err != nil {
		if evErr := e.appendEvent(ctx, sub, model.StatusFailed, model.StageTransmission, errorDetail(err), ""); evErr != nil {
			return nil, evErr
		}
		return sub, err
	}

	// Once transmission starts the outcome must be recorded even if the
	// original caller goes away.
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Minute)
	defer cancel()

	key := idempotencyKey(sub.ID)
	var result *hmrc.SubmitResult
	backoff := retry.WithMaxRetries(e.maxAttempts-1, retry.NewExponential(time.Second))
	err = retry.Do(sendCtx, backoff, func(ctx context.Context) error {
		var callErr error
		result, callErr = e.provider.SubmitReturn(ctx, authCtx.AccessToken, authCtx.Headers,
			sub.SubmissionType, sub.TaxYear, sub.DraftPayload, key)
		if callErr != nil && hmrcerr.IsRetryable(callErr) {
			return retry.RetryableError(callErr)
		}
		return callErr
	})
	if err != nil {
		detail := errorDetail(err)
		metrics.Submissions.WithLabelValues(model.StatusFailed).Inc()
		e.logger.Warn().Err(err).Str("submission_id", sub.ID).
			Bool("transient", detail.Transient).Msg("submission transmission failed")
		if evErr := e.appendEvent(sendCtx, sub, model.StatusFailed, model.StageTransmission, detail, ""); evErr != nil {
			return nil, evErr
		}
		return sub, err
	}

	if err := e.appendEvent(sendCtx, sub, model.StatusSubmitted, model.StageProcessing, nil, result.Reference); err != nil {
		return nil, err
	}
	metrics.Submissions.WithLabelValues(model.StatusSubmitted).Inc()
	e.logger.Info().Str("submission_id", sub.ID).Str("reference", result.Reference).
		Msg("submission accepted for processing")
	return sub, nil
}

// Poll checks the provider for the asynchronous outcome of a submitted
// return and records the terminal state if one is available.
func (e *SubmissionEngine) Poll(ctx context.Context, userID, submissionID string) (*model.Submission, error) {
	sub, err := e.getOwned(ctx, userID, submissionID)
	if err != nil {
		return nil, err
	}
	if sub.Status != model.StatusSubmitted {
		return nil, hmrcerr.Submission(hmrcerr.CodeInvalidState,
			fmt.Sprintf("Submission outcome cannot be polled from its current state (%s).", sub.Status), false)
	}

	authCtx, err := e.auth.AuthenticatedContext(ctx, userID)
	if err != nil {
		return nil, err
	}

	result, err := e.provider.PollOutcome(ctx, authCtx.AccessToken, authCtx.Headers, sub.SubmissionType, sub.HMRCReference)
	if err != nil {
		return nil, err
	}

	switch result.Outcome {
	case hmrc.OutcomeAccepted:
		if err := e.appendEvent(ctx, sub, model.StatusAccepted, model.StageCompletion, nil, sub.HMRCReference); err != nil {
			return nil, err
		}
	case hmrc.OutcomeRejected:
		detail := &model.ErrorDetail{
			Code:    hmrcerr.CodeProviderRejected,
			Message: result.Reason,
		}
		if err := e.appendEvent(ctx, sub, model.StatusRejected, model.StageCompletion, detail, sub.HMRCReference); err != nil {
			return nil, err
		}
	case hmrc.OutcomePending:
		// Still processing; no transition.
	}
	return sub, nil
}

// GetStatus returns the submission with its full event history. Ownership
// is enforced before existence is revealed.
func (e *SubmissionEngine) GetStatus(ctx context.Context, userID, submissionID string) (*model.Submission, []model.StatusEvent, error) {
	sub, err := e.getOwned(ctx, userID, submissionID)
	if err != nil {
		return nil, nil, err
	}

	rows, err := e.db.Query(ctx, `
		SELECT id, submission_id, status, stage, hmrc_reference, error_detail, occurred_at
		FROM submission_events WHERE submission_id = $1 ORDER BY occurred_at, id`, submissionID)
	if err != nil {
		return nil, nil, fmt.Errorf("load submission events: %w", err)
	}
	defer rows.Close()

	var events []model.StatusEvent
	for rows.Next() {
		var ev model.StatusEvent
		var reference *string
		if err := rows.Scan(&ev.ID, &ev.SubmissionID, &ev.Status, &ev.Stage,
			&reference, &ev.ErrorDetail, &ev.OccurredAt); err != nil {
			return nil, nil, fmt.Errorf("scan submission event: %w", err)
		}
		if reference != nil {
			ev.HMRCReference = *reference
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate submission events: %w", err)
	}
	return sub, events, nil
}

// List returns the user's submissions, optionally filtered by status.
func (e *SubmissionEngine) List(ctx context.Context, userID, status string) ([]model.Submission, error) {
	query := `
		SELECT id, user_id, submission_type, tax_year, status, stage, hmrc_reference, draft_payload, created_at, updated_at
		FROM submissions WHERE user_id = $1`
	args := []any{userID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := e.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()

	var subs []model.Submission
	for rows.Next() {
		s, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate submissions: %w", err)
	}
	return subs, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSubmission(row scannable) (*model.Submission, error) {
	var s model.Submission
	var reference *string
	if err := row.Scan(&s.ID, &s.UserID, &s.SubmissionType, &s.TaxYear,
		&s.Status, &s.Stage, &reference, &s.DraftPayload, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	if reference != nil {
		s.HMRCReference = *reference
	}
	return &s, nil
}

// getOwned loads a submission and enforces ownership: a foreign submission
// ID yields forbidden, an unknown one yields not found.
func (e *SubmissionEngine) getOwned(ctx context.Context, userID, submissionID string) (*model.Submission, error) {
	row := e.db.QueryRow(ctx, `
		SELECT id, user_id, submission_type, tax_year, status, stage, hmrc_reference, draft_payload, created_at, updated_at
		FROM submissions WHERE id = $1`, submissionID)

	s, err := scanSubmission(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, hmrcerr.Submission(hmrcerr.CodeNotFound, "Submission not found.", false)
	}
	if err != nil {
		return nil, fmt.Errorf("load submission: %w", err)
	}
	if s.UserID != userID {
		return nil, hmrcerr.Submission(hmrcerr.CodeForbidden, "Submission not accessible.", false)
	}
	return s, nil
}

// appendEvent records a transition in the append-only history and advances
// the submission row. The transition table is the only gate; callers never
// write statuses directly.
func (e *SubmissionEngine) appendEvent(ctx context.Context, sub *model.Submission, toStatus, stage string, detail *model.ErrorDetail, reference string) error {
	if !transitionAllowed(sub.Status, toStatus) {
		return hmrcerr.Submission(hmrcerr.CodeInvalidState,
			fmt.Sprintf("Submission cannot move from %s to %s.", sub.Status, toStatus), false)
	}

	var detailJSON []byte
	if detail != nil {
		b, err := json.Marshal(detail)
		if err != nil {
			return fmt.Errorf("marshal error detail: %w", err)
		}
		detailJSON = b
	}

	now := e.now()
	if _, err := e.db.Exec(ctx, `
		INSERT INTO submission_events (id, submission_id, status, stage, hmrc_reference, error_detail, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		platform.NewID(), sub.ID, toStatus, stage, nullable(reference), detailJSON, now); err != nil {
		return fmt.Errorf("append submission event: %w", err)
	}

	ref := sub.HMRCReference
	if reference != "" {
		ref = reference
	}
	if _, err := e.db.Exec(ctx, `
		UPDATE submissions SET status = $1, stage = $2, hmrc_reference = $3, updated_at = $4 WHERE id = $5`,
		toStatus, stage, nullable(ref), now, sub.ID); err != nil {
		return fmt.Errorf("advance submission status: %w", err)
	}

	sub.Status = toStatus
	sub.Stage = stage
	sub.HMRCReference = ref
	sub.UpdatedAt = now
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// errorDetail converts any transmission failure into the persisted shape.
func errorDetail(err error) *model.ErrorDetail {
	if e := hmrcerr.As(err); e != nil {
		return &model.ErrorDetail{
			Code:      e.Code,
			Message:   e.Message,
			Transient: e.Retryable,
			RequestID: e.RequestID,
		}
	}
	return &model.ErrorDetail{
		Code:      hmrcerr.CodeTransient,
		Message:   "Submission could not be transmitted.",
		Transient: true,
	}
}
