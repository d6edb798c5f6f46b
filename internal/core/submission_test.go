package core

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/zenrent/hmrc-connect/internal/hmrc"
	"github.com/zenrent/hmrc-connect/internal/hmrcerr"
	"github.com/zenrent/hmrc-connect/internal/model"
)

type mockSubmitter struct {
	mock.Mock
}

func (m *mockSubmitter) SubmitReturn(ctx context.Context, accessToken string, fraudHeaders http.Header, submissionType, taxYear string, payload json.RawMessage, idempotencyKey string) (*hmrc.SubmitResult, error) {
	args := m.Called(ctx, accessToken, fraudHeaders, submissionType, taxYear, payload, idempotencyKey)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*hmrc.SubmitResult), args.Error(1)
}

func (m *mockSubmitter) PollOutcome(ctx context.Context, accessToken string, fraudHeaders http.Header, submissionType, reference string) (*hmrc.PollResult, error) {
	args := m.Called(ctx, accessToken, fraudHeaders, submissionType, reference)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*hmrc.PollResult), args.Error(1)
}

type staticAuthenticator struct {
	authCtx *AuthContext
	err     error
}

func (s *staticAuthenticator) AuthenticatedContext(ctx context.Context, userID string) (*AuthContext, error) {
	return s.authCtx, s.err
}

// submissionRow yields one submissions row in the column order the engine
// selects.
func submissionRow(sub *model.Submission) *mockRow {
	return &mockRow{scanFunc: func(dest ...any) error {
		*dest[0].(*string) = sub.ID
		*dest[1].(*string) = sub.UserID
		*dest[2].(*string) = sub.SubmissionType
		*dest[3].(*string) = sub.TaxYear
		*dest[4].(*string) = sub.Status
		*dest[5].(*string) = sub.Stage
		if sub.HMRCReference != "" {
			ref := sub.HMRCReference
			*dest[6].(**string) = &ref
		}
		*dest[7].(*json.RawMessage) = sub.DraftPayload
		*dest[8].(*time.Time) = sub.CreatedAt
		*dest[9].(*time.Time) = sub.UpdatedAt
		return nil
	}}
}

func draftSubmission() *model.Submission {
	now := time.Now()
	return &model.Submission{
		ID:             "sub-1",
		UserID:         "u1",
		SubmissionType: model.SubmissionTypePropertyIncome,
		TaxYear:        "2025-26",
		Status:         model.StatusDraft,
		Stage:          model.StagePreparation,
		DraftPayload:   json.RawMessage(`{"income":12000}`),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func newTestEngine(db *mockDB, auth Authenticator, provider Submitter) *SubmissionEngine {
	e := NewSubmissionEngine(db, auth, provider, zerolog.Nop())
	e.maxAttempts = 1 // keep failure tests free of backoff sleeps
	return e
}

func okAuth() *staticAuthenticator {
	return &staticAuthenticator{authCtx: &AuthContext{
		AccessToken: "access",
		Headers:     http.Header{"Gov-Client-Connection-Method": {"WEB_APP_VIA_SERVER"}},
	}}
}

func TestIdempotencyKey_Stable(t *testing.T) {
	assert.Equal(t, idempotencyKey("sub-1"), idempotencyKey("sub-1"))
	assert.NotEqual(t, idempotencyKey("sub-1"), idempotencyKey("sub-2"))
	assert.Len(t, idempotencyKey("sub-1"), 32)
}

func TestTransitionTable(t *testing.T) {
	assert.True(t, transitionAllowed(model.StatusDraft, model.StatusSubmitting))
	assert.True(t, transitionAllowed(model.StatusSubmitting, model.StatusSubmitted))
	assert.True(t, transitionAllowed(model.StatusSubmitting, model.StatusFailed))
	assert.True(t, transitionAllowed(model.StatusSubmitted, model.StatusAccepted))
	assert.True(t, transitionAllowed(model.StatusSubmitted, model.StatusRejected))
	assert.True(t, transitionAllowed(model.StatusFailed, model.StatusRetrying))
	assert.True(t, transitionAllowed(model.StatusRetrying, model.StatusSubmitting))

	assert.False(t, transitionAllowed(model.StatusDraft, model.StatusSubmitted))
	assert.False(t, transitionAllowed(model.StatusSubmitted, model.StatusSubmitting))
	assert.False(t, transitionAllowed(model.StatusAccepted, model.StatusSubmitting))
	assert.False(t, transitionAllowed(model.StatusRejected, model.StatusRetrying))
}

func TestSubmissionEngine_Submit_Success(t *testing.T) {
	db := &mockDB{}
	provider := &mockSubmitter{}
	engine := newTestEngine(db, okAuth(), provider)
	ctx := context.Background()

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(submissionRow(draftSubmission()))
	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, nil)

	provider.On("SubmitReturn", mock.Anything, "access", mock.Anything,
		model.SubmissionTypePropertyIncome, "2025-26", mock.Anything, idempotencyKey("sub-1")).
		Return(&hmrc.SubmitResult{Reference: "calc-123"}, nil)

	sub, err := engine.Submit(ctx, "u1", "sub-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusSubmitted, sub.Status)
	assert.Equal(t, "calc-123", sub.HMRCReference)
	provider.AssertExpectations(t)
}

func TestSubmissionEngine_Submit_TransientFailureRecordsFailed(t *testing.T) {
	db := &mockDB{}
	provider := &mockSubmitter{}
	engine := newTestEngine(db, okAuth(), provider)
	ctx := context.Background()

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(submissionRow(draftSubmission()))

	var eventDetails [][]any
	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Run(func(args mock.Arguments) { eventDetails = append(eventDetails, args.Get(2).([]any)) }).
		Return(pgconn.CommandTag{}, nil)

	// Provider outage: 503-style transient error.
	provider.On("SubmitReturn", mock.Anything, mock.Anything, mock.Anything,
		mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, hmrcerr.Submission(hmrcerr.CodeTransient,
			"HMRC is temporarily unavailable.", true))

	sub, err := engine.Submit(ctx, "u1", "sub-1")
	require.Error(t, err)
	assert.Equal(t, model.StatusFailed, sub.Status)
	assert.True(t, hmrcerr.IsRetryable(err))

	// The failed event carries the structured error detail with the
	// transient flag set, so a later retry decision needs no log trawling.
	var detail *model.ErrorDetail
	for _, args := range eventDetails {
		if len(args) >= 6 {
			if raw, ok := args[5].([]byte); ok && len(raw) > 0 {
				var d model.ErrorDetail
				require.NoError(t, json.Unmarshal(raw, &d))
				detail = &d
			}
		}
	}
	require.NotNil(t, detail, "failed event must carry error detail")
	assert.True(t, detail.Transient)
	assert.Equal(t, hmrcerr.CodeTransient, detail.Code)
}

func TestSubmissionEngine_Retry_FromFailed(t *testing.T) {
	db := &mockDB{}
	provider := &mockSubmitter{}
	engine := newTestEngine(db, okAuth(), provider)
	ctx := context.Background()

	failed := draftSubmission()
	failed.Status = model.StatusFailed
	failed.Stage = model.StageTransmission

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(submissionRow(failed))

	var statuses []string
	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Run(func(args mock.Arguments) {
			a := args.Get(2).([]any)
			if len(a) == 7 { // submission_events insert
				statuses = append(statuses, a[2].(string))
			}
		}).
		Return(pgconn.CommandTag{}, nil)

	provider.On("SubmitReturn", mock.Anything, mock.Anything, mock.Anything,
		mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(&hmrc.SubmitResult{Reference: "calc-456"}, nil)

	sub, err := engine.Retry(ctx, "u1", "sub-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusSubmitted, sub.Status)

	// Every transition is appended, never rewritten: retrying, submitting,
	// then submitted.
	assert.Equal(t, []string{model.StatusRetrying, model.StatusSubmitting, model.StatusSubmitted}, statuses)
}

func TestSubmissionEngine_Retry_FromSubmittedRejected(t *testing.T) {
	db := &mockDB{}
	provider := &mockSubmitter{}
	engine := newTestEngine(db, okAuth(), provider)
	ctx := context.Background()

	submitted := draftSubmission()
	submitted.Status = model.StatusSubmitted
	submitted.HMRCReference = "calc-123"

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(submissionRow(submitted))

	_, err := engine.Retry(ctx, "u1", "sub-1")
	require.Error(t, err)

	e := hmrcerr.As(err)
	require.NotNil(t, e)
	assert.Equal(t, hmrcerr.CodeInvalidState, e.Code)
	provider.AssertNotCalled(t, "SubmitReturn", mock.Anything, mock.Anything, mock.Anything,
		mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestSubmissionEngine_Submit_NotFound(t *testing.T) {
	db := &mockDB{}
	engine := newTestEngine(db, okAuth(), &mockSubmitter{})
	ctx := context.Background()

	row := &mockRow{scanFunc: func(dest ...any) error { return pgx.ErrNoRows }}
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).Return(row)

	_, err := engine.Submit(ctx, "u1", "missing")
	require.Error(t, err)

	e := hmrcerr.As(err)
	require.NotNil(t, e)
	assert.Equal(t, hmrcerr.CodeNotFound, e.Code)
}

func TestSubmissionEngine_Submit_ForeignSubmissionForbidden(t *testing.T) {
	db := &mockDB{}
	engine := newTestEngine(db, okAuth(), &mockSubmitter{})
	ctx := context.Background()

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(submissionRow(draftSubmission()))

	_, err := engine.Submit(ctx, "u2", "sub-1")
	require.Error(t, err)

	e := hmrcerr.As(err)
	require.NotNil(t, e)
	assert.Equal(t, hmrcerr.CodeForbidden, e.Code)
}

func TestSubmissionEngine_Poll_RecordsAccepted(t *testing.T) {
	db := &mockDB{}
	provider := &mockSubmitter{}
	engine := newTestEngine(db, okAuth(), provider)
	ctx := context.Background()

	submitted := draftSubmission()
	submitted.Status = model.StatusSubmitted
	submitted.Stage = model.StageProcessing
	submitted.HMRCReference = "calc-123"

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(submissionRow(submitted))
	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, nil)

	provider.On("PollOutcome", mock.Anything, "access", mock.Anything,
		model.SubmissionTypePropertyIncome, "calc-123").
		Return(&hmrc.PollResult{Outcome: hmrc.OutcomeAccepted}, nil)

	sub, err := engine.Poll(ctx, "u1", "sub-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusAccepted, sub.Status)
	assert.Equal(t, model.StageCompletion, sub.Stage)
}

func TestSubmissionEngine_Poll_PendingLeavesStateAlone(t *testing.T) {
	db := &mockDB{}
	provider := &mockSubmitter{}
	engine := newTestEngine(db, okAuth(), provider)
	ctx := context.Background()

	submitted := draftSubmission()
	submitted.Status = model.StatusSubmitted
	submitted.HMRCReference = "calc-123"

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(submissionRow(submitted))

	provider.On("PollOutcome", mock.Anything, mock.Anything, mock.Anything,
		mock.Anything, mock.Anything).
		Return(&hmrc.PollResult{Outcome: hmrc.OutcomePending}, nil)

	sub, err := engine.Poll(ctx, "u1", "sub-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusSubmitted, sub.Status)
	db.AssertNotCalled(t, "Exec", mock.Anything, mock.Anything, mock.Anything)
}

func TestSubmissionEngine_Poll_FromDraftRejected(t *testing.T) {
	db := &mockDB{}
	engine := newTestEngine(db, okAuth(), &mockSubmitter{})
	ctx := context.Background()

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(submissionRow(draftSubmission()))

	_, err := engine.Poll(ctx, "u1", "sub-1")
	require.Error(t, err)
	assert.Equal(t, hmrcerr.CodeInvalidState, hmrcerr.As(err).Code)
}

func TestSubmissionEngine_GetStatus_IncludesHistory(t *testing.T) {
	db := &mockDB{}
	engine := newTestEngine(db, okAuth(), &mockSubmitter{})
	ctx := context.Background()

	submitted := draftSubmission()
	submitted.Status = model.StatusSubmitted
	submitted.HMRCReference = "calc-123"

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(submissionRow(submitted))

	now := time.Now()
	rows := newMockRows(
		func(dest ...any) error {
			*dest[0].(*string) = "ev-1"
			*dest[1].(*string) = "sub-1"
			*dest[2].(*string) = model.StatusSubmitting
			*dest[3].(*string) = model.StageTransmission
			*dest[5].(*json.RawMessage) = nil
			*dest[6].(*time.Time) = now.Add(-time.Minute)
			return nil
		},
		func(dest ...any) error {
			*dest[0].(*string) = "ev-2"
			*dest[1].(*string) = "sub-1"
			*dest[2].(*string) = model.StatusSubmitted
			*dest[3].(*string) = model.StageProcessing
			ref := "calc-123"
			*dest[4].(**string) = &ref
			*dest[6].(*time.Time) = now
			return nil
		},
	)
	db.On("Query", mock.Anything, mock.AnythingOfType("string"), mock.Anything).Return(rows, nil)

	sub, events, err := engine.GetStatus(ctx, "u1", "sub-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusSubmitted, sub.Status)
	require.Len(t, events, 2)
	assert.Equal(t, model.StatusSubmitting, events[0].Status)
	assert.Equal(t, model.StatusSubmitted, events[1].Status)
	assert.Equal(t, "calc-123", events[1].HMRCReference)
}

func TestSubmissionEngine_SaveDraft(t *testing.T) {
	db := &mockDB{}
	engine := newTestEngine(db, okAuth(), &mockSubmitter{})
	ctx := context.Background()

	now := time.Now()
	row := &mockRow{scanFunc: func(dest ...any) error {
		*dest[0].(*string) = "sub-1"
		*dest[1].(*time.Time) = now
		return nil
	}}
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).Return(row)

	sub, err := engine.SaveDraft(ctx, "u1", model.SubmissionTypePropertyIncome, "2025-26",
		json.RawMessage(`{"income":12000}`))
	require.NoError(t, err)
	assert.Equal(t, "sub-1", sub.ID)
	assert.Equal(t, model.StatusDraft, sub.Status)
}

func TestSubmissionEngine_List_FilterByStatus(t *testing.T) {
	db := &mockDB{}
	engine := newTestEngine(db, okAuth(), &mockSubmitter{})
	ctx := context.Background()

	sub := draftSubmission()
	rows := newMockRows(func(dest ...any) error {
		return submissionRow(sub).Scan(dest...)
	})

	var captured []any
	db.On("Query", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Run(func(args mock.Arguments) { captured = args.Get(2).([]any) }).
		Return(rows, nil)

	subs, err := engine.List(ctx, "u1", model.StatusDraft)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "sub-1", subs[0].ID)
	assert.Equal(t, []any{"u1", model.StatusDraft}, captured)
}
