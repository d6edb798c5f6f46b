package model

import (
	"encoding/json"
	"time"
)

// Submission statuses. Transitions are recorded as append-only StatusEvents;
// the submission row's status column mirrors the latest event.
const (
	StatusDraft      = "draft"
	StatusSubmitting = "submitting"
	StatusSubmitted  = "submitted"
	StatusAccepted   = "accepted"
	StatusRejected   = "rejected"
	StatusFailed     = "failed"
	StatusRetrying   = "retrying"
)

// Submission stages, mirroring where in the pipeline the latest event occurred.
const (
	StagePreparation  = "preparation"
	StageTransmission = "transmission"
	StageProcessing   = "processing"
	StageCompletion   = "completion"
)

// Submission types accepted by the engine.
const (
	SubmissionTypePropertyIncome = "property-income"
	SubmissionTypeSelfAssessment = "self-assessment"
	SubmissionTypeVAT            = "vat"
)

type Submission struct {
	ID             string          `json:"id"`
	UserID         string          `json:"user_id"`
	SubmissionType string          `json:"submission_type"`
	TaxYear        string          `json:"tax_year"`
	Status         string          `json:"status"`
	Stage          string          `json:"stage"`
	HMRCReference  string          `json:"hmrc_reference,omitempty"`
	DraftPayload   json.RawMessage `json:"draft_payload,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// StatusEvent is one row of a submission's append-only history.
type StatusEvent struct {
	ID            string          `json:"id"`
	SubmissionID  string          `json:"submission_id"`
	Status        string          `json:"status"`
	Stage         string          `json:"stage"`
	HMRCReference string          `json:"hmrc_reference,omitempty"`
	ErrorDetail   json.RawMessage `json:"error_detail,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// ErrorDetail is the structured payload stored on failed events.
type ErrorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Transient bool   `json:"transient"`
	RequestID string `json:"request_id,omitempty"`
}
