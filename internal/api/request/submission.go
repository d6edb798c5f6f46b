package request

import "encoding/json"

type CreateDraft struct {
	SubmissionType string          `json:"submission_type" validate:"required,oneof=property-income self-assessment vat"`
	TaxYear        string          `json:"tax_year" validate:"required,taxyear"`
	Payload        json.RawMessage `json:"payload" validate:"required"`
}

type UpdateDraft struct {
	Payload json.RawMessage `json:"payload" validate:"required"`
}
