package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	mw "github.com/zenrent/hmrc-connect/internal/api/middleware"
	"github.com/zenrent/hmrc-connect/internal/api/request"
	"github.com/zenrent/hmrc-connect/internal/api/response"
	"github.com/zenrent/hmrc-connect/internal/core"
	"github.com/zenrent/hmrc-connect/internal/hmrcerr"
	"github.com/zenrent/hmrc-connect/internal/model"
)

// Submission drives the submission lifecycle over HTTP.
type Submission struct {
	engine *core.SubmissionEngine
}

func NewSubmission(engine *core.SubmissionEngine) *Submission {
	return &Submission{engine: engine}
}

type submitRequest struct {
	SubmissionType string          `json:"submission_type" validate:"required,oneof=property-income self-assessment vat"`
	TaxYear        string          `json:"tax_year" validate:"required,taxyear"`
	DraftData      json.RawMessage `json:"draft_data"`
}

type submitResponse struct {
	Success       bool                   `json:"success"`
	SubmissionID  string                 `json:"submission_id"`
	HMRCReference string                 `json:"hmrc_reference,omitempty"`
	Status        string                 `json:"status"`
	Error         *response.ErrorResponse `json:"error,omitempty"`
}

// Submit sends a return to HMRC. When draft_data is supplied the draft is
// saved (or replaced) first; otherwise an existing draft is used.
func (h *Submission) Submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	userID := mw.GetUserID(r.Context())

	var sub *model.Submission
	var err error
	if len(req.DraftData) > 0 {
		sub, err = h.engine.SaveDraft(r.Context(), userID, req.SubmissionType, req.TaxYear, req.DraftData)
	} else {
		sub, err = h.engine.FindDraft(r.Context(), userID, req.SubmissionType, req.TaxYear)
	}
	if err != nil {
		response.WriteDomainError(w, err)
		return
	}

	sub, err = h.engine.Submit(r.Context(), userID, sub.ID)
	if err != nil {
		// The submission record now holds the failure; report it with the
		// classified detail rather than a bare error.
		e := hmrcerr.As(err)
		if e == nil || sub == nil {
			response.WriteDomainError(w, err)
			return
		}
		status := hmrcerr.HTTPStatus(e)
		body := submitResponse{
			Success:      false,
			SubmissionID: sub.ID,
			Status:       sub.Status,
			Error: &response.ErrorResponse{
				Error:     e.Message,
				Code:      e.Code,
				RequestID: e.RequestID,
				Action:    e.Action,
			},
		}
		response.WriteJSON(w, status, body)
		return
	}

	response.WriteJSON(w, http.StatusOK, submitResponse{
		Success:       true,
		SubmissionID:  sub.ID,
		HMRCReference: sub.HMRCReference,
		Status:        sub.Status,
	})
}

// SaveDraft stores a draft without transmitting it.
func (h *Submission) SaveDraft(w http.ResponseWriter, r *http.Request) {
	var req request.CreateDraft
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	userID := mw.GetUserID(r.Context())
	sub, err := h.engine.SaveDraft(r.Context(), userID, req.SubmissionType, req.TaxYear, req.Payload)
	if err != nil {
		response.WriteDomainError(w, err)
		return
	}

	response.WriteJSON(w, http.StatusCreated, sub)
}

// List returns the caller's submissions, optionally filtered by ?status=.
func (h *Submission) List(w http.ResponseWriter, r *http.Request) {
	userID := mw.GetUserID(r.Context())

	subs, err := h.engine.List(r.Context(), userID, r.URL.Query().Get("status"))
	if err != nil {
		response.WriteDomainError(w, err)
		return
	}

	response.WriteJSON(w, http.StatusOK, map[string]any{"submissions": subs})
}

// Get returns one submission with its full status history.
func (h *Submission) Get(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	userID := mw.GetUserID(r.Context())
	sub, events, err := h.engine.GetStatus(r.Context(), userID, id)
	if err != nil {
		response.WriteDomainError(w, err)
		return
	}

	response.WriteJSON(w, http.StatusOK, map[string]any{
		"submission": sub,
		"events":     events,
	})
}

type updateRequest struct {
	Action  string          `json:"action" validate:"omitempty,oneof=retry"`
	Payload json.RawMessage `json:"payload"`
}

// Update either retries a failed submission ({action:"retry"}) or replaces
// a draft's payload ({payload:...}).
func (h *Submission) Update(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req updateRequest
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	userID := mw.GetUserID(r.Context())

	switch {
	case req.Action == "retry":
		sub, err := h.engine.Retry(r.Context(), userID, id)
		if err != nil {
			response.WriteDomainError(w, err)
			return
		}
		response.WriteJSON(w, http.StatusOK, sub)
	case len(req.Payload) > 0:
		sub, err := h.engine.UpdateDraft(r.Context(), userID, id, req.Payload)
		if err != nil {
			response.WriteDomainError(w, err)
			return
		}
		response.WriteJSON(w, http.StatusOK, sub)
	default:
		response.WriteError(w, http.StatusBadRequest, "nothing to do: provide action or payload")
	}
}

// Poll fetches the asynchronous processing outcome from HMRC.
func (h *Submission) Poll(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	userID := mw.GetUserID(r.Context())
	sub, err := h.engine.Poll(r.Context(), userID, id)
	if err != nil {
		response.WriteDomainError(w, err)
		return
	}

	response.WriteJSON(w, http.StatusOK, sub)
}
