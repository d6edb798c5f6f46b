package handler

import (
	"net/http"

	mw "github.com/zenrent/hmrc-connect/internal/api/middleware"
	"github.com/zenrent/hmrc-connect/internal/api/request"
	"github.com/zenrent/hmrc-connect/internal/api/response"
	"github.com/zenrent/hmrc-connect/internal/core"
)

// ClientData stores the browser-collected device profile used for fraud
// prevention headers.
type ClientData struct {
	svc *core.ClientDataService
}

func NewClientData(svc *core.ClientDataService) *ClientData {
	return &ClientData{svc: svc}
}

func (h *ClientData) Put(w http.ResponseWriter, r *http.Request) {
	var req request.PutClientData
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	userID := mw.GetUserID(r.Context())

	// The public address is taken from the connection, never from the
	// payload: a client cannot spoof its own Gov-Client-Public-IP.
	if err := h.svc.Put(r.Context(), userID, req.Profile(), r.RemoteAddr); err != nil {
		response.WriteDomainError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
