package reconciliation

import (
	"context"
	"net/http"

	"github.com/frahmantamala/credit-ledger/internal"
	"github.com/frahmantamala/credit-ledger/internal/core/common/validation"
	"github.com/frahmantamala/credit-ledger/internal/transport"
)

type PendingChecker interface {
	CheckPending(ctx context.Context, userID string, limit int) (*PendingResult, error)
}

type CheckPendingRequest struct {
	Limit int `json:"limit" validate:"omitempty,min=1,max=50"`
}

type Handler struct {
	*transport.BaseHandler
	Checker PendingChecker
}

func NewHandler(base *transport.BaseHandler, checker PendingChecker) *Handler {
	return &Handler{BaseHandler: base, Checker: checker}
}

// CheckPending handles POST /api/v1/purchases/pending/check
func (h *Handler) CheckPending(w http.ResponseWriter, r *http.Request) {
	userID := internal.UserIDFromContext(r.Context())

	var req CheckPendingRequest
	if r.ContentLength != 0 {
		if appErr := h.DecodeJSON(r, &req); appErr != nil {
			h.HandleError(w, appErr)
			return
		}
	}
	if appErr := validation.Struct(req); appErr != nil {
		h.HandleError(w, appErr)
		return
	}

	res, err := h.Checker.CheckPending(r.Context(), userID, req.Limit)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, res)
}
