package purchase

import (
	"net/http"

	"github.com/go-chi/chi"

	"github.com/frahmantamala/credit-ledger/internal"
	"github.com/frahmantamala/credit-ledger/internal/core/common/validation"
	"github.com/frahmantamala/credit-ledger/internal/transport"
)

type Handler struct {
	*transport.BaseHandler
	Service ServiceAPI
}

func NewHandler(base *transport.BaseHandler, svc ServiceAPI) *Handler {
	return &Handler{BaseHandler: base, Service: svc}
}

// Checkout handles POST /api/v1/purchases
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	userID := internal.UserIDFromContext(r.Context())

	var req CheckoutRequest
	if appErr := h.DecodeJSON(r, &req); appErr != nil {
		h.HandleError(w, appErr)
		return
	}
	if appErr := validation.Struct(req); appErr != nil {
		h.HandleError(w, appErr)
		return
	}

	res, err := h.Service.Checkout(r.Context(), userID, req.PackageID)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusCreated, res)
}

// GetPurchase handles GET /api/v1/purchases/{id}
func (h *Handler) GetPurchase(w http.ResponseWriter, r *http.Request) {
	userID := internal.UserIDFromContext(r.Context())

	p, err := h.Service.Get(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, ToResponse(p))
}
