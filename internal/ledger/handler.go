package ledger

import (
	"context"
	"net/http"

	"github.com/frahmantamala/credit-ledger/internal"
	"github.com/frahmantamala/credit-ledger/internal/transport"
)

type BalanceReader interface {
	GetBalance(ctx context.Context, userID string) (int, error)
}

type BalanceResponse struct {
	UserID  string `json:"user_id"`
	Credits int    `json:"credits"`
}

type Handler struct {
	*transport.BaseHandler
	Balances BalanceReader
}

func NewHandler(base *transport.BaseHandler, balances BalanceReader) *Handler {
	return &Handler{BaseHandler: base, Balances: balances}
}

// GetBalance handles GET /api/v1/credits/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := internal.UserIDFromContext(r.Context())

	bal, err := h.Balances.GetBalance(r.Context(), userID)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, BalanceResponse{UserID: userID, Credits: bal})
}
