package video

import (
	"crypto/subtle"
	"net/http"

	"github.com/go-chi/chi"

	"github.com/frahmantamala/credit-ledger/internal"
	"github.com/frahmantamala/credit-ledger/internal/core/common/validation"
	"github.com/frahmantamala/credit-ledger/internal/transport"
	"github.com/frahmantamala/credit-ledger/internal/vidu"
)

type Handler struct {
	*transport.BaseHandler
	Service       ServiceAPI
	callbackToken string
}

func NewHandler(base *transport.BaseHandler, svc ServiceAPI, callbackToken string) *Handler {
	return &Handler{BaseHandler: base, Service: svc, callbackToken: callbackToken}
}

// Generate handles POST /api/v1/videos
func (h *Handler) Generate(w http.ResponseWriter, r *http.Request) {
	userID := internal.UserIDFromContext(r.Context())

	var req GenerateRequest
	if appErr := h.DecodeJSON(r, &req); appErr != nil {
		h.HandleError(w, appErr)
		return
	}
	if appErr := validation.Struct(req); appErr != nil {
		h.HandleError(w, appErr)
		return
	}

	v, err := h.Service.Generate(r.Context(), userID, req)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusAccepted, ToResponse(v))
}

// GetVideo handles GET /api/v1/videos/{id}
func (h *Handler) GetVideo(w http.ResponseWriter, r *http.Request) {
	userID := internal.UserIDFromContext(r.Context())

	v, err := h.Service.Get(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, ToResponse(v))
}

// Retry handles POST /api/v1/videos/{id}/retry
func (h *Handler) Retry(w http.ResponseWriter, r *http.Request) {
	v, err := h.Service.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusAccepted, ToResponse(v))
}

// Callback handles POST /api/v1/videos/callback
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("X-Callback-Token")
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if h.callbackToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(h.callbackToken)) != 1 {
		h.HandleError(w, internal.ErrInvalidToken)
		return
	}

	var cb vidu.Callback
	if appErr := h.DecodeJSON(r, &cb); appErr != nil {
		h.HandleError(w, appErr)
		return
	}

	if err := h.Service.HandleCallback(r.Context(), cb); err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, map[string]bool{"received": true})
}
