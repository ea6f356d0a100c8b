package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/frahmantamala/credit-ledger/internal"
	"github.com/frahmantamala/credit-ledger/internal/mercadopago"
	"github.com/frahmantamala/credit-ledger/internal/transport"
	"github.com/frahmantamala/credit-ledger/internal/webhooklog"
	"github.com/frahmantamala/credit-ledger/pkg/logger"
)

// Response statuses acknowledged back to the gateway.
const (
	StatusProcessed        = "processed"
	StatusAlreadyProcessed = "already_processed"
	StatusNotApproved      = "not_approved"
	StatusInProgress       = "in_progress"
	StatusIgnored          = "ignored"
	StatusRejected         = "rejected"
	StatusRateLimited      = "rate_limited"
	StatusForbidden        = "forbidden"
	StatusPayloadTooLarge  = "payload_too_large"
	StatusInvalidPayload   = "invalid_payload"
	StatusInvalidSignature = "invalid_signature"
	StatusError            = "error"
)

// Delivery is one accepted webhook, ready for reconciliation.
type Delivery struct {
	Event          Event
	Payload        map[string]interface{}
	Signature      string
	SignatureValid bool
	SourceIP       string
	RequestID      string
}

type Result struct {
	Status  string
	Message string
}

// Processor resolves a delivery and writes its audit row.
type Processor interface {
	Handle(ctx context.Context, d Delivery) Result
}

type AckResponse struct {
	Received bool   `json:"received"`
	Status   string `json:"status,omitempty"`
}

type HandlerConfig struct {
	WebhookSecret    string
	RequireSignature bool
	MaxBodyBytes     int64
	RequestTimeout   time.Duration
}

// Handler ingests gateway notifications. It always answers 200 so the gateway
// stops redelivering; failure detail goes to the audit log.
type Handler struct {
	*transport.BaseHandler
	processor   Processor
	limiter     RateLimiter
	ipValidator *IPValidator
	audit       webhooklog.Store
	cfg         HandlerConfig
	logger      *slog.Logger
}

func NewHandler(base *transport.BaseHandler, processor Processor, limiter RateLimiter, ipValidator *IPValidator,
	audit webhooklog.Store, cfg HandlerConfig, lg *slog.Logger) *Handler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = MaxBodyBytes
	}
	return &Handler{
		BaseHandler: base,
		processor:   processor,
		limiter:     limiter,
		ipValidator: ipValidator,
		audit:       audit,
		cfg:         cfg,
		logger:      logger.OrDefault(lg),
	}
}

// HandleNotification handles POST and GET /webhooks/mercadopago
func (h *Handler) HandleNotification(w http.ResponseWriter, r *http.Request) {
	ip := h.ipValidator.SourceIP(r)
	requestID := r.Header.Get("x-request-id")
	signature := r.Header.Get("x-signature")
	ctx := logger.With(r.Context(), "source_ip", ip, "request_id", requestID)
	log := logger.From(ctx)

	reject := func(status, reason string, payload map[string]interface{}, eventType, paymentID string) {
		h.record(ctx, webhooklog.Entry{
			PaymentID: paymentID,
			EventType: eventType,
			Payload:   payload,
			Signature: signature,
			Error:     reason,
			SourceIP:  ip,
			RequestID: requestID,
		})
		h.ack(w, status)
	}

	if h.limiter != nil {
		allowed, err := h.limiter.Allow(ctx, ip)
		if err != nil {
			log.Error("rate limiter unavailable, allowing request", "error", err)
		}
		if !allowed {
			log.Warn("webhook rate limit exceeded")
			reject(StatusRateLimited, "rate limit exceeded", nil, "", "")
			return
		}
	}

	if h.ipValidator != nil && !h.ipValidator.Allowed(ip) {
		log.Warn("webhook from unexpected source ip", "security", true)
		reject(StatusForbidden, "source ip not allowed", nil, "", "")
		return
	}

	raw, err := h.readBody(r)
	if err != nil {
		log.Warn("webhook body rejected", "error", err)
		reject(StatusPayloadTooLarge, err.Error(), nil, "", "")
		return
	}

	body, err := decodeBody(raw, r)
	if err != nil {
		log.Warn("webhook body is not valid json", "error", err)
		reject(StatusInvalidPayload, "invalid json body", nil, "", "")
		return
	}

	payload := Sanitize(body)
	event := Parse(payload)
	log = log.With("event_type", event.Type, "resource_id", event.ResourceID)

	signatureValid := false
	if h.cfg.WebhookSecret != "" {
		dataID := r.URL.Query().Get("data.id")
		if dataID == "" {
			dataID = event.ResourceID
		}
		if err := mercadopago.VerifySignature(h.cfg.WebhookSecret, signature, requestID, dataID); err != nil {
			if h.cfg.RequireSignature {
				log.Warn("webhook signature rejected", "error", err, "security", true)
				reject(StatusInvalidSignature, err.Error(), payload, string(event.Type), event.ResourceID)
				return
			}
			log.Warn("webhook signature not verified", "error", err)
		} else {
			signatureValid = true
		}
	}

	if event.Type == EventUnknown {
		log.Info("ignoring unknown webhook event")
		reject(StatusIgnored, "unknown event type", payload, string(EventUnknown), "")
		return
	}

	pctx, cancel := internal.WithTimeout(ctx, h.cfg.RequestTimeout)
	defer cancel()

	res := h.processor.Handle(pctx, Delivery{
		Event:          event,
		Payload:        payload,
		Signature:      signature,
		SignatureValid: signatureValid,
		SourceIP:       ip,
		RequestID:      requestID,
	})

	log.Info("webhook handled", "status", res.Status, "message", res.Message)
	h.ack(w, res.Status)
}

func (h *Handler) readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	if r.ContentLength > h.cfg.MaxBodyBytes {
		return nil, ErrPayloadTooLarge
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, h.cfg.MaxBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(raw)) > h.cfg.MaxBodyBytes {
		return nil, ErrPayloadTooLarge
	}
	return raw, nil
}

// decodeBody prefers the JSON body and falls back to the query string, which is
// how GET and IPN deliveries arrive.
func decodeBody(raw []byte, r *http.Request) (map[string]interface{}, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return ParseQuery(r.URL.Query()), nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var body map[string]interface{}
	if err := dec.Decode(&body); err != nil {
		return nil, err
	}
	if body == nil {
		return nil, errors.New("empty json document")
	}

	if len(Sanitize(body)) == 0 {
		return ParseQuery(r.URL.Query()), nil
	}
	return body, nil
}

func (h *Handler) record(ctx context.Context, e webhooklog.Entry) {
	if h.audit == nil {
		return
	}
	actx, cancel := internal.Detached(ctx, 5*time.Second)
	defer cancel()
	if err := h.audit.Record(actx, e); err != nil {
		h.logger.Error("failed to write webhook audit log", "error", err, "status", e.Error)
	}
}

func (h *Handler) ack(w http.ResponseWriter, status string) {
	h.WriteJSON(w, http.StatusOK, AckResponse{Received: true, Status: status})
}
