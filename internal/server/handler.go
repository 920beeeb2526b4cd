package server

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tradeforge/sniper-relay/internal/audit"
	"github.com/tradeforge/sniper-relay/internal/domain"
	"github.com/tradeforge/sniper-relay/internal/gate"
	"github.com/tradeforge/sniper-relay/internal/noncestore"
	"github.com/tradeforge/sniper-relay/internal/relay"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body.
// TradingView cannot set custom headers, so the gate also accepts the
// shared secret in the body's "secret" field.
const SignatureHeader = "X-Signature"

// WebhookHandler authenticates inbound alerts and hands the validated ones
// to the dispatcher. Every request, accepted or rejected, lands in the
// audit trail when auditing is enabled.
type WebhookHandler struct {
	gate         *gate.Gate
	dispatcher   *relay.Dispatcher
	audits       *audit.Store // nil disables auditing
	nonces       noncestore.Store
	maxBodyBytes int64
}

// NewWebhookHandler wires the handler. audits may be nil.
func NewWebhookHandler(g *gate.Gate, d *relay.Dispatcher, audits *audit.Store, nonces noncestore.Store, maxBodyBytes int) *WebhookHandler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = 10000
	}
	return &WebhookHandler{
		gate:         g,
		dispatcher:   d,
		audits:       audits,
		nonces:       nonces,
		maxBodyBytes: int64(maxBodyBytes),
	}
}

// HandleAlert serves POST /webhook/{token}.
func (h *WebhookHandler) HandleAlert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ctype, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || ctype != "application/json" {
		writeJSON(w, http.StatusUnsupportedMediaType, map[string]any{"error": "application/json required"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	rawBody, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]any{"error": "payload too large"})
			return
		}
		AddError(ctx, err)
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid payload"})
		return
	}

	var payload domain.AlertPayload
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		AddError(ctx, err)
		h.recordEvent(r, &payload, rawBody, false, "malformed payload")
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid payload"})
		return
	}
	if err := payload.Validate(); err != nil {
		AddError(ctx, err)
		h.recordEvent(r, &payload, rawBody, false, "malformed payload")
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid payload"})
		return
	}

	meta := domain.RequestMeta{
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
		RequestID:  GetRequestID(ctx),
	}

	alert, err := h.gate.Authenticate(ctx, chi.URLParam(r, "token"), rawBody, r.Header.Get(SignatureHeader), &payload, meta)
	if err != nil {
		// The specific check that failed is logged and audited, never
		// surfaced to the caller.
		AddError(ctx, err)
		h.recordEvent(r, &payload, rawBody, false, err.Error())
		switch {
		case domain.IsAuthError(err):
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
		case errors.Is(err, domain.ErrMalformedPayload):
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid payload"})
		default:
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
		}
		return
	}

	AddLogField(ctx, "event", payload.Event)
	AddLogField(ctx, "symbol", payload.Symbol)

	if err := h.dispatcher.Enqueue(alert); err != nil {
		AddError(ctx, err)
		h.recordEvent(r, &payload, rawBody, false, "queue full")
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "try again later"})
		return
	}

	h.recordEvent(r, &payload, rawBody, true, "")
	writeJSON(w, http.StatusOK, map[string]any{"queued": true})
}

// HandleHealthz serves GET /healthz, pure liveness.
func (h *WebhookHandler) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// HandleHealth serves GET /health: nonce-store reachability and queue depth.
func (h *WebhookHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.nonces.Ping(r.Context()); err != nil {
		AddError(r.Context(), err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": "nonce store unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":          true,
		"queue_depth": h.dispatcher.Depth(),
	})
}

func (h *WebhookHandler) recordEvent(r *http.Request, p *domain.AlertPayload, rawBody []byte, accepted bool, reason string) {
	if h.audits == nil {
		return
	}
	_, err := h.audits.RecordAPIEvent(r.Context(), &audit.APIEvent{
		ReceivedAt:     time.Now().UTC(),
		IP:             r.RemoteAddr,
		UserAgent:      r.UserAgent(),
		Event:          p.Event,
		Symbol:         p.Symbol,
		Qty:            p.Qty,
		OrderType:      p.OrderType,
		TIF:            p.TimeInForce,
		IdempotencyKey: p.IdempotencyKey,
		Nonce:          p.Nonce,
		Accepted:       accepted,
		Reason:         reason,
		Raw:            string(rawBody),
	})
	if err != nil {
		AddError(r.Context(), err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
