package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/arclighthealth/radsched/internal/conversation"
	"github.com/arclighthealth/radsched/internal/http/middleware"
	"github.com/arclighthealth/radsched/internal/observability/metrics"
	"github.com/arclighthealth/radsched/pkg/logging"
)

type inboundProcessor interface {
	HandleInboundSMS(ctx context.Context, msg conversation.InboundMessage) error
}

type deliveryAuditor interface {
	UpdateDeliveryStatus(ctx context.Context, providerMessageID string, success bool, errorCode string) error
}

// SMSWebhookHandler receives inbound messages and delivery receipts from the
// SMS providers.
type SMSWebhookHandler struct {
	engine          inboundProcessor
	auditor         deliveryAuditor
	security        middleware.SecurityAuditor
	twilioAuthToken string
	telnyxSecret    string
	publicBaseURL   string
	logger          *logging.Logger
	metrics         *metrics.MessagingMetrics
}

// SMSWebhookConfig wires an SMSWebhookHandler.
type SMSWebhookConfig struct {
	Engine          inboundProcessor
	Auditor         deliveryAuditor
	Security        middleware.SecurityAuditor
	TwilioAuthToken string
	TelnyxSecret    string
	PublicBaseURL   string
	Logger          *logging.Logger
	Metrics         *metrics.MessagingMetrics
}

func NewSMSWebhookHandler(cfg SMSWebhookConfig) *SMSWebhookHandler {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &SMSWebhookHandler{
		engine:          cfg.Engine,
		auditor:         cfg.Auditor,
		security:        cfg.Security,
		twilioAuthToken: cfg.TwilioAuthToken,
		telnyxSecret:    cfg.TelnyxSecret,
		publicBaseURL:   cfg.PublicBaseURL,
		logger:          cfg.Logger,
		metrics:         cfg.Metrics,
	}
}

// Twilio accepts POST /webhooks/sms/twilio (form-encoded). A verified
// message always answers empty TwiML, even when processing fails: the reply
// was audited on the way in, and a non-2xx here would start a redelivery
// storm. Twilio sends no automatic reply to an empty response.
func (h *SMSWebhookHandler) Twilio(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if err := r.ParseForm(); err != nil {
		h.observe("twilio", "bad_form", start)
		respondError(w, http.StatusBadRequest, "invalid form")
		return
	}
	if !middleware.VerifyTwilioSignature(
		h.twilioAuthToken,
		h.publicBaseURL+r.URL.RequestURI(),
		r.PostForm,
		r.Header.Get("X-Twilio-Signature"),
	) {
		middleware.RecordAuthFailure(r, h.security, "twilio webhook")
		h.observe("twilio", "bad_signature", start)
		respondError(w, http.StatusForbidden, "invalid signature")
		return
	}

	err := h.engine.HandleInboundSMS(r.Context(), conversation.InboundMessage{
		From:              r.PostForm.Get("From"),
		Body:              r.PostForm.Get("Body"),
		Provider:          "twilio",
		ProviderMessageID: r.PostForm.Get("MessageSid"),
	})
	if err != nil {
		h.logger.Error("twilio inbound processing failed", "error", err)
		h.observe("twilio", "error", start)
	} else {
		h.observe("twilio", "ok", start)
	}

	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><Response></Response>`))
}

// TwilioStatus accepts delivery receipts and patches the matching audit
// entry. Always 200: a receipt is informational and never worth a retry storm.
func (h *SMSWebhookHandler) TwilioStatus(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		respondError(w, http.StatusBadRequest, "invalid form")
		return
	}
	sid := r.PostForm.Get("MessageSid")
	status := r.PostForm.Get("MessageStatus")
	errorCode := r.PostForm.Get("ErrorCode")
	success := status == "delivered" || status == "sent"
	if err := h.auditor.UpdateDeliveryStatus(r.Context(), sid, success, errorCode); err != nil {
		h.logger.Error("delivery status update failed", "provider", "twilio", "error", err)
	}
	w.WriteHeader(http.StatusOK)
}

type telnyxEvent struct {
	Data struct {
		EventType string `json:"event_type"`
		Payload   struct {
			ID   string `json:"id"`
			Text string `json:"text"`
			From struct {
				PhoneNumber string `json:"phone_number"`
			} `json:"from"`
			To []struct {
				PhoneNumber string `json:"phone_number"`
				Status      string `json:"status"`
			} `json:"to"`
			Errors []struct {
				Code string `json:"code"`
			} `json:"errors"`
		} `json:"payload"`
	} `json:"data"`
}

// Telnyx accepts POST /webhooks/sms/telnyx (JSON). One endpoint carries both
// inbound messages and delivery receipts, distinguished by event_type.
func (h *SMSWebhookHandler) Telnyx(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxOrderBody))
	if err != nil {
		h.observe("telnyx", "bad_body", start)
		respondError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if !middleware.VerifyTimestampedHMAC(
		h.telnyxSecret,
		r.Header.Get("Telnyx-Timestamp"),
		body,
		r.Header.Get("Telnyx-Signature"),
	) {
		middleware.RecordAuthFailure(r, h.security, "telnyx webhook")
		h.observe("telnyx", "bad_signature", start)
		respondError(w, http.StatusForbidden, "invalid signature")
		return
	}

	var ev telnyxEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		h.observe("telnyx", "bad_json", start)
		respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	switch ev.Data.EventType {
	case "message.received":
		// Always acked once verified; the reply was audited on the way in
		// and a non-2xx would start a redelivery storm.
		err := h.engine.HandleInboundSMS(r.Context(), conversation.InboundMessage{
			From:              ev.Data.Payload.From.PhoneNumber,
			Body:              ev.Data.Payload.Text,
			Provider:          "telnyx",
			ProviderMessageID: ev.Data.Payload.ID,
		})
		if err != nil {
			h.logger.Error("telnyx inbound processing failed", "error", err)
			h.observe("telnyx", "error", start)
			respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
			return
		}
	case "message.finalized", "message.sent":
		success := true
		errorCode := ""
		for _, to := range ev.Data.Payload.To {
			if to.Status == "delivery_failed" || to.Status == "sending_failed" {
				success = false
			}
		}
		if len(ev.Data.Payload.Errors) > 0 {
			success = false
			errorCode = ev.Data.Payload.Errors[0].Code
		}
		if err := h.auditor.UpdateDeliveryStatus(r.Context(), ev.Data.Payload.ID, success, errorCode); err != nil {
			h.logger.Error("delivery status update failed", "provider", "telnyx", "error", err)
		}
	default:
		// Unhandled event types are acknowledged and dropped.
	}

	h.observe("telnyx", "ok", start)
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *SMSWebhookHandler) observe(source, status string, start time.Time) {
	if h.metrics == nil {
		return
	}
	h.metrics.ObserveInbound(source, status)
	h.metrics.ObserveWebhookLatency(source, time.Since(start).Seconds())
}
