package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/arclighthealth/radsched/internal/conversation"
	"github.com/arclighthealth/radsched/internal/http/middleware"
	"github.com/arclighthealth/radsched/internal/identity"
	"github.com/arclighthealth/radsched/internal/ie"
	"github.com/arclighthealth/radsched/internal/observability/metrics"
	"github.com/arclighthealth/radsched/pkg/logging"
)

const maxOrderBody = 1 << 20

type orderIngestor interface {
	IngestOrder(ctx context.Context, sub conversation.OrderSubmission) (conversation.Conversation, error)
}

// OrdersHandler receives imaging orders from the referring system.
type OrdersHandler struct {
	engine   orderIngestor
	security middleware.SecurityAuditor
	token    string
	secret   string
	logger   *logging.Logger
	metrics  *metrics.MessagingMetrics
}

func NewOrdersHandler(engine orderIngestor, security middleware.SecurityAuditor, token, secret string, logger *logging.Logger, m *metrics.MessagingMetrics) *OrdersHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &OrdersHandler{engine: engine, security: security, token: token, secret: secret, logger: logger, metrics: m}
}

type orderPayload struct {
	OrderID            string          `json:"orderId"`
	OrderGroupID       string          `json:"orderGroupId"`
	OrganizationID     string          `json:"organizationId"`
	PatientPhone       string          `json:"patientPhone"`
	Modality           string          `json:"modality"`
	OrderDescription   string          `json:"orderDescription"`
	Priority           string          `json:"priority"`
	EstimatedDuration  int             `json:"estimatedDuration"`
	OrderingPractice   string          `json:"orderingPractice"`
	Patient            ie.Patient      `json:"patient"`
	AvailableLocations []ie.Location   `json:"availableLocations"`
	PatientContext     json.RawMessage `json:"patientContext"`
}

// Handle accepts POST /webhooks/orders. Authentication is either the shared
// bearer token or an HMAC signature of the raw body; a valid order answers
// 200 once persisted so the referring system can stop redelivering.
func (h *OrdersHandler) Handle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxOrderBody))
	if err != nil {
		h.observe("orders", "read_error", start)
		respondError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	if !h.authorized(r, body) {
		middleware.RecordAuthFailure(r, h.security, "orders webhook")
		h.observe("orders", "unauthorized", start)
		respondError(w, http.StatusForbidden, "invalid credentials")
		return
	}

	var p orderPayload
	if err := json.Unmarshal(body, &p); err != nil {
		h.observe("orders", "bad_json", start)
		respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if p.OrderID == "" || p.PatientPhone == "" || p.Modality == "" {
		h.observe("orders", "missing_fields", start)
		respondError(w, http.StatusBadRequest, "orderId, patientPhone, and modality are required")
		return
	}

	conv, err := h.engine.IngestOrder(r.Context(), conversation.OrderSubmission{
		OrganizationID: p.OrganizationID,
		PatientPhone:   p.PatientPhone,
		Order: conversation.Order{
			OrderID:          p.OrderID,
			OrderGroupID:     p.OrderGroupID,
			Modality:         p.Modality,
			Description:      p.OrderDescription,
			Priority:         p.Priority,
			DurationMinutes:  p.EstimatedDuration,
			OrderingPractice: p.OrderingPractice,
			Patient:          p.Patient,
			Locations:        p.AvailableLocations,
			PatientContext:   p.PatientContext,
		},
	})
	if errors.Is(err, identity.ErrInvalidPhone) {
		h.observe("orders", "invalid_phone", start)
		respondError(w, http.StatusBadRequest, "patientPhone is not a valid number")
		return
	}
	if err != nil {
		// Retryable: the referring system redelivers on 5xx.
		h.logger.Error("order intake failed", "order_id", p.OrderID, "error", err)
		h.observe("orders", "storage_error", start)
		respondError(w, http.StatusServiceUnavailable, "temporarily unavailable")
		return
	}

	h.observe("orders", "accepted", start)
	respondJSON(w, http.StatusOK, map[string]string{
		"conversationId": conv.ID.String(),
		"state":          string(conv.State),
	})
}

func (h *OrdersHandler) authorized(r *http.Request, body []byte) bool {
	if sig := r.Header.Get("X-Webhook-Signature"); sig != "" {
		return middleware.VerifyBodyHMAC(h.secret, body, sig)
	}
	auth := r.Header.Get("Authorization")
	return h.token != "" && auth == "Bearer "+h.token
}

func (h *OrdersHandler) observe(source, status string, start time.Time) {
	if h.metrics == nil {
		return
	}
	h.metrics.ObserveInbound(source, status)
	h.metrics.ObserveWebhookLatency(source, time.Since(start).Seconds())
}
