package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/arclighthealth/radsched/internal/conversation"
	"github.com/arclighthealth/radsched/pkg/logging"
)

type callbackProcessor interface {
	HandleScheduleResponse(ctx context.Context, resp conversation.ScheduleResponse) error
	HandleAppointmentNotification(ctx context.Context, n conversation.AppointmentNotification) error
}

// IECallbackHandler receives the interface engine's asynchronous answers.
// Bearer auth is applied by the router.
type IECallbackHandler struct {
	engine callbackProcessor
	logger *logging.Logger
}

func NewIECallbackHandler(engine callbackProcessor, logger *logging.Logger) *IECallbackHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &IECallbackHandler{engine: engine, logger: logger}
}

// ScheduleResponse accepts POST /webhooks/hl7/schedule-response.
func (h *IECallbackHandler) ScheduleResponse(w http.ResponseWriter, r *http.Request) {
	var resp conversation.ScheduleResponse
	if err := json.NewDecoder(r.Body).Decode(&resp); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := h.engine.HandleScheduleResponse(r.Context(), resp); err != nil {
		h.logger.Error("schedule response processing failed",
			"correlation_id", resp.CorrelationID, "error", err)
		respondError(w, http.StatusInternalServerError, "processing failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// AppointmentNotification accepts POST /webhooks/hl7/appointment-notification.
func (h *IECallbackHandler) AppointmentNotification(w http.ResponseWriter, r *http.Request) {
	var n conversation.AppointmentNotification
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if n.Action == "" {
		respondError(w, http.StatusBadRequest, "action is required")
		return
	}
	if err := h.engine.HandleAppointmentNotification(r.Context(), n); err != nil {
		h.logger.Error("appointment notification processing failed",
			"correlation_id", n.CorrelationID, "action", n.Action, "error", err)
		respondError(w, http.StatusInternalServerError, "processing failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
