package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/arclighthealth/radsched/internal/audit"
	"github.com/arclighthealth/radsched/internal/conversation"
	"github.com/arclighthealth/radsched/internal/http/middleware"
	"github.com/arclighthealth/radsched/internal/messaging"
	"github.com/arclighthealth/radsched/pkg/logging"
)

type adminStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (conversation.Conversation, error)
	List(ctx context.Context, f conversation.ListFilter) ([]conversation.Conversation, error)
	CountByState(ctx context.Context) (map[conversation.State]int64, error)
	AvgTimeInState(ctx context.Context) (map[conversation.State]time.Duration, error)
}

type adminAuditor interface {
	Query(ctx context.Context, f audit.Filter) ([]audit.Entry, error)
	VolumeByDirection(ctx context.Context, since, until time.Time) (map[audit.Direction]int64, error)
}

type adminEngine interface {
	ForceTransition(ctx context.Context, id uuid.UUID, to conversation.State, actor string) (conversation.Conversation, error)
	ResendPrompt(ctx context.Context, id uuid.UUID, actor string) error
}

type smsConfigStore interface {
	Get(ctx context.Context, orgID string) (messaging.OrgConfig, error)
	Upsert(ctx context.Context, cfg messaging.OrgConfig) error
}

// AdminHandler is the operations read API plus two recovery actions. All
// responses are metadata-only: phone hashes appear, plaintext numbers and
// patient identifiers never do.
type AdminHandler struct {
	store      adminStore
	auditor    adminAuditor
	engine     adminEngine
	smsConfigs smsConfigStore
	logger     *logging.Logger
	slotSLA    time.Duration
	bookingSLA time.Duration
}

// AdminConfig wires an AdminHandler.
type AdminConfig struct {
	Store      adminStore
	Auditor    adminAuditor
	Engine     adminEngine
	SMSConfigs smsConfigStore
	Logger     *logging.Logger
	// SlotSLA and BookingSLA bound the awaiting_ie filter; they must match
	// what the stuck monitor sweeps on so the listing shows the same rows.
	SlotSLA    time.Duration
	BookingSLA time.Duration
}

func NewAdminHandler(cfg AdminConfig) *AdminHandler {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.SlotSLA <= 0 {
		cfg.SlotSLA = 90 * time.Second
	}
	if cfg.BookingSLA <= 0 {
		cfg.BookingSLA = 2 * time.Minute
	}
	return &AdminHandler{
		store:      cfg.Store,
		auditor:    cfg.Auditor,
		engine:     cfg.Engine,
		smsConfigs: cfg.SMSConfigs,
		logger:     cfg.Logger,
		slotSLA:    cfg.SlotSLA,
		bookingSLA: cfg.BookingSLA,
	}
}

// conversationSummary is the admin view of one conversation.
type conversationSummary struct {
	ID                string     `json:"id"`
	PhoneHash         string     `json:"phoneHash"`
	OrganizationID    string     `json:"organizationId"`
	State             string     `json:"state"`
	OrderIDs          []string   `json:"orderIds"`
	Modality          string     `json:"modality"`
	SelectedLocation  string     `json:"selectedLocation,omitempty"`
	BookingInFlight   bool       `json:"bookingInFlight,omitempty"`
	AppointmentID     string     `json:"appointmentId,omitempty"`
	SlotRetryCount    int        `json:"slotRetryCount"`
	BookingRetryCount int        `json:"bookingRetryCount"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
	ExpiresAt         time.Time  `json:"expiresAt"`
	CompletedAt       *time.Time `json:"completedAt,omitempty"`
}

func summarize(c conversation.Conversation) conversationSummary {
	s := conversationSummary{
		ID:                c.ID.String(),
		PhoneHash:         c.PhoneHash,
		OrganizationID:    c.OrganizationID,
		State:             string(c.State),
		Modality:          c.OrderData.ActiveOrder.Modality,
		BookingInFlight:   c.OrderData.BookingInFlight,
		SlotRetryCount:    c.SlotRetryCount,
		BookingRetryCount: c.BookingRetryCount,
		CreatedAt:         c.CreatedAt,
		UpdatedAt:         c.UpdatedAt,
		ExpiresAt:         c.ExpiresAt,
		CompletedAt:       c.CompletedAt,
	}
	for _, o := range c.OrderData.AllOrders() {
		s.OrderIDs = append(s.OrderIDs, o.OrderID)
	}
	if c.OrderData.SelectedLocation != nil {
		s.SelectedLocation = c.OrderData.SelectedLocation.Name
	}
	if c.OrderData.Appointment != nil {
		s.AppointmentID = c.OrderData.Appointment.AppointmentID
	}
	return s
}

// ListConversations handles GET /admin/conversations?state=&limit=&offset=.
func (h *AdminHandler) ListConversations(w http.ResponseWriter, r *http.Request) {
	f := conversation.ListFilter{Limit: 50}
	if st := r.URL.Query().Get("state"); st != "" {
		state := conversation.State(st)
		if !state.Valid() {
			respondError(w, http.StatusBadRequest, "unknown state")
			return
		}
		f.State = state
	}
	if since := r.URL.Query().Get("since"); since != "" {
		ts, err := time.Parse(time.RFC3339, since)
		if err != nil {
			respondError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		f.Since = ts
	}
	if until := r.URL.Query().Get("until"); until != "" {
		ts, err := time.Parse(time.RFC3339, until)
		if err != nil {
			respondError(w, http.StatusBadRequest, "until must be RFC3339")
			return
		}
		f.Until = ts
	}
	if r.URL.Query().Get("awaiting_ie") == "true" {
		f.AwaitingIE = true
		f.SlotSLA = h.slotSLA
		f.BookingSLA = h.bookingSLA
	}
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 && n <= 500 {
		f.Limit = n
	}
	if n, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && n > 0 {
		f.Offset = n
	}

	convs, err := h.store.List(r.Context(), f)
	if err != nil {
		h.logger.Error("admin list failed", "error", err)
		respondError(w, http.StatusInternalServerError, "query failed")
		return
	}
	out := make([]conversationSummary, 0, len(convs))
	for _, c := range convs {
		out = append(out, summarize(c))
	}
	respondJSON(w, http.StatusOK, map[string]any{"conversations": out})
}

// GetConversation handles GET /admin/conversations/{id}: the summary plus the
// conversation's audit timeline.
func (h *AdminHandler) GetConversation(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid conversation id")
		return
	}
	conv, err := h.store.GetByID(r.Context(), id)
	if errors.Is(err, conversation.ErrNotFound) {
		respondError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "query failed")
		return
	}
	timeline, err := h.auditor.Query(r.Context(), audit.Filter{SessionID: id, Limit: 200})
	if err != nil {
		h.logger.Error("admin timeline query failed", "conversation_id", id, "error", err)
		respondError(w, http.StatusInternalServerError, "query failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"conversation": summarize(conv),
		"timeline":     timeline,
	})
}

// Stats handles GET /admin/stats: counts and mean dwell time by state, plus
// SMS volume for the trailing 24 hours.
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.store.CountByState(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "query failed")
		return
	}
	avgs, err := h.store.AvgTimeInState(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "query failed")
		return
	}
	now := time.Now()
	volume, err := h.auditor.VolumeByDirection(r.Context(), now.Add(-24*time.Hour), now)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "query failed")
		return
	}
	avgSeconds := map[string]float64{}
	for st, d := range avgs {
		avgSeconds[string(st)] = d.Seconds()
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"countsByState":        counts,
		"avgSecondsInState":    avgSeconds,
		"smsVolumeLast24Hours": volume,
	})
}

// ForceTransition handles POST /admin/conversations/{id}/transition with a
// body of {"to": "<state>"}; the acting operator comes from the JWT subject.
func (h *AdminHandler) ForceTransition(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid conversation id")
		return
	}
	var body struct {
		To     string `json:"to"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.To == "" {
		respondError(w, http.StatusBadRequest, "target state is required")
		return
	}
	actor := middleware.AdminActor(r.Context())
	if body.Reason != "" {
		actor += " (" + body.Reason + ")"
	}
	conv, err := h.engine.ForceTransition(r.Context(), id, conversation.State(body.To), actor)
	if errors.Is(err, conversation.ErrNotFound) {
		respondError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, summarize(conv))
}

// ResendPrompt handles POST /admin/conversations/{id}/resend-prompt, the
// manual recovery after an SMS outage.
func (h *AdminHandler) ResendPrompt(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid conversation id")
		return
	}
	if err := h.engine.ResendPrompt(r.Context(), id, middleware.AdminActor(r.Context())); err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			respondError(w, http.StatusNotFound, "conversation not found")
			return
		}
		respondError(w, http.StatusConflict, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

// GetSMSConfig handles GET /admin/orgs/{orgID}/sms-config.
func (h *AdminHandler) GetSMSConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.smsConfigs.Get(r.Context(), chi.URLParam(r, "orgID"))
	if errors.Is(err, messaging.ErrOrgConfigNotFound) {
		respondError(w, http.StatusNotFound, "org config not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "query failed")
		return
	}
	respondJSON(w, http.StatusOK, cfg)
}

// PutSMSConfig handles PUT /admin/orgs/{orgID}/sms-config.
func (h *AdminHandler) PutSMSConfig(w http.ResponseWriter, r *http.Request) {
	var cfg messaging.OrgConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	cfg.OrganizationID = chi.URLParam(r, "orgID")
	if cfg.PrimaryProvider == "" || len(cfg.PrimaryNumbers) == 0 {
		respondError(w, http.StatusBadRequest, "primary provider and numbers are required")
		return
	}
	if err := h.smsConfigs.Upsert(r.Context(), cfg); err != nil {
		h.logger.Error("sms config upsert failed", "org_id", cfg.OrganizationID, "error", err)
		respondError(w, http.StatusInternalServerError, "save failed")
		return
	}
	respondJSON(w, http.StatusOK, cfg)
}
