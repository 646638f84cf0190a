package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/arclighthealth/radsched/internal/audit"
	"github.com/arclighthealth/radsched/internal/conversation"
	"github.com/arclighthealth/radsched/internal/ie"
	"github.com/arclighthealth/radsched/internal/messaging"
)

type fakeAdminStore struct {
	convs   map[uuid.UUID]conversation.Conversation
	filters []conversation.ListFilter
	listed  []conversation.Conversation
}

func (f *fakeAdminStore) GetByID(_ context.Context, id uuid.UUID) (conversation.Conversation, error) {
	c, ok := f.convs[id]
	if !ok {
		return conversation.Conversation{}, conversation.ErrNotFound
	}
	return c, nil
}

func (f *fakeAdminStore) List(_ context.Context, filter conversation.ListFilter) ([]conversation.Conversation, error) {
	f.filters = append(f.filters, filter)
	return f.listed, nil
}

func (f *fakeAdminStore) CountByState(context.Context) (map[conversation.State]int64, error) {
	return map[conversation.State]int64{conversation.StateConfirmed: 4}, nil
}

func (f *fakeAdminStore) AvgTimeInState(context.Context) (map[conversation.State]time.Duration, error) {
	return map[conversation.State]time.Duration{conversation.StateConfirmed: 90 * time.Second}, nil
}

type fakeAdminAuditor struct {
	filters []audit.Filter
	entries []audit.Entry
}

func (f *fakeAdminAuditor) Query(_ context.Context, filter audit.Filter) ([]audit.Entry, error) {
	f.filters = append(f.filters, filter)
	return f.entries, nil
}

func (f *fakeAdminAuditor) VolumeByDirection(context.Context, time.Time, time.Time) (map[audit.Direction]int64, error) {
	return map[audit.Direction]int64{audit.DirectionOut: 12}, nil
}

type fakeAdminEngine struct {
	forcedID    uuid.UUID
	forcedTo    conversation.State
	forcedActor string
	resentID    uuid.UUID
	resentActor string
	err         error
	conv        conversation.Conversation
}

func (f *fakeAdminEngine) ForceTransition(_ context.Context, id uuid.UUID, to conversation.State, actor string) (conversation.Conversation, error) {
	f.forcedID, f.forcedTo, f.forcedActor = id, to, actor
	return f.conv, f.err
}

func (f *fakeAdminEngine) ResendPrompt(_ context.Context, id uuid.UUID, actor string) error {
	f.resentID, f.resentActor = id, actor
	return f.err
}

type fakeSMSConfigs struct {
	saved []messaging.OrgConfig
	cfg   messaging.OrgConfig
	err   error
}

func (f *fakeSMSConfigs) Get(context.Context, string) (messaging.OrgConfig, error) {
	return f.cfg, f.err
}

func (f *fakeSMSConfigs) Upsert(_ context.Context, cfg messaging.OrgConfig) error {
	f.saved = append(f.saved, cfg)
	return nil
}

type adminFixture struct {
	store   *fakeAdminStore
	auditor *fakeAdminAuditor
	engine  *fakeAdminEngine
	configs *fakeSMSConfigs
	router  chi.Router
}

func newAdminFixture() *adminFixture {
	f := &adminFixture{
		store:   &fakeAdminStore{convs: map[uuid.UUID]conversation.Conversation{}},
		auditor: &fakeAdminAuditor{},
		engine:  &fakeAdminEngine{},
		configs: &fakeSMSConfigs{},
	}
	h := NewAdminHandler(AdminConfig{
		Store:      f.store,
		Auditor:    f.auditor,
		Engine:     f.engine,
		SMSConfigs: f.configs,
	})
	r := chi.NewRouter()
	r.Get("/admin/conversations", h.ListConversations)
	r.Get("/admin/conversations/{id}", h.GetConversation)
	r.Get("/admin/stats", h.Stats)
	r.Post("/admin/conversations/{id}/transition", h.ForceTransition)
	r.Post("/admin/conversations/{id}/resend-prompt", h.ResendPrompt)
	r.Get("/admin/orgs/{orgID}/sms-config", h.GetSMSConfig)
	r.Put("/admin/orgs/{orgID}/sms-config", h.PutSMSConfig)
	f.router = r
	return f
}

func adminConv(id uuid.UUID) conversation.Conversation {
	now := time.Now()
	return conversation.Conversation{
		ID:             id,
		PhoneHash:      "abc123hash",
		PhoneEncrypted: "v1:ciphertext",
		OrganizationID: "org1",
		State:          conversation.StateChoosingTime,
		OrderData: conversation.OrderData{
			ActiveOrder: conversation.Order{
				OrderID:  "O1",
				Modality: "XR",
				Patient:  ie.Patient{MRN: "M123", Name: "DOE^JANE"},
			},
			SelectedLocation: &ie.Location{ID: "L1", Name: "Downtown Imaging"},
		},
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(24 * time.Hour),
	}
}

func TestAdminListConversations(t *testing.T) {
	f := newAdminFixture()
	f.store.listed = []conversation.Conversation{adminConv(uuid.New())}

	req := httptest.NewRequest(http.MethodGet,
		"/admin/conversations?state=CHOOSING_TIME&limit=10&offset=20&since=2026-08-01T00:00:00Z&awaiting_ie=true", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if len(f.store.filters) != 1 {
		t.Fatalf("expected one list call")
	}
	got := f.store.filters[0]
	if got.State != conversation.StateChoosingTime || got.Limit != 10 || got.Offset != 20 {
		t.Fatalf("unexpected filter: %+v", got)
	}
	if !got.AwaitingIE || !got.Since.Equal(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected filter: %+v", got)
	}
	// awaiting_ie must carry the stuck-monitor SLAs so the listing shows the
	// same rows the monitor would sweep.
	if got.SlotSLA != 90*time.Second || got.BookingSLA != 2*time.Minute {
		t.Fatalf("expected monitor SLAs on awaiting_ie filter, got %+v", got)
	}
}

func TestAdminListWithoutAwaitingIEOmitsSLAs(t *testing.T) {
	f := newAdminFixture()

	req := httptest.NewRequest(http.MethodGet, "/admin/conversations", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	got := f.store.filters[0]
	if got.AwaitingIE || got.SlotSLA != 0 || got.BookingSLA != 0 {
		t.Fatalf("unexpected filter: %+v", got)
	}
}

func TestAdminListRejectsBadSince(t *testing.T) {
	f := newAdminFixture()

	req := httptest.NewRequest(http.MethodGet, "/admin/conversations?since=yesterday", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestAdminListRejectsUnknownState(t *testing.T) {
	f := newAdminFixture()

	req := httptest.NewRequest(http.MethodGet, "/admin/conversations?state=WAT", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestAdminConversationViewOmitsPatientIdentifiers(t *testing.T) {
	f := newAdminFixture()
	id := uuid.New()
	f.store.convs[id] = adminConv(id)

	req := httptest.NewRequest(http.MethodGet, "/admin/conversations/"+id.String(), nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	body := w.Body.String()
	if strings.Contains(body, "DOE^JANE") || strings.Contains(body, "M123") || strings.Contains(body, "ciphertext") {
		t.Fatalf("response leaks patient identifiers: %s", body)
	}
	if !strings.Contains(body, "abc123hash") || !strings.Contains(body, "Downtown Imaging") {
		t.Fatalf("response missing expected metadata: %s", body)
	}
	if len(f.auditor.filters) != 1 || f.auditor.filters[0].SessionID != id {
		t.Fatalf("expected timeline query for %s, got %+v", id, f.auditor.filters)
	}
}

func TestAdminGetConversationNotFound(t *testing.T) {
	f := newAdminFixture()

	req := httptest.NewRequest(http.MethodGet, "/admin/conversations/"+uuid.NewString(), nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestAdminStats(t *testing.T) {
	f := newAdminFixture()

	req := httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Counts map[string]int64   `json:"countsByState"`
		Avg    map[string]float64 `json:"avgSecondsInState"`
		Volume map[string]int64   `json:"smsVolumeLast24Hours"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Counts["CONFIRMED"] != 4 || resp.Avg["CONFIRMED"] != 90 || resp.Volume["OUT"] != 12 {
		t.Fatalf("unexpected stats: %+v", resp)
	}
}

func TestAdminForceTransition(t *testing.T) {
	f := newAdminFixture()
	id := uuid.New()
	f.engine.conv = adminConv(id)

	req := httptest.NewRequest(http.MethodPost, "/admin/conversations/"+id.String()+"/transition",
		strings.NewReader(`{"to":"CANCELLED","reason":"patient phoned the center"}`))
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if f.engine.forcedID != id || f.engine.forcedTo != conversation.StateCancelled {
		t.Fatalf("unexpected force call: %s -> %s", f.engine.forcedID, f.engine.forcedTo)
	}
	if !strings.Contains(f.engine.forcedActor, "patient phoned the center") {
		t.Fatalf("expected reason folded into actor, got %q", f.engine.forcedActor)
	}
}

func TestAdminForceTransitionRequiresTarget(t *testing.T) {
	f := newAdminFixture()

	req := httptest.NewRequest(http.MethodPost, "/admin/conversations/"+uuid.NewString()+"/transition",
		strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestAdminResendPromptNotFound(t *testing.T) {
	f := newAdminFixture()
	f.engine.err = conversation.ErrNotFound

	req := httptest.NewRequest(http.MethodPost, "/admin/conversations/"+uuid.NewString()+"/resend-prompt", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestAdminPutSMSConfig(t *testing.T) {
	f := newAdminFixture()

	body := `{"primary_provider":"twilio","primary_numbers":["+15550000001"],"sticky_sender":true}`
	req := httptest.NewRequest(http.MethodPut, "/admin/orgs/org7/sms-config", strings.NewReader(body))
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if len(f.configs.saved) != 1 {
		t.Fatalf("expected one upsert")
	}
	saved := f.configs.saved[0]
	if saved.OrganizationID != "org7" || saved.PrimaryProvider != "twilio" || !saved.StickySender {
		t.Fatalf("unexpected config: %+v", saved)
	}
}

func TestAdminPutSMSConfigValidates(t *testing.T) {
	f := newAdminFixture()

	req := httptest.NewRequest(http.MethodPut, "/admin/orgs/org7/sms-config",
		strings.NewReader(`{"primary_provider":"twilio"}`))
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if len(f.configs.saved) != 0 {
		t.Fatalf("invalid config should not be saved")
	}
}

func TestAdminGetSMSConfigNotFound(t *testing.T) {
	f := newAdminFixture()
	f.configs.err = messaging.ErrOrgConfigNotFound

	req := httptest.NewRequest(http.MethodGet, "/admin/orgs/org7/sms-config", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

