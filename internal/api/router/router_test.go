package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/arclighthealth/radsched/internal/audit"
	"github.com/arclighthealth/radsched/internal/conversation"
	"github.com/arclighthealth/radsched/internal/http/handlers"
	"github.com/arclighthealth/radsched/internal/messaging"
	"github.com/arclighthealth/radsched/pkg/logging"
)

type stubEngine struct{}

func (stubEngine) HandleScheduleResponse(context.Context, conversation.ScheduleResponse) error {
	return nil
}

func (stubEngine) HandleAppointmentNotification(context.Context, conversation.AppointmentNotification) error {
	return nil
}

func (stubEngine) ForceTransition(_ context.Context, id uuid.UUID, to conversation.State, _ string) (conversation.Conversation, error) {
	return conversation.Conversation{ID: id, State: to}, nil
}

func (stubEngine) ResendPrompt(context.Context, uuid.UUID, string) error { return nil }

func (stubEngine) IngestOrder(context.Context, conversation.OrderSubmission) (conversation.Conversation, error) {
	return conversation.Conversation{ID: uuid.New(), State: conversation.StateConsentPending}, nil
}

type stubStore struct{}

func (stubStore) GetByID(context.Context, uuid.UUID) (conversation.Conversation, error) {
	return conversation.Conversation{}, conversation.ErrNotFound
}

func (stubStore) List(context.Context, conversation.ListFilter) ([]conversation.Conversation, error) {
	return nil, nil
}

func (stubStore) CountByState(context.Context) (map[conversation.State]int64, error) {
	return nil, nil
}

func (stubStore) AvgTimeInState(context.Context) (map[conversation.State]time.Duration, error) {
	return nil, nil
}

type stubAuditor struct{}

func (stubAuditor) Query(context.Context, audit.Filter) ([]audit.Entry, error) { return nil, nil }

func (stubAuditor) VolumeByDirection(context.Context, time.Time, time.Time) (map[audit.Direction]int64, error) {
	return nil, nil
}

type stubConfigs struct{}

func (stubConfigs) Get(context.Context, string) (messaging.OrgConfig, error) {
	return messaging.OrgConfig{}, messaging.ErrOrgConfigNotFound
}

func (stubConfigs) Upsert(context.Context, messaging.OrgConfig) error { return nil }

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()

	admin := handlers.NewAdminHandler(handlers.AdminConfig{
		Store:      stubStore{},
		Auditor:    stubAuditor{},
		Engine:     stubEngine{},
		SMSConfigs: stubConfigs{},
	})
	return New(&Config{
		Logger:          logging.Default(),
		Health:          handlers.NewHealthHandler(nil),
		Orders:          handlers.NewOrdersHandler(stubEngine{}, nil, "order-token", "", nil, nil),
		IECallbacks:     handlers.NewIECallbackHandler(stubEngine{}, nil),
		Admin:           admin,
		IECallbackToken: "ie-token",
		AdminJWTSecret:  "admin-secret",
	})
}

func adminToken(t *testing.T, secret string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "ops@example.com",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestRouterHealthEndpoint(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
	var resp map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode health response: %v", err)
	}
	if resp["status"] != "ok" {
		t.Errorf("expected status 'ok', got %q", resp["status"])
	}
}

func TestRouterHL7RequiresBearerToken(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/hl7/schedule-response",
		strings.NewReader(`{"messageControlId":"c1"}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without token, got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/webhooks/hl7/schedule-response",
		strings.NewReader(`{"messageControlId":"c1"}`))
	req.Header.Set("Authorization", "Bearer ie-token")
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestRouterAdminRequiresJWT(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken(t, "admin-secret"))
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestRouterAdminRejectsForgedJWT(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken(t, "other-secret"))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with forged token, got %d", rr.Code)
	}
}

func TestRouterOrderWebhookAliasRoutes(t *testing.T) {
	router := newTestRouter(t)

	body := `{"orderId":"O1","patientPhone":"+15551234567","modality":"XR"}`
	for _, path := range []string{"/webhooks/orders", "/orders/webhook"} {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
		req.Header.Set("Authorization", "Bearer order-token")
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d: %s", path, rr.Code, rr.Body.String())
		}
	}
}

func TestRouterUnknownRoute(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}
