// Package router assembles the HTTP surface: public webhooks, the metrics
// endpoint, and the JWT-guarded admin API.
package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/arclighthealth/radsched/internal/http/handlers"
	httpmiddleware "github.com/arclighthealth/radsched/internal/http/middleware"
	"github.com/arclighthealth/radsched/pkg/logging"
)

// Config holds router configuration.
type Config struct {
	Logger *logging.Logger

	Health      *handlers.HealthHandler
	Orders      *handlers.OrdersHandler
	SMSWebhooks *handlers.SMSWebhookHandler
	IECallbacks *handlers.IECallbackHandler
	Admin       *handlers.AdminHandler

	MetricsHandler http.Handler

	// SecurityAuditor records rejected webhook authentications.
	SecurityAuditor httpmiddleware.SecurityAuditor

	// IECallbackToken guards the interface-engine callback endpoints.
	IECallbackToken string
	// AdminJWTSecret signs operator tokens for the admin API.
	AdminJWTSecret string
}

// New creates a Chi router with all routes configured.
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	// Public endpoints: webhooks authenticate themselves per-request.
	r.Group(func(public chi.Router) {
		if cfg.Health != nil {
			public.Get("/health", cfg.Health.Handle)
		}
		if cfg.Orders != nil {
			public.Post("/webhooks/orders", cfg.Orders.Handle)
			// Flat alias kept for referring systems configured before the
			// /webhooks prefix was introduced.
			public.Post("/orders/webhook", cfg.Orders.Handle)
		}
		if cfg.SMSWebhooks != nil {
			public.Route("/webhooks/sms", func(sms chi.Router) {
				sms.Post("/twilio", cfg.SMSWebhooks.Twilio)
				sms.Post("/twilio/status", cfg.SMSWebhooks.TwilioStatus)
				sms.Post("/telnyx", cfg.SMSWebhooks.Telnyx)
			})
			// Flat alias; Twilio is the default inbound provider.
			public.Post("/sms/webhook", cfg.SMSWebhooks.Twilio)
		}
		if cfg.IECallbacks != nil {
			public.Route("/webhooks/hl7", func(hl7 chi.Router) {
				hl7.Use(httpmiddleware.BearerToken(cfg.IECallbackToken, cfg.SecurityAuditor))
				hl7.Post("/schedule-response", cfg.IECallbacks.ScheduleResponse)
				hl7.Post("/appointment-notification", cfg.IECallbacks.AppointmentNotification)
			})
		}
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
	})

	if cfg.Admin != nil {
		r.Route("/admin", func(admin chi.Router) {
			admin.Use(httpmiddleware.AdminJWT(cfg.AdminJWTSecret))
			admin.Get("/conversations", cfg.Admin.ListConversations)
			admin.Get("/conversations/{id}", cfg.Admin.GetConversation)
			admin.Post("/conversations/{id}/transition", cfg.Admin.ForceTransition)
			admin.Post("/conversations/{id}/resend-prompt", cfg.Admin.ResendPrompt)
			admin.Get("/stats", cfg.Admin.Stats)
			admin.Get("/orgs/{orgID}/sms-config", cfg.Admin.GetSMSConfig)
			admin.Put("/orgs/{orgID}/sms-config", cfg.Admin.PutSMSConfig)
		})
	}

	return r
}
