package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/quickclinic/booking-platform/internal/http/handlers"
	httpmiddleware "github.com/quickclinic/booking-platform/internal/http/middleware"
	"github.com/quickclinic/booking-platform/pkg/logging"
)

// Config holds router configuration.
type Config struct {
	Logger *logging.Logger

	BookingHandler *handlers.BookingHandler
	PaymentHandler *handlers.PaymentHandler
	FamilyHandler  *handlers.FamilyHandler
	LiveHandler    *handlers.LiveHandler
	AdminHandler   *handlers.AdminHandler

	StripeWebhook    http.HandlerFunc
	CardTokenWebhook http.HandlerFunc
	EMRWebhook       http.HandlerFunc

	MetricsHandler http.Handler

	AccountJWTSecret   string
	AdminJWTSecret     string
	CORSAllowedOrigins []string
}

// New creates the chi router with all routes configured.
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	// Public endpoints: health, metrics, gateway and EMR webhooks.
	r.Group(func(public chi.Router) {
		public.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		})
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
		if cfg.StripeWebhook != nil {
			public.Post("/webhooks/payments/stripe", cfg.StripeWebhook)
		}
		if cfg.CardTokenWebhook != nil {
			public.Post("/webhooks/payments/cardtoken", cfg.CardTokenWebhook)
		}
		if cfg.EMRWebhook != nil {
			public.Post("/webhooks/emr", cfg.EMRWebhook)
		}
	})

	// Patient endpoints, authenticated by account JWT.
	r.Group(func(api chi.Router) {
		api.Use(httpmiddleware.AccountAuth(cfg.AccountJWTSecret))

		if cfg.BookingHandler != nil {
			api.Route("/consultations", func(c chi.Router) {
				c.Post("/", cfg.BookingHandler.Create)
				c.Route("/{id}", func(one chi.Router) {
					one.Get("/", cfg.BookingHandler.Get)
					one.Post("/cancel", cfg.BookingHandler.Cancel)
					one.Post("/rejoin", cfg.BookingHandler.Rejoin)
					one.Post("/members", cfg.BookingHandler.AddMember)
					one.Post("/start", cfg.BookingHandler.Start)
					one.Post("/end", cfg.BookingHandler.End)
				})
			})
			api.Get("/groups/{groupID}", cfg.BookingHandler.Group)
		}
		if cfg.PaymentHandler != nil {
			api.Post("/payments", cfg.PaymentHandler.Create)
		}
		if cfg.FamilyHandler != nil {
			api.Route("/family/members", func(fam chi.Router) {
				fam.Get("/", cfg.FamilyHandler.List)
				fam.Post("/", cfg.FamilyHandler.Link)
				fam.Delete("/{memberID}", cfg.FamilyHandler.Unlink)
			})
		}
		if cfg.LiveHandler != nil {
			api.Get("/live", cfg.LiveHandler.Handle)
		}
	})

	// Operator endpoints, protected by the admin JWT.
	if cfg.AdminHandler != nil && cfg.AdminJWTSecret != "" {
		r.Route("/admin", func(admin chi.Router) {
			admin.Use(httpmiddleware.AdminJWT(cfg.AdminJWTSecret))
			admin.Get("/sync/diffs", cfg.AdminHandler.ListDiffs)
			admin.Post("/sync/diffs/{patientID}/accept-remote", cfg.AdminHandler.AcceptRemote)
			admin.Post("/sync/diffs/{patientID}/keep-local", cfg.AdminHandler.KeepLocal)
			admin.Post("/sweep", cfg.AdminHandler.RunSweep)
		})
	}

	return r
}
