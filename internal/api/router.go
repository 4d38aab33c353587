package api

import (
	"net/http"
	"time"

	"github.com/Fi44er/wallet_ledger/internal/identity"
	"github.com/Fi44er/wallet_ledger/internal/service"
	"github.com/Fi44er/wallet_ledger/utils"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	HeaderSignature = "X-Gateway-Signature"
	HeaderTimestamp = "X-Gateway-Timestamp"
	HeaderEventType = "X-Gateway-Event"

	maxWebhookBody = 1 << 20
)

type Handlers struct {
	svc      *service.Service
	verifier *identity.Verifier
	logger   *utils.Logger
	now      func() time.Time
}

func NewHandlers(svc *service.Service, verifier *identity.Verifier, logger *utils.Logger) *Handlers {
	return &Handlers{svc: svc, verifier: verifier, logger: logger, now: time.Now}
}

// Routes wires the webhook receiver, admin endpoints and health check. metrics may
// be nil.
func Routes(h *Handlers, metrics http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	r.Post("/webhooks/gateway", h.GatewayWebhook)

	r.Route("/admin", func(r chi.Router) {
		r.Use(h.RequireRole("admin"))
		r.Post("/schedules/process", h.ProcessSchedules)
		r.Get("/users/{userID}/audit", h.ListAudit)
	})
	return r
}
