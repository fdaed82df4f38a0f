package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"qazna.org/gateway/internal/access"
	"qazna.org/gateway/internal/audit"
	"qazna.org/gateway/internal/auth"
	"qazna.org/gateway/internal/events"
	"qazna.org/gateway/internal/obs"
	"qazna.org/gateway/internal/ratelimit"
	"qazna.org/gateway/internal/remote"
	"qazna.org/gateway/internal/tier"
	"qazna.org/gateway/internal/webhook"
)

const serviceName = "qazna-gateway"

// ReadyCheck is one named readiness check, e.g. a database ping.
type ReadyCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Deps carries the collaborators of the HTTP layer.
type Deps struct {
	Version  string
	Backend  remote.Invoker
	Verifier *auth.Verifier
	Limiter  ratelimit.Limiter
	Policy   *access.Policy
	Webhooks *webhook.Registry
	Bus      *events.Bus
	Audit    *audit.Relay
	IPGuard  *IPGuard
	Ready    []ReadyCheck
	// TrustProxy makes X-Forwarded-For the client address for audit and flood guarding.
	TrustProxy bool
	// CORSOrigins lists browser origins allowed to call the API; "*" allows any. Empty disables CORS.
	CORSOrigins []string
}

// API is the HTTP surface of the gateway.
type API struct {
	router   chi.Router
	version  string
	backend  remote.Invoker
	verifier *auth.Verifier
	limiter  ratelimit.Limiter
	policy   *access.Policy
	webhooks *webhook.Registry
	bus      *events.Bus
	audit    *audit.Relay
	ipGuard  *IPGuard
	ready    []ReadyCheck
	trust    bool
	cors     []string
	now      func() time.Time
}

func New(d Deps) (*API, error) {
	switch {
	case d.Backend == nil:
		return nil, errors.New("httpapi: backend is required")
	case d.Verifier == nil:
		return nil, errors.New("httpapi: verifier is required")
	case d.Limiter == nil:
		return nil, errors.New("httpapi: limiter is required")
	case d.Webhooks == nil:
		return nil, errors.New("httpapi: webhook registry is required")
	}
	a := &API{
		version:  d.Version,
		backend:  d.Backend,
		verifier: d.Verifier,
		limiter:  d.Limiter,
		policy:   d.Policy,
		webhooks: d.Webhooks,
		bus:      d.Bus,
		audit:    d.Audit,
		ipGuard:  d.IPGuard,
		ready:    d.Ready,
		trust:    d.TrustProxy,
		cors:     d.CORSOrigins,
		now:      time.Now,
	}
	if a.policy == nil {
		a.policy = access.Default()
	}
	if a.bus == nil {
		a.bus = events.NewBus()
	}
	a.router = a.routes()
	return a, nil
}

func (a *API) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(Audit(a.audit, a.trust))
	r.Use(Recover)
	r.Use(Logging)
	r.Use(obs.Instrument)
	r.Use(SecurityHeaders)
	if len(a.cors) > 0 {
		r.Use(CORS(a.cors))
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) { writeError(w, r, errNotFound) })
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) { writeError(w, r, errMethodNotAllowed) })

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Get("/v1/info", a.Info)
	r.Handle("/metrics", obs.Handler())

	r.Route("/v1", func(r chi.Router) {
		if a.ipGuard != nil {
			r.Use(a.ipGuard.Middleware)
		}
		r.Use(MaxBodyBytes(1 << 20))
		r.Use(a.authenticate)
		r.Use(a.limit)

		r.Get("/accounts/{id}", a.getAccount)
		r.Get("/transactions", requireAuth(auth.Requirement{Tier: tier.Buyer}, a.listTransactions))
		r.Post("/transfers", requireAuth(auth.Requirement{Tier: tier.Buyer, Scope: "ledger:transfer"}, a.transfer))

		r.Get("/orders", a.listOrders)
		r.Get("/orders/{id}", a.getOrder)
		r.Post("/orders", requireAuth(auth.Requirement{Tier: tier.Buyer, Scope: "orders:write"}, a.placeOrder))
		r.Delete("/orders/{id}", requireAuth(auth.Requirement{Tier: tier.Buyer, Scope: "orders:write"}, a.cancelOrder))
		r.Get("/trades", a.listTrades)

		r.Get("/audit/events", requireAuth(auth.Requirement{Tier: tier.Auditor}, a.listAuditEvents))

		r.Route("/webhooks", func(r chi.Router) {
			r.Post("/", requireToken(a.createWebhook))
			r.Get("/", requireToken(a.listWebhooks))
			r.Get("/{id}", requireToken(a.getWebhook))
			r.Patch("/{id}", requireToken(a.updateWebhook))
			r.Delete("/{id}", requireToken(a.deleteWebhook))
			r.Get("/{id}/deliveries", requireToken(a.listDeliveries))
		})

		r.Post("/events", requireAuth(auth.Requirement{Tier: tier.Owner, Scope: "events:publish"}, a.publishEvent))
		r.Get("/events/stream", requireAuth(auth.Requirement{Tier: tier.Auditor}, a.streamEvents))
	})
	return r
}

// Handler returns the root http.Handler.
func (a *API) Handler() http.Handler { return a.router }

// Bus exposes the event bus handlers publish to.
func (a *API) Bus() *events.Bus { return a.bus }

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

// CheckReady runs every readiness check and returns the names of failing ones.
func (a *API) CheckReady(ctx context.Context) map[string]string {
	failed := map[string]string{}
	for _, c := range a.ready {
		if err := c.Check(ctx); err != nil {
			failed[c.Name] = err.Error()
		}
	}
	return failed
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if failed := a.CheckReady(ctx); len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"failed": failed,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    a.now().UTC().Format(time.RFC3339),
		"version": a.version,
		"events":  a.webhooks.Events(),
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errBadRequest.withDetail("request body is required")
		}
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return newError(http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "Request body too large.")
		}
		return errBadRequest.withDetail(err.Error())
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errBadRequest.withDetail("unexpected data after JSON body")
	}
	return nil
}

// gone reports whether the client went away while the request was suspended; the result is then
// discarded.
func gone(r *http.Request) bool {
	return r.Context().Err() != nil
}
