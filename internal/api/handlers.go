package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sort"
	"time"

	"formbridge/internal/auth"
	"formbridge/internal/exchange"
	"formbridge/internal/fault"
	"formbridge/internal/models"
	"formbridge/internal/ratelimit"
	"formbridge/internal/registration"
	"formbridge/internal/update"
	"formbridge/internal/version"
)

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

// Services are the collaborators behind the HTTP surface.
type Services struct {
	Registration registration.ServiceInterface
	Exchange     exchange.ServiceInterface
	Authorizer   auth.ServiceInterface
	Updates      update.ServiceInterface
	Sites        SiteAdmin
	Events       EventLister
	Health       map[string]HealthCheck
}

// Handlers contains HTTP handlers for the gateway API
type Handlers struct {
	svc     Services
	cfg     models.ServerConfig
	version version.Info
}

// NewHandlers creates a new handlers instance
func NewHandlers(svc Services, cfg models.ServerConfig, ver version.Info) *Handlers {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &Handlers{svc: svc, cfg: cfg, version: ver}
}

func (h *Handlers) clientIP(r *http.Request) string {
	return ClientIP(r, h.cfg.TrustProxyHeaders)
}

// Register handles POST /register
func (h *Handlers) Register(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, r, err)
		return
	}

	resp, err := h.svc.Registration.Register(r.Context(), &req, h.clientIP(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

// Exchange handles POST /exchange
func (h *Handlers) Exchange(w http.ResponseWriter, r *http.Request) {
	var req models.ExchangeRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, r, err)
		return
	}

	resp, err := h.svc.Exchange.Exchange(r.Context(), &req, h.clientIP(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

// Authorize handles POST /authorize. The raw body is what the signature covers,
// so it is read untouched.
func (h *Handlers) Authorize(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes))
	if err != nil {
		writeError(w, r, bodyError(err))
		return
	}

	d, err := h.authenticate(w, r, body, auth.ScopeAPI)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, &models.AuthorizeResponse{
		Allow:     d.Allow,
		SiteID:    d.Tenant.SiteID,
		Domain:    d.Tenant.Domain,
		Remaining: d.Limit.Remaining,
	})
}

// CheckUpdates handles GET /updates/check
func (h *Handlers) CheckUpdates(w http.ResponseWriter, r *http.Request) {
	d, err := h.authenticate(w, r, nil, auth.ScopeUpdates)
	if err != nil {
		writeError(w, r, err)
		return
	}

	q := r.URL.Query()
	req := &models.UpdateCheckRequest{
		SiteID:         q.Get("site_id"),
		CurrentVersion: q.Get("current_version"),
		WPVersion:      q.Get("wp_version"),
		PHPVersion:     q.Get("php_version"),
	}
	resp, err := h.svc.Updates.Check(r.Context(), d.Tenant.SiteID, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

// authenticate runs the authorizer for the bearer key on r and emits rate
// limit headers whenever a quota was evaluated.
func (h *Handlers) authenticate(w http.ResponseWriter, r *http.Request, body []byte, scope string) (*auth.Decision, error) {
	d, err := h.svc.Authorizer.Authorize(r.Context(), auth.Request{
		APIKey:    bearerToken(r),
		Body:      body,
		Signature: r.Header.Get("X-Signature"),
		Timestamp: r.Header.Get("X-Timestamp"),
		ClientIP:  h.clientIP(r),
		Scope:     scope,
	})
	if d != nil && d.Limit.Limit > 0 {
		ratelimit.SetHeaders(w, d.Limit)
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

// HealthCheck handles GET /health
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	resp := models.NewHealthCheckResponse(models.StatusHealthy)
	resp.Version = h.version.Version

	names := make([]string, 0, len(h.svc.Health))
	for name := range h.svc.Health {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := h.svc.Health[name](ctx)
		cancel()
		if err != nil {
			resp.AddComponent(name, models.StatusUnhealthy, err.Error())
			continue
		}
		resp.AddComponent(name, models.StatusHealthy, "")
	}

	status := http.StatusOK
	if resp.Status == models.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, status, resp)
}

func bodyError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return fault.InvalidRequest("request body too large", err)
	}
	return fault.InvalidRequest("unreadable request body", err)
}
