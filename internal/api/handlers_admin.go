package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"formbridge/internal/fault"
	"formbridge/internal/models"
	"formbridge/internal/repository"
)

// SiteAdmin is the slice of the repository the admin routes use.
type SiteAdmin interface {
	CredentialBySiteID(ctx context.Context, siteID string) (*models.SiteCredential, error)
	UpdateCredentialStatus(ctx context.Context, siteID, status string) (*models.SiteCredential, error)
	Activity(ctx context.Context, domain, siteID string) (*models.SiteActivity, error)
	SetAgencyLimit(ctx context.Context, agencyID string, maxSites int) (*models.AgencyGroup, error)
}

// EventLister reads the security event log. *abuse.Detector implements it.
type EventLister interface {
	Events(ctx context.Context, identifier string, since time.Time, limit int) ([]*models.SecurityEvent, error)
}

var _ SiteAdmin = (*repository.Repository)(nil)

const maxEventPage = 500

// AdminGetSite handles GET /admin/sites/{site_id}
func (h *Handlers) AdminGetSite(w http.ResponseWriter, r *http.Request) {
	siteID := mux.Vars(r)["site_id"]

	c, err := h.svc.Sites.CredentialBySiteID(r.Context(), siteID)
	if err != nil {
		writeError(w, r, storeError(err, "site not found"))
		return
	}
	view := siteView(c)

	act, err := h.svc.Sites.Activity(r.Context(), c.Domain, c.SiteID)
	if err != nil {
		writeError(w, r, storeError(err, "site not found"))
		return
	}
	view.RequestCount = act.RequestCount
	if !act.LastSeen.IsZero() {
		seen := act.LastSeen
		view.LastSeen = &seen
	}
	writeJSONResponse(w, http.StatusOK, view)
}

// AdminUpdateSite handles PATCH /admin/sites/{site_id}
func (h *Handlers) AdminUpdateSite(w http.ResponseWriter, r *http.Request) {
	siteID := mux.Vars(r)["site_id"]

	var req models.UpdateSiteStatusRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, r, err)
		return
	}
	req.Status = strings.TrimSpace(req.Status)
	if err := req.Validate(); err != nil {
		writeError(w, r, fault.InvalidRequest(err.Error(), err))
		return
	}

	c, err := h.svc.Sites.UpdateCredentialStatus(r.Context(), siteID, req.Status)
	if err != nil {
		writeError(w, r, storeError(err, "site not found"))
		return
	}

	slog.InfoContext(r.Context(), "site status changed",
		"event", "security_audit",
		"site_id", c.SiteID,
		"domain", c.Domain,
		"status", c.Status,
	)
	writeJSONResponse(w, http.StatusOK, siteView(c))
}

// AdminUpdateAgency handles PUT /admin/agencies/{agency_id}
func (h *Handlers) AdminUpdateAgency(w http.ResponseWriter, r *http.Request) {
	agencyID := mux.Vars(r)["agency_id"]

	var req models.UpdateAgencyRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, fault.InvalidRequest(err.Error(), err))
		return
	}

	g, err := h.svc.Sites.SetAgencyLimit(r.Context(), agencyID, req.MaxSites)
	if errors.Is(err, repository.ErrBelowMembership) {
		writeError(w, r, fault.Conflict(err.Error()))
		return
	}
	if err != nil {
		writeError(w, r, storeError(err, "agency not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, g)
}

// AdminSecurityEvents handles GET /admin/security-events?identifier=
func (h *Handlers) AdminSecurityEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	identifier := strings.TrimSpace(q.Get("identifier"))
	if identifier == "" {
		writeError(w, r, fault.InvalidRequest("identifier is required", nil))
		return
	}

	var since time.Time
	if s := q.Get("since"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, r, fault.InvalidRequest("since must be an RFC 3339 timestamp", err))
			return
		}
		since = t
	}
	limit := 100
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, r, fault.InvalidRequest("limit must be a positive integer", err))
			return
		}
		limit = min(n, maxEventPage)
	}

	events, err := h.svc.Events.Events(r.Context(), identifier, since, limit)
	if err != nil {
		writeError(w, r, storeError(err, ""))
		return
	}
	if events == nil {
		events = []*models.SecurityEvent{}
	}
	writeJSONResponse(w, http.StatusOK, &models.SecurityEventList{Identifier: identifier, Events: events})
}

func siteView(c *models.SiteCredential) *models.SiteView {
	return &models.SiteView{
		SiteID:    c.SiteID,
		Domain:    c.Domain,
		Status:    c.Status,
		AgencyID:  c.AgencyID,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

// storeError turns a repository miss into NotFound and any other raw store
// error into Unavailable. Faults pass through.
func storeError(err error, notFound string) error {
	var fe *fault.Error
	switch {
	case errors.As(err, &fe):
		return fe
	case errors.Is(err, repository.ErrNotFound) && notFound != "":
		return fault.NotFound(notFound)
	}
	return fault.Store("store operation failed", err)
}
