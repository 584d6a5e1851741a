package models

import (
	"errors"
	"slices"
	"time"
)

// DefaultAgencyMaxSites applies to groups created implicitly by key exchange.
const DefaultAgencyMaxSites = 25

var ErrAgencyFull = errors.New("agency group has reached its site limit")

// AgencyGroup ties several sites to one agency account.
type AgencyGroup struct {
	AgencyID  string    `json:"agency_id"`
	SiteIDs   []string  `json:"site_ids"`
	MaxSites  int       `json:"max_sites"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func NewAgencyGroup(agencyID string, now time.Time) *AgencyGroup {
	return &AgencyGroup{
		AgencyID:  agencyID,
		SiteIDs:   []string{},
		MaxSites:  DefaultAgencyMaxSites,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (g *AgencyGroup) HasSite(siteID string) bool {
	return slices.Contains(g.SiteIDs, siteID)
}

// AddSite adds siteID to the group. Adding a member twice is a no-op;
// adding past MaxSites returns ErrAgencyFull.
func (g *AgencyGroup) AddSite(siteID string, now time.Time) error {
	if g.HasSite(siteID) {
		return nil
	}
	if len(g.SiteIDs) >= g.MaxSites {
		return ErrAgencyFull
	}
	g.SiteIDs = append(g.SiteIDs, siteID)
	g.UpdatedAt = now
	return nil
}

// HasRoomFor reports whether AddSite(siteID) would succeed.
func (g *AgencyGroup) HasRoomFor(siteID string) bool {
	return g.HasSite(siteID) || len(g.SiteIDs) < g.MaxSites
}

func (g *AgencyGroup) RemoveSite(siteID string, now time.Time) {
	if i := slices.Index(g.SiteIDs, siteID); i >= 0 {
		g.SiteIDs = slices.Delete(g.SiteIDs, i, i+1)
		g.UpdatedAt = now
	}
}
