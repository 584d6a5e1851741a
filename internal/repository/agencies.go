package repository

import (
	"context"
	"errors"
	"fmt"

	"formbridge/internal/models"
	"formbridge/internal/storage"
)

// ErrBelowMembership is returned when a new site limit is smaller than the
// group's current membership.
var ErrBelowMembership = errors.New("max sites is below current membership")

// Agency returns the group and its row version.
func (r *Repository) Agency(ctx context.Context, agencyID string) (*models.AgencyGroup, int64, error) {
	var g models.AgencyGroup
	it, err := r.getInto(ctx, agencyPK(agencyID), SKGroup, &g)
	if err != nil {
		return nil, 0, err
	}
	return &g, it.Version, nil
}

// mutateAgency applies fn to the current group, or a new one, and writes it
// back under a version check.
func (r *Repository) mutateAgency(ctx context.Context, agencyID string, fn func(g *models.AgencyGroup) error) (*models.AgencyGroup, error) {
	var result *models.AgencyGroup
	err := optimistic(ctx, func() error {
		g, version, err := r.Agency(ctx, agencyID)
		if errors.Is(err, ErrNotFound) {
			g, version, err = models.NewAgencyGroup(agencyID, r.now()), 0, nil
		}
		if err != nil {
			return err
		}
		if err := fn(g); err != nil {
			return err
		}

		it, err := storage.NewItem(agencyPK(agencyID), SKGroup, g)
		if err != nil {
			return err
		}
		cond := storage.IfAbsent
		if version != 0 {
			cond = storage.IfVersion(version)
		}
		if err := r.store.Put(ctx, it, cond); err != nil {
			return err
		}
		result = g
		return nil
	})
	return result, err
}

// AddAgencySite adds siteID to the agency's group, creating the group with
// the default limit on first use. A full group returns models.ErrAgencyFull.
func (r *Repository) AddAgencySite(ctx context.Context, agencyID, siteID string) (*models.AgencyGroup, error) {
	return r.mutateAgency(ctx, agencyID, func(g *models.AgencyGroup) error {
		return g.AddSite(siteID, r.now())
	})
}

// SetAgencyLimit changes the group's site limit.
func (r *Repository) SetAgencyLimit(ctx context.Context, agencyID string, maxSites int) (*models.AgencyGroup, error) {
	return r.mutateAgency(ctx, agencyID, func(g *models.AgencyGroup) error {
		if maxSites < len(g.SiteIDs) {
			return fmt.Errorf("%w: %d sites", ErrBelowMembership, len(g.SiteIDs))
		}
		g.MaxSites = maxSites
		g.UpdatedAt = r.now()
		return nil
	})
}

// RemoveAgencySite drops siteID from the agency's group.
func (r *Repository) RemoveAgencySite(ctx context.Context, agencyID, siteID string) error {
	_, err := r.mutateAgency(ctx, agencyID, func(g *models.AgencyGroup) error {
		g.RemoveSite(siteID, r.now())
		return nil
	})
	return err
}
