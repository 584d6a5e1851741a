package repository

import (
	"context"
	"errors"

	"formbridge/internal/models"
	"formbridge/internal/storage"
)

func credentialItem(c *models.SiteCredential) (*storage.Item, error) {
	it, err := storage.NewItem(sitePK(c.Domain), credentialsSK(c.SiteID), c)
	if err != nil {
		return nil, err
	}
	it.Status = c.Status
	it.GSI1PK, it.GSI1SK = siteIDPK(c.SiteID), SKCredentials
	if c.AgencyID != "" {
		it.GSI2PK, it.GSI2SK = agencyPK(c.AgencyID), agencySiteSK(c.SiteID)
	}
	return it, nil
}

func decodeCredential(it *storage.Item) (*models.SiteCredential, error) {
	var c models.SiteCredential
	if err := it.Decode(&c); err != nil {
		return nil, err
	}
	return &c, nil
}

// CredentialByDomain returns the domain's credential and its row version.
func (r *Repository) CredentialByDomain(ctx context.Context, domain string) (*models.SiteCredential, int64, error) {
	items, err := r.store.Query(ctx, storage.Query{
		PK:       sitePK(domain),
		SKPrefix: PrefixCredentials,
		Limit:    1,
	})
	if err != nil {
		return nil, 0, err
	}
	if len(items) == 0 {
		return nil, 0, ErrNotFound
	}
	c, err := decodeCredential(items[0])
	if err != nil {
		return nil, 0, err
	}
	return c, items[0].Version, nil
}

// Credential reads a credential by its primary key.
func (r *Repository) Credential(ctx context.Context, domain, siteID string) (*models.SiteCredential, error) {
	it, err := r.store.Get(ctx, sitePK(domain), credentialsSK(siteID))
	if err != nil {
		return nil, err
	}
	return decodeCredential(it)
}

// CredentialBySiteID resolves a site id through GSI1.
func (r *Repository) CredentialBySiteID(ctx context.Context, siteID string) (*models.SiteCredential, error) {
	items, err := r.store.Query(ctx, storage.Query{
		Index: storage.IndexGSI1,
		PK:    siteIDPK(siteID),
		Limit: 1,
	})
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrNotFound
	}
	return decodeCredential(items[0])
}

// SaveCredential writes c. Version zero creates the row and fails if it
// already exists; any other version must match the stored row.
func (r *Repository) SaveCredential(ctx context.Context, c *models.SiteCredential, version int64) error {
	it, err := credentialItem(c)
	if err != nil {
		return err
	}
	cond := storage.IfAbsent
	if version != 0 {
		cond = storage.IfVersion(version)
	}
	return r.store.Put(ctx, it, cond)
}

// UpdateCredentialStatus sets the status of the site's credential.
func (r *Repository) UpdateCredentialStatus(ctx context.Context, siteID, status string) (*models.SiteCredential, error) {
	var updated *models.SiteCredential
	err := optimistic(ctx, func() error {
		c, err := r.CredentialBySiteID(ctx, siteID)
		if err != nil {
			return err
		}
		// GSI reads can lag, so the version comes from the primary row.
		it, err := r.store.Get(ctx, sitePK(c.Domain), credentialsSK(siteID))
		if err != nil {
			return err
		}
		if c, err = decodeCredential(it); err != nil {
			return err
		}
		c.Status = status
		c.UpdatedAt = r.now()
		if err := r.SaveCredential(ctx, c, it.Version); err != nil {
			return err
		}
		updated = c
		return nil
	})
	return updated, err
}

// AgencyCredentials lists credentials of one agency through GSI2.
func (r *Repository) AgencyCredentials(ctx context.Context, agencyID string) ([]*models.SiteCredential, error) {
	items, err := r.store.Query(ctx, storage.Query{
		Index:    storage.IndexGSI2,
		PK:       agencyPK(agencyID),
		SKPrefix: PrefixSite,
	})
	if err != nil {
		return nil, err
	}
	out := make([]*models.SiteCredential, 0, len(items))
	for _, it := range items {
		c, err := decodeCredential(it)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (r *Repository) PutAPIKeyIndex(ctx context.Context, idx *models.APIKeyIndex) error {
	it, err := storage.NewItem(apiKeyPK(idx.APIKeyHash), SKLookup, idx)
	if err != nil {
		return err
	}
	return r.store.Put(ctx, it, storage.IfAbsent)
}

func (r *Repository) APIKeyIndex(ctx context.Context, hash string) (*models.APIKeyIndex, error) {
	var idx models.APIKeyIndex
	if _, err := r.getInto(ctx, apiKeyPK(hash), SKLookup, &idx); err != nil {
		return nil, err
	}
	return &idx, nil
}

// RecordActivity bumps the site's request count and last-seen time.
func (r *Repository) RecordActivity(ctx context.Context, domain, siteID string) error {
	_, err := r.store.Add(ctx, sitePK(domain), activitySK(siteID), 1, 0)
	return err
}

// Activity returns the site's telemetry. A site never seen has zero activity.
func (r *Repository) Activity(ctx context.Context, domain, siteID string) (*models.SiteActivity, error) {
	it, err := r.store.Get(ctx, sitePK(domain), activitySK(siteID))
	if errors.Is(err, ErrNotFound) {
		return &models.SiteActivity{}, nil
	}
	if err != nil {
		return nil, err
	}
	return &models.SiteActivity{RequestCount: it.Count, LastSeen: it.UpdatedAt}, nil
}
