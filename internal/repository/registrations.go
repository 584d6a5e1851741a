package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"formbridge/internal/models"
	"formbridge/internal/storage"
)

type pendingMarker struct {
	RegistrationID string `json:"registration_id"`
}

func registrationItem(reg *models.Registration) (*storage.Item, error) {
	it, err := storage.NewItem(sitePK(reg.Domain), registrationSK(reg.ID), reg)
	if err != nil {
		return nil, err
	}
	it.Status = reg.Status
	it.GSI1PK, it.GSI1SK = tempKeyPK(reg.TempKey), statusSK(reg.Status)
	if reg.Status == models.RegistrationStatusPending {
		it.GSI2PK, it.GSI2SK = regStatePK(reg.Domain), SKPending
	}
	it.ExpireAt(reg.ExpiresAt)
	return it, nil
}

func decodeRegistration(it *storage.Item) (*models.Registration, error) {
	var reg models.Registration
	if err := it.Decode(&reg); err != nil {
		return nil, err
	}
	return &reg, nil
}

// ClaimPending creates the pending marker for domain. It is the single
// winner gate: ErrConditionFailed means another live registration holds it.
func (r *Repository) ClaimPending(ctx context.Context, domain, registrationID string, expiresAt time.Time) error {
	it, err := storage.NewItem(sitePK(domain), SKPending, pendingMarker{RegistrationID: registrationID})
	if err != nil {
		return err
	}
	it.ExpireAt(expiresAt)
	return r.store.Put(ctx, it, storage.IfAbsent)
}

// PendingMarker returns the registration id held by the domain's marker.
func (r *Repository) PendingMarker(ctx context.Context, domain string) (string, error) {
	var m pendingMarker
	if _, err := r.getInto(ctx, sitePK(domain), SKPending, &m); err != nil {
		return "", err
	}
	return m.RegistrationID, nil
}

// ReleasePending expires the domain's marker immediately.
func (r *Repository) ReleasePending(ctx context.Context, domain string) error {
	it, err := storage.NewItem(sitePK(domain), SKPending, pendingMarker{})
	if err != nil {
		return err
	}
	it.ExpireAt(r.now())
	return r.store.Put(ctx, it, storage.Always)
}

// ReleaseStalePending expires the marker only while it still names
// registrationID. A marker claimed by someone else in the meantime is kept
// and ErrConditionFailed is returned.
func (r *Repository) ReleaseStalePending(ctx context.Context, domain, registrationID string) error {
	var m pendingMarker
	cur, err := r.getInto(ctx, sitePK(domain), SKPending, &m)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if m.RegistrationID != registrationID {
		return ErrConditionFailed
	}
	it, err := storage.NewItem(sitePK(domain), SKPending, pendingMarker{})
	if err != nil {
		return err
	}
	it.ExpireAt(r.now())
	return r.store.Put(ctx, it, storage.IfVersion(cur.Version))
}

func (r *Repository) CreateRegistration(ctx context.Context, reg *models.Registration) error {
	it, err := registrationItem(reg)
	if err != nil {
		return err
	}
	if err := r.store.Put(ctx, it, storage.IfAbsent); err != nil {
		return fmt.Errorf("create registration %s: %w", reg.ID, err)
	}
	return nil
}

func (r *Repository) Registration(ctx context.Context, domain, id string) (*models.Registration, error) {
	it, err := r.store.Get(ctx, sitePK(domain), registrationSK(id))
	if err != nil {
		return nil, err
	}
	return decodeRegistration(it)
}

// RegistrationByTempKey resolves a temp key through GSI1.
func (r *Repository) RegistrationByTempKey(ctx context.Context, tempKey string) (*models.Registration, error) {
	items, err := r.store.Query(ctx, storage.Query{
		Index:    storage.IndexGSI1,
		PK:       tempKeyPK(tempKey),
		SKPrefix: PrefixStatus,
		Limit:    1,
	})
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrNotFound
	}
	return decodeRegistration(items[0])
}

// PendingRegistration returns the live pending registration for domain.
func (r *Repository) PendingRegistration(ctx context.Context, domain string) (*models.Registration, error) {
	items, err := r.store.Query(ctx, storage.Query{
		Index: storage.IndexGSI2,
		PK:    regStatePK(domain),
		From:  SKPending,
		To:    SKPending,
	})
	if err != nil {
		return nil, err
	}
	now := r.now()
	for _, it := range items {
		reg, err := decodeRegistration(it)
		if err != nil {
			return nil, err
		}
		if reg.IsPending(now) {
			return reg, nil
		}
	}
	return nil, ErrNotFound
}

// MarkVerified moves a pending registration to verified. Only one caller
// can win; the rest get ErrConditionFailed.
func (r *Repository) MarkVerified(ctx context.Context, reg *models.Registration, siteID string) error {
	now := r.now()
	verified := *reg
	verified.Status = models.RegistrationStatusVerified
	verified.SiteID = siteID
	verified.VerifiedAt = &now

	it, err := registrationItem(&verified)
	if err != nil {
		return err
	}
	if err := r.store.Put(ctx, it, storage.IfStatus(models.RegistrationStatusPending)); err != nil {
		return err
	}
	*reg = verified
	return nil
}

// RevertVerified returns a verified registration to pending after credential
// issuance failed, so the same temp key can be exchanged again.
func (r *Repository) RevertVerified(ctx context.Context, reg *models.Registration) error {
	pending := *reg
	pending.Status = models.RegistrationStatusPending
	pending.SiteID = ""
	pending.VerifiedAt = nil

	it, err := registrationItem(&pending)
	if err != nil {
		return err
	}
	if err := r.store.Put(ctx, it, storage.IfStatus(models.RegistrationStatusVerified)); err != nil {
		return fmt.Errorf("revert registration %s: %w", reg.ID, err)
	}
	*reg = pending
	return nil
}
