package abuse

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"formbridge/internal/models"
	"formbridge/internal/ratelimit"
)

// Record appends ev to the security log. Retention follows the severity
// unless ev already carries an expiry.
func (d *Detector) Record(ctx context.Context, ev *models.SecurityEvent) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = d.Now()
	}
	if err := d.repo.RecordEvent(ctx, ev); err != nil {
		return fmt.Errorf("record %s event: %w", ev.Category, err)
	}

	slog.InfoContext(ctx, "security event recorded",
		"event", "security_audit",
		"category", ev.Category,
		"severity", ev.Severity,
		"identifier", ev.Identifier,
		"rule", ev.Rule,
		"client_ip", ev.ClientIP,
	)
	if d.Observe != nil {
		d.Observe(ctx, ev.Category)
	}
	return nil
}

// Block persists a critical block for identifier lasting abuse.block_ttl.
func (d *Detector) Block(ctx context.Context, identifier, rule, detail, clientIP string) error {
	now := d.Now()
	return d.Record(ctx, &models.SecurityEvent{
		Category:   models.EventCategoryBlock,
		Identifier: identifier,
		Severity:   models.SeverityCritical,
		Rule:       rule,
		Detail:     detail,
		ClientIP:   clientIP,
		CreatedAt:  now,
		ExpiresAt:  now.Add(d.cfg.BlockTTL),
	})
}

// RateLimited counts a denial for key. Every abuse.rate_limited_events
// denials within an hour produce one rate_limited event.
func (d *Detector) RateLimited(ctx context.Context, key ratelimit.Key, clientIP string) error {
	info, err := d.limiter.Hit(ctx, ratelimit.Key{Scope: ratelimit.ScopeRateLimited, ID: key.String()},
		ratelimit.Window{Name: "hour", Length: time.Hour, Max: d.cfg.RateLimitedEvents})
	if err != nil {
		return err
	}
	if info.Count%int64(d.cfg.RateLimitedEvents) != 0 {
		return nil
	}
	return d.Record(ctx, &models.SecurityEvent{
		Category:   models.EventCategoryRateLimited,
		Identifier: key.ID,
		Severity:   models.SeverityLow,
		Rule:       key.Scope,
		Detail:     fmt.Sprintf("%d rate limited requests in the last hour", info.Count),
		ClientIP:   clientIP,
	})
}

// Events lists recorded events for identifier since the given time.
func (d *Detector) Events(ctx context.Context, identifier string, since time.Time, limit int) ([]*models.SecurityEvent, error) {
	return d.repo.Events(ctx, identifier, since, limit)
}
