package update

import (
	"context"

	"formbridge/internal/models"
)

// ServiceInterface defines the update check used by the HTTP layer
type ServiceInterface interface {
	// Check reports whether siteID should update from req.CurrentVersion
	Check(ctx context.Context, siteID string, req *models.UpdateCheckRequest) (*models.UpdateCheckResponse, error)
}

// Ensure Service implements ServiceInterface
var _ ServiceInterface = (*Service)(nil)
