package storage

import (
	"context"
	"fmt"

	"formbridge/internal/models"
)

// Factory creates storage backends from configuration.
type Factory struct {
	now Clock
}

// NewFactory creates a factory. A nil clock means time.Now.
func NewFactory(now Clock) *Factory {
	return &Factory{now: now}
}

// Create instantiates the configured backend and wraps it in Retrying.
// Supported types:
//   - memory: in-process map (development, tests)
//   - sqlite: single file database
//   - postgres: PostgreSQL via pgx
//   - dynamodb: DynamoDB single table with GSI1, GSI2 and TTL on expires_at
func (f *Factory) Create(ctx context.Context, cfg models.StorageConfig) (Storage, error) {
	backend, err := f.createBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewRetrying(backend, cfg.Retry), nil
}

func (f *Factory) createBackend(ctx context.Context, cfg models.StorageConfig) (Storage, error) {
	switch cfg.Type {
	case models.StorageTypeMemory:
		return NewMemoryStorage(f.now), nil
	case models.StorageTypeSQLite:
		return NewSQLiteStorage(ctx, cfg.DSN, f.now)
	case models.StorageTypePostgres:
		return NewPostgresStorage(ctx, cfg.DSN, cfg.MaxConns, f.now)
	case models.StorageTypeDynamoDB:
		return NewDynamoStorage(ctx, DynamoConfig{
			Table:    cfg.Table,
			Region:   cfg.Region,
			Endpoint: cfg.Endpoint,
		}, f.now)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

// GetSupportedProviders returns all supported storage types.
func (f *Factory) GetSupportedProviders() []string {
	return []string{models.StorageTypeMemory, models.StorageTypeSQLite, models.StorageTypePostgres, models.StorageTypeDynamoDB}
}
