package passwords

import (
	"context"

	"private-journal/go-backend/pkg/models"
)

// Store persists KeyConfigs and the records they protect. KeyConfig returns
// an error matching errors.ErrNotConfigured when the context has none.
type Store interface {
	KeyConfig(ctx context.Context, identityContext string) (models.KeyConfig, error)
	PutKeyConfig(ctx context.Context, cfg models.KeyConfig) error
	List(ctx context.Context, owner string) ([]models.Record, error)
	// CommitReset stores cfg and records together or not at all.
	CommitReset(ctx context.Context, cfg models.KeyConfig, records []models.Record) error
}
