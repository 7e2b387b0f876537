package storage

import (
	"context"

	"github.com/dennisdiepolder/officehours/backend/internal/types"
)

// Store archives finished serving sessions
type Store interface {
	SaveSession(ctx context.Context, a types.Assignment) error
	QueueSessions(ctx context.Context, queueID int64, limit int) ([]SessionRecord, error)
	TADailyStats(ctx context.Context, taUserID int64) ([]TADailyStats, error)
	TruncateAll(ctx context.Context) error
}

// NoopStore is a no-op implementation when DynamoDB is disabled
type NoopStore struct{}

func NewNoopStore() *NoopStore { return &NoopStore{} }

func (s *NoopStore) SaveSession(_ context.Context, _ types.Assignment) error { return nil }
func (s *NoopStore) QueueSessions(_ context.Context, _ int64, _ int) ([]SessionRecord, error) {
	return nil, nil
}
func (s *NoopStore) TADailyStats(_ context.Context, _ int64) ([]TADailyStats, error) { return nil, nil }
func (s *NoopStore) TruncateAll(_ context.Context) error                            { return nil }
