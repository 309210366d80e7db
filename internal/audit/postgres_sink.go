package audit

import (
	"context"
	"fmt"

	"github.com/aman-churiwal/xvpn-gateway/internal/models"
)

// Satisfied by *repository.AuditRepository
type ArchiveStore interface {
	CreateBatch(ctx context.Context, records []models.AuditRecord) error
}

// Archives events to Postgres, which keeps them past the Redis TTL until the janitor prunes them
type PostgresSink struct {
	store ArchiveStore
}

func NewPostgresSink(store ArchiveStore) *PostgresSink {
	return &PostgresSink{store: store}
}

func (s *PostgresSink) Name() string {
	return "postgres"
}

func (s *PostgresSink) Write(ctx context.Context, events []models.AuditEvent) error {
	records := make([]models.AuditRecord, 0, len(events))
	for _, e := range events {
		records = append(records, models.NewAuditRecord(e))
	}

	if err := s.store.CreateBatch(ctx, records); err != nil {
		return fmt.Errorf("failed to archive audit events: %w", err)
	}
	return nil
}
