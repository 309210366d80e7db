package repository

import (
	"context"
	"time"

	"github.com/aman-churiwal/xvpn-gateway/internal/models"
	"github.com/aman-churiwal/xvpn-gateway/internal/storage"
)

type AuditRepository struct {
	db *storage.Postgres
}

func NewAuditRepository(db *storage.Postgres) *AuditRepository {
	return &AuditRepository{db: db}
}

// Inserts multiple audit records (for batch insertion)
func (r *AuditRepository) CreateBatch(ctx context.Context, records []models.AuditRecord) error {
	if len(records) == 0 {
		return nil
	}

	return r.db.DB.WithContext(ctx).Create(&records).Error
}

// Retrieves records for a subject, newest first
func (r *AuditRepository) FindBySubject(ctx context.Context, subject string, from, to time.Time, limit int) ([]models.AuditRecord, error) {
	var records []models.AuditRecord

	err := r.db.DB.WithContext(ctx).
		Where("subject = ? AND timestamp BETWEEN ? AND ?", subject, from, to).
		Order("timestamp DESC").
		Limit(limit).
		Find(&records).Error

	return records, err
}

// Counts records of each event type in a time range
func (r *AuditRepository) CountByType(ctx context.Context, from, to time.Time) (map[string]int64, error) {
	rows, err := r.db.DB.WithContext(ctx).
		Model(&models.AuditRecord{}).
		Select("type, COUNT(*) as count").
		Where("timestamp BETWEEN ? AND ?", from, to).
		Group("type").
		Rows()

	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var eventType string
		var count int64

		if err := rows.Scan(&eventType, &count); err != nil {
			return nil, err
		}
		counts[eventType] = count
	}

	return counts, rows.Err()
}

// Deletes records older than the specified time
func (r *AuditRepository) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.DB.WithContext(ctx).
		Where("timestamp < ?", before).
		Delete(&models.AuditRecord{})

	return result.RowsAffected, result.Error
}
