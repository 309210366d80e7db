package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/aman-churiwal/xvpn-gateway/internal/models"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Audit archive connection
type Postgres struct {
	DB *gorm.DB
}

// Opens the archive and verifies it answers within the connect timeout
func NewPostgres(dsn string) (*Postgres, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Warn),
		SkipDefaultTransaction: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open audit archive: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database handle: %w", err)
	}

	// one writer batches inserts; the rest serve the janitor and xvpnctl
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	p := &Postgres{DB: db}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := p.Ping(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("audit archive ping failed: %w", err)
	}

	return p, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	sqlDB, err := p.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Creates or updates the audit_events table and its indexes
func (p *Postgres) AutoMigrate() error {
	if err := p.DB.AutoMigrate(&models.AuditRecord{}); err != nil {
		return fmt.Errorf("failed to migrate audit_events: %w", err)
	}
	return nil
}

func (p *Postgres) Close() error {
	sqlDB, err := p.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
