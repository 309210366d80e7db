package audit

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Satisfied by *repository.AuditRepository
type Pruner interface {
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// Deletes archived events past the retention period. Redis expires its
// copies by TTL; the archive has no TTL so it is swept on an interval.
type Janitor struct {
	pruner    Pruner
	retention time.Duration
	interval  time.Duration
	now       func() time.Time
	logger    zerolog.Logger
}

func NewJanitor(pruner Pruner, retention, interval time.Duration, logger zerolog.Logger) *Janitor {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Janitor{
		pruner:    pruner,
		retention: retention,
		interval:  interval,
		now:       time.Now,
		logger:    logger,
	}
}

// Sweeps once immediately, then every interval until ctx is cancelled
func (j *Janitor) Run(ctx context.Context) {
	j.Sweep(ctx)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.Sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (j *Janitor) Sweep(ctx context.Context) int64 {
	cutoff := j.now().Add(-j.retention)

	deleted, err := j.pruner.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		j.logger.Error().Err(err).Msg("audit retention sweep failed")
		return 0
	}
	if deleted > 0 {
		j.logger.Info().Int64("deleted", deleted).Time("cutoff", cutoff).Msg("pruned archived audit events")
	}
	return deleted
}
