package worker

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/arclighthealth/radsched/internal/observability/metrics"
	"github.com/arclighthealth/radsched/pkg/logging"
)

type expirer interface {
	ExpireOverdue(ctx context.Context) ([]uuid.UUID, error)
}

type purger interface {
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type strikeCleaner interface {
	ClearStrikes(id uuid.UUID)
}

// Sweeper expires conversations past their TTL and purges audit entries past
// the retention window. Expiry is silent: no SMS goes out for a session the
// patient abandoned.
type Sweeper struct {
	store     expirer
	auditor   purger
	strikes   strikeCleaner
	logger    *logging.Logger
	metrics   *metrics.ConversationMetrics
	interval  time.Duration
	retention time.Duration
}

// SweeperConfig wires a Sweeper.
type SweeperConfig struct {
	Store   expirer
	Auditor purger
	// Strikes releases the engine's in-memory strike counters for expired
	// conversations so the map does not grow without bound.
	Strikes  strikeCleaner
	Logger   *logging.Logger
	Metrics  *metrics.ConversationMetrics
	Interval time.Duration
	// Retention is how long audit entries are kept. Zero disables purging.
	Retention time.Duration
}

func NewSweeper(cfg SweeperConfig) *Sweeper {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	return &Sweeper{
		store:     cfg.Store,
		auditor:   cfg.Auditor,
		strikes:   cfg.Strikes,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		interval:  cfg.Interval,
		retention: cfg.Retention,
	}
}

func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	expired, err := s.store.ExpireOverdue(ctx)
	if err != nil {
		s.logger.Error("expiry sweep failed", "error", err)
	} else if len(expired) > 0 {
		if s.strikes != nil {
			for _, id := range expired {
				s.strikes.ClearStrikes(id)
			}
		}
		s.metrics.AddExpired(int64(len(expired)))
		s.logger.Info("expired overdue conversations", "count", len(expired))
	}

	if s.auditor == nil || s.retention <= 0 {
		return
	}
	purged, err := s.auditor.PurgeOlderThan(ctx, time.Now().Add(-s.retention))
	if err != nil {
		s.logger.Error("audit purge failed", "error", err)
		return
	}
	if purged > 0 {
		s.logger.Info("purged audit entries past retention", "count", purged)
	}
}
