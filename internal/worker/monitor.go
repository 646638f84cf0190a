// Package worker holds the background loops: the stuck-session monitor and
// the expiry/retention sweeper.
package worker

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/arclighthealth/radsched/internal/conversation"
	"github.com/arclighthealth/radsched/internal/observability/metrics"
	"github.com/arclighthealth/radsched/pkg/logging"
)

type stuckStore interface {
	ListStuck(ctx context.Context, slotSLA, bookingSLA time.Duration) ([]conversation.Conversation, error)
	WithAdvisoryLock(ctx context.Context, id uuid.UUID, fn func(ctx context.Context) error) (bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (conversation.Conversation, error)
}

type stuckHandler interface {
	HandleStuck(ctx context.Context, conv conversation.Conversation, slotSLA, bookingSLA time.Duration) error
}

// Monitor finds conversations whose pending interface-engine request has
// outlived its SLA and pushes each one through retry-or-cancel. An advisory
// lock per conversation keeps concurrent monitor instances from double-acting.
type Monitor struct {
	store      stuckStore
	engine     stuckHandler
	logger     *logging.Logger
	metrics    *metrics.ConversationMetrics
	interval   time.Duration
	slotSLA    time.Duration
	bookingSLA time.Duration
}

// MonitorConfig wires a Monitor.
type MonitorConfig struct {
	Store      stuckStore
	Engine     stuckHandler
	Logger     *logging.Logger
	Metrics    *metrics.ConversationMetrics
	Interval   time.Duration
	SlotSLA    time.Duration
	BookingSLA time.Duration
}

func NewMonitor(cfg MonitorConfig) *Monitor {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.SlotSLA <= 0 {
		cfg.SlotSLA = 90 * time.Second
	}
	if cfg.BookingSLA <= 0 {
		cfg.BookingSLA = 2 * time.Minute
	}
	return &Monitor{
		store:      cfg.Store,
		engine:     cfg.Engine,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		interval:   cfg.Interval,
		slotSLA:    cfg.SlotSLA,
		bookingSLA: cfg.BookingSLA,
	}
}

func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Monitor) sweep(ctx context.Context) {
	stuck, err := m.store.ListStuck(ctx, m.slotSLA, m.bookingSLA)
	if err != nil {
		m.logger.Error("stuck sweep query failed", "error", err)
		return
	}
	m.metrics.SetStuckSessions(len(stuck))
	for _, conv := range stuck {
		id := conv.ID
		acquired, err := m.store.WithAdvisoryLock(ctx, id, func(ctx context.Context) error {
			// Re-fetch under the lock: the callback may have landed since
			// the listing.
			fresh, err := m.store.GetByID(ctx, id)
			if err != nil {
				return err
			}
			return m.engine.HandleStuck(ctx, fresh, m.slotSLA, m.bookingSLA)
		})
		if err != nil {
			m.logger.Error("stuck recovery failed", "conversation_id", id, "error", err)
			continue
		}
		if !acquired {
			m.logger.Debug("stuck conversation locked elsewhere", "conversation_id", id)
		}
	}
}
