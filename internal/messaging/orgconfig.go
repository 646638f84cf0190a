package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"

	"github.com/arclighthealth/radsched/pkg/logging"
)

// OrgConfig is the per-organization SMS routing configuration.
type OrgConfig struct {
	OrganizationID   string   `json:"organization_id"`
	PrimaryProvider  string   `json:"primary_provider"`
	PrimaryNumbers   []string `json:"primary_numbers"`
	FailoverProvider string   `json:"failover_provider"`
	FailoverNumbers  []string `json:"failover_numbers"`
	StickySender     bool     `json:"sticky_sender"`
}

// ErrOrgConfigNotFound is returned when an organization has no SMS config.
var ErrOrgConfigNotFound = errors.New("messaging: org sms config not found")

// ConfigPool is the subset of pgxpool.Pool the config store needs.
type ConfigPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ConfigStore persists org SMS configs in Postgres.
type ConfigStore struct {
	pool ConfigPool
}

func NewConfigStore(pool ConfigPool) *ConfigStore {
	if pool == nil {
		return nil
	}
	return &ConfigStore{pool: pool}
}

func (s *ConfigStore) Get(ctx context.Context, orgID string) (OrgConfig, error) {
	var cfg OrgConfig
	var primary, failover []byte
	var failoverProvider *string
	query := `
		SELECT organization_id, primary_provider, primary_numbers,
			failover_provider, failover_numbers, sticky_sender
		FROM org_sms_configs
		WHERE organization_id = $1
	`
	err := s.pool.QueryRow(ctx, query, orgID).Scan(
		&cfg.OrganizationID, &cfg.PrimaryProvider, &primary,
		&failoverProvider, &failover, &cfg.StickySender,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return OrgConfig{}, ErrOrgConfigNotFound
		}
		return OrgConfig{}, fmt.Errorf("messaging: get org config: %w", err)
	}
	if failoverProvider != nil {
		cfg.FailoverProvider = *failoverProvider
	}
	if err := json.Unmarshal(primary, &cfg.PrimaryNumbers); err != nil {
		return OrgConfig{}, fmt.Errorf("messaging: decode primary numbers: %w", err)
	}
	if err := json.Unmarshal(failover, &cfg.FailoverNumbers); err != nil {
		return OrgConfig{}, fmt.Errorf("messaging: decode failover numbers: %w", err)
	}
	return cfg, nil
}

// Upsert writes a config row. Operational surface; the cache catches up
// within its TTL.
func (s *ConfigStore) Upsert(ctx context.Context, cfg OrgConfig) error {
	primary, err := json.Marshal(cfg.PrimaryNumbers)
	if err != nil {
		return fmt.Errorf("messaging: marshal primary numbers: %w", err)
	}
	failover, err := json.Marshal(cfg.FailoverNumbers)
	if err != nil {
		return fmt.Errorf("messaging: marshal failover numbers: %w", err)
	}
	query := `
		INSERT INTO org_sms_configs (
			organization_id, primary_provider, primary_numbers,
			failover_provider, failover_numbers, sticky_sender
		) VALUES ($1,$2,$3,NULLIF($4,''),$5,$6)
		ON CONFLICT (organization_id) DO UPDATE
		SET primary_provider = EXCLUDED.primary_provider,
			primary_numbers = EXCLUDED.primary_numbers,
			failover_provider = EXCLUDED.failover_provider,
			failover_numbers = EXCLUDED.failover_numbers,
			sticky_sender = EXCLUDED.sticky_sender,
			updated_at = now()
	`
	if _, err := s.pool.Exec(ctx, query, cfg.OrganizationID, cfg.PrimaryProvider, primary,
		cfg.FailoverProvider, failover, cfg.StickySender); err != nil {
		return fmt.Errorf("messaging: upsert org config: %w", err)
	}
	return nil
}

type configSource interface {
	Get(ctx context.Context, orgID string) (OrgConfig, error)
}

// ConfigCache fronts the config store with a Redis TTL cache. Config changes
// become visible within the TTL.
type ConfigCache struct {
	store  configSource
	client redis.UniversalClient
	ttl    time.Duration
	logger *logging.Logger
}

func NewConfigCache(store *ConfigStore, client redis.UniversalClient, ttl time.Duration, logger *logging.Logger) *ConfigCache {
	if logger == nil {
		logger = logging.Default()
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &ConfigCache{store: store, client: client, ttl: ttl, logger: logger}
}

func cacheKey(orgID string) string { return "radsched:smscfg:" + orgID }

func (c *ConfigCache) Get(ctx context.Context, orgID string) (OrgConfig, error) {
	if c.client != nil {
		if raw, err := c.client.Get(ctx, cacheKey(orgID)).Bytes(); err == nil {
			var cfg OrgConfig
			if err := json.Unmarshal(raw, &cfg); err == nil {
				return cfg, nil
			}
		}
	}
	cfg, err := c.store.Get(ctx, orgID)
	if err != nil {
		return OrgConfig{}, err
	}
	if c.client != nil {
		if raw, err := json.Marshal(cfg); err == nil {
			if err := c.client.Set(ctx, cacheKey(orgID), raw, c.ttl).Err(); err != nil {
				c.logger.Warn("sms config cache write failed", "error", err, "org_id", orgID)
			}
		}
	}
	return cfg, nil
}
