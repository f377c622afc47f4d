// Package cache keeps the latest decision per instrument hot in Redis so
// downstream collaborators can poll without touching Postgres.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vxmarkets/pulse/internal/domain"
)

// ErrMiss is returned when no cached decision exists for an instrument.
var ErrMiss = errors.New("cache: miss")

// Config holds the Redis connection settings.
type Config struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// DecisionCache stores the most recent decision per instrument.
type DecisionCache struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// NewDecisionCache connects a cache client. TTL defaults to 15 minutes.
func NewDecisionCache(cfg Config) *DecisionCache {
	if cfg.TTL <= 0 {
		cfg.TTL = 15 * time.Minute
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,

		PoolSize:     10,
		MinIdleConns: 2,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	return &DecisionCache{client: client, keyPrefix: "pulse:decision:", ttl: cfg.TTL}
}

// EmitDecision satisfies the engine sink contract: the latest decision
// replaces the previous one under the instrument key.
func (c *DecisionCache) EmitDecision(ctx context.Context, d domain.ConsensusDecision) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal decision: %w", err)
	}
	if err := c.client.Set(ctx, c.keyPrefix+d.Instrument, payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache decision for %s: %w", d.Instrument, err)
	}
	return nil
}

// Latest returns the cached decision for an instrument.
func (c *DecisionCache) Latest(ctx context.Context, instrument string) (domain.ConsensusDecision, error) {
	var d domain.ConsensusDecision
	payload, err := c.client.Get(ctx, c.keyPrefix+instrument).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return d, ErrMiss
		}
		return d, fmt.Errorf("cache get for %s: %w", instrument, err)
	}
	if err := json.Unmarshal(payload, &d); err != nil {
		return d, fmt.Errorf("unmarshal cached decision: %w", err)
	}
	return d, nil
}

// Health pings the Redis backend.
func (c *DecisionCache) Health(ctx context.Context) bool {
	return c.client.Ping(ctx).Err() == nil
}

// Close releases the client.
func (c *DecisionCache) Close() error {
	return c.client.Close()
}
