// Package persistence defines the storage contracts for the engine's
// durable state: weight vectors, breaker states, decisions, and outcomes.
// All of it must survive process restart.
package persistence

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/vxmarkets/pulse/internal/breaker"
	"github.com/vxmarkets/pulse/internal/domain"
	"github.com/vxmarkets/pulse/internal/weights"
)

// TimeRange bounds a history query.
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// WeightsRepo stores committed weight vectors keyed by (instrument,
// layer_id) with a version and timestamp.
type WeightsRepo interface {
	// SaveVector stores a committed vector atomically.
	SaveVector(ctx context.Context, v weights.Vector) error

	// LoadVector returns the latest committed vector for an instrument,
	// or nil when none exists.
	LoadVector(ctx context.Context, instrument string) (*weights.Vector, error)

	// LoadAll returns the latest committed vector per instrument.
	LoadAll(ctx context.Context) ([]weights.Vector, error)
}

// BreakerRepo stores circuit breaker states keyed by layer_id.
type BreakerRepo interface {
	SaveStates(ctx context.Context, states []breaker.State) error
	LoadStates(ctx context.Context) ([]breaker.State, error)
}

// DecisionsRepo stores emitted decisions and their later outcomes.
type DecisionsRepo interface {
	Insert(ctx context.Context, d domain.ConsensusDecision) error
	Get(ctx context.Context, id uuid.UUID) (*domain.ConsensusDecision, error)
	ListByInstrument(ctx context.Context, instrument string, tr TimeRange, limit int) ([]domain.ConsensusDecision, error)

	// AttachOutcome records a realized outcome for a decision.
	AttachOutcome(ctx context.Context, o domain.TradeOutcome) error
	ListOutcomes(ctx context.Context, instrument string, limit int) ([]domain.TradeOutcome, error)
}
