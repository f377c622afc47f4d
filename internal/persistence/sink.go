package persistence

import (
	"context"

	"github.com/vxmarkets/pulse/internal/domain"
)

// DecisionSink adapts a DecisionsRepo to the engine's sink contract.
type DecisionSink struct {
	Repo DecisionsRepo
}

// EmitDecision stores the decision as it is emitted.
func (s DecisionSink) EmitDecision(ctx context.Context, d domain.ConsensusDecision) error {
	return s.Repo.Insert(ctx, d)
}
