package main

import (
	"context"

	"github.com/vxmarkets/pulse/internal/breaker"
	"github.com/vxmarkets/pulse/internal/domain"
	"github.com/vxmarkets/pulse/internal/persistence"
)

// breakerSink checkpoints breaker states after every emitted decision so
// layer isolation survives a restart.
type breakerSink struct {
	repo persistence.BreakerRepo
	bank *breaker.Bank
}

func (s breakerSink) EmitDecision(ctx context.Context, _ domain.ConsensusDecision) error {
	return s.repo.SaveStates(ctx, s.bank.Snapshot())
}
