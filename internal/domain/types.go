// Package domain holds the shared types of the consensus engine: layer
// observations, weight vectors, decisions, and realized outcomes.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// Signal is the directional opinion attached to a score or decision.
type Signal int

const (
	SignalNeutral Signal = iota
	SignalLong
	SignalShort
)

func (s Signal) String() string {
	switch s {
	case SignalLong:
		return "LONG"
	case SignalShort:
		return "SHORT"
	case SignalNeutral:
		return "NEUTRAL"
	default:
		return "UNKNOWN"
	}
}

// ParseSignal maps the wire representation back to a Signal.
func ParseSignal(s string) Signal {
	switch s {
	case "LONG":
		return SignalLong
	case "SHORT":
		return SignalShort
	default:
		return SignalNeutral
	}
}

// Timeframe identifies the horizon a layer evaluated, e.g. "15m" or "1d".
type Timeframe string

// DefaultTimeframes lists the analyzed horizons from shortest to longest.
// Alignment scans them longest-first when looking for a higher-timeframe bias.
var DefaultTimeframes = []Timeframe{"15m", "1h", "4h", "12h", "1d"}

// LayerScore is one producer's opinion about an instrument at a timeframe.
// Immutable once recorded; a newer observation for the same
// (layer, instrument, timeframe) key supersedes it in the registry.
type LayerScore struct {
	LayerID      string        `json:"layer_id" validate:"required"`
	Instrument   string        `json:"instrument" validate:"required"`
	Timeframe    Timeframe     `json:"timeframe" validate:"required"`
	RawScore     float64       `json:"raw_score" validate:"gte=0,lte=100"`
	Signal       Signal        `json:"signal"`
	Confidence   float64       `json:"confidence" validate:"gte=0,lte=1"`
	ObservedAt   time.Time     `json:"observed_at"`
	StalenessTTL time.Duration `json:"staleness_ttl"`
}

// Stale reports whether the score is older than its TTL at the given instant.
func (s LayerScore) Stale(now time.Time) bool {
	if s.StalenessTTL <= 0 {
		return false
	}
	return now.Sub(s.ObservedAt) > s.StalenessTTL
}

// LayerWeight is the adaptive trust assigned to one layer for one
// instrument. Owned exclusively by the weight optimizer; all weights in a
// committed vector sum to 1.
type LayerWeight struct {
	LayerID     string    `json:"layer_id"`
	Weight      float64   `json:"weight"`
	Velocity    float64   `json:"velocity"`
	LastUpdated time.Time `json:"last_updated"`
}

// ContributingLayer records one layer's share of an emitted decision.
type ContributingLayer struct {
	LayerID  string  `json:"layer_id"`
	Weight   float64 `json:"weight"`
	RawScore float64 `json:"raw_score"`
}

// ConsensusDecision is the engine's single output per voting round per
// instrument. Terminal once emitted.
type ConsensusDecision struct {
	ID                 uuid.UUID           `json:"id"`
	Instrument         string              `json:"instrument"`
	DecidedAt          time.Time           `json:"decided_at"`
	AggregatedScore    float64             `json:"aggregated_score"`
	Signal             Signal              `json:"signal"`
	Confidence         float64             `json:"confidence"`
	ContributingLayers []ContributingLayer `json:"contributing_layers"`
	AlignmentScore     float64             `json:"alignment_score"`
	AnomalyOverridden  bool                `json:"anomaly_overridden"`
	InsufficientQuorum bool                `json:"insufficient_quorum"`
}

// TradeOutcome is the realized result of acting on a decision, reported by
// the external execution collaborator once the position closes.
type TradeOutcome struct {
	DecisionID  uuid.UUID `json:"decision_id"`
	Instrument  string    `json:"instrument"`
	RealizedPnL float64   `json:"realized_pnl"`
	IsCorrect   bool      `json:"is_correct"`
	ClosedAt    time.Time `json:"closed_at"`
}

// AnomalyType labels a market-stress sub-detector.
type AnomalyType string

const (
	AnomalyLiquidationCascade AnomalyType = "liquidation_cascade"
	AnomalyFlashCrash         AnomalyType = "flash_crash"
	AnomalyVolumeSpike        AnomalyType = "volume_spike"
	AnomalyWhaleBurst         AnomalyType = "whale_burst"
)

// AnomalySignal is one sub-detector's severity reading in [0, 100].
type AnomalySignal struct {
	Type     AnomalyType `json:"type"`
	Severity float64     `json:"severity"`
}
