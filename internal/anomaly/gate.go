// Package anomaly combines market-stress sub-detector severities into one
// overall reading and decides when it must override the vote.
package anomaly

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vxmarkets/pulse/internal/domain"
)

// Regime classifies the combined severity.
type Regime string

const (
	RegimeNormal    Regime = "NORMAL"
	RegimeTurbulent Regime = "TURBULENT"
	RegimeUnstable  Regime = "UNSTABLE"
	RegimePanic     Regime = "PANIC"
)

// Config holds per-detector weights and the override threshold. Weights
// need not sum to 1; the combine renormalizes over the detectors present.
type Config struct {
	DetectorWeights   map[domain.AnomalyType]float64 `yaml:"detector_weights"`
	OverrideThreshold float64                        `yaml:"override_threshold"`

	// SignalTTL bounds how long a reported detector batch stays readable
	// in the feed before the round treats the market as calm again.
	SignalTTL time.Duration `yaml:"signal_ttl"`
}

// DefaultConfig weights cascades and flash crashes heaviest.
func DefaultConfig() Config {
	return Config{
		DetectorWeights: map[domain.AnomalyType]float64{
			domain.AnomalyLiquidationCascade: 0.35,
			domain.AnomalyFlashCrash:         0.30,
			domain.AnomalyVolumeSpike:        0.20,
			domain.AnomalyWhaleBurst:         0.15,
		},
		OverrideThreshold: 60.0,
		SignalTTL:         5 * time.Minute,
	}
}

// Override instructs the engine to downgrade the vote to a risk-reducing
// decision. It always takes precedence over the vote, never the reverse.
type Override struct {
	OverallSeverity float64       `json:"overall_severity"`
	Regime          Regime        `json:"regime"`
	ForcedSignal    domain.Signal `json:"forced_signal"`
}

// Gate evaluates combined anomaly severity. Stateless.
type Gate struct {
	cfg Config
}

// NewGate creates a gate, defaulting zero-value config fields.
func NewGate(cfg Config) *Gate {
	def := DefaultConfig()
	if len(cfg.DetectorWeights) == 0 {
		cfg.DetectorWeights = def.DetectorWeights
	}
	if cfg.OverrideThreshold <= 0 {
		cfg.OverrideThreshold = def.OverrideThreshold
	}
	return &Gate{cfg: cfg}
}

// Combine folds sub-detector severities into one overall severity in
// [0,100], weighted per detector type and renormalized over the detectors
// that reported. Unknown detector types are ignored.
func (g *Gate) Combine(signals []domain.AnomalySignal) float64 {
	var weighted, totalWeight float64
	for _, s := range signals {
		w, ok := g.cfg.DetectorWeights[s.Type]
		if !ok {
			continue
		}
		sev := s.Severity
		if sev < 0 {
			sev = 0
		}
		if sev > 100 {
			sev = 100
		}
		weighted += sev * w
		totalWeight += w
	}
	if totalWeight == 0 {
		return 0
	}
	return weighted / totalWeight
}

// Classify maps overall severity to a market regime.
func Classify(severity float64) Regime {
	switch {
	case severity > 80:
		return RegimePanic
	case severity > 60:
		return RegimeUnstable
	case severity > 40:
		return RegimeTurbulent
	default:
		return RegimeNormal
	}
}

// Evaluate returns a non-nil override when combined severity exceeds the
// configured threshold. The forced signal is always NEUTRAL: in a stressed
// market the engine stands down rather than picking a side.
func (g *Gate) Evaluate(signals []domain.AnomalySignal) *Override {
	severity := g.Combine(signals)
	regime := Classify(severity)
	if severity <= g.cfg.OverrideThreshold {
		return nil
	}

	log.Warn().
		Float64("severity", severity).
		Str("regime", string(regime)).
		Msg("anomaly override engaged")

	return &Override{
		OverallSeverity: severity,
		Regime:          regime,
		ForcedSignal:    domain.SignalNeutral,
	}
}
