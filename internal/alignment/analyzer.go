// Package alignment cross-checks signals produced at different timeframes
// for the same instrument and scores their agreement.
package alignment

import (
	"fmt"

	"github.com/vxmarkets/pulse/internal/domain"
)

// TimeframeSignal is the per-timeframe input: one representative score and
// direction for the instrument at that horizon.
type TimeframeSignal struct {
	Timeframe domain.Timeframe
	Score     float64 // 0-100
	Signal    domain.Signal
}

// Result is the analyzer output consumed by the voter's confidence blend.
type Result struct {
	TrendAligned      bool          `json:"trend_aligned"`
	AgreementPct      float64       `json:"agreement_pct"`
	HigherTFBias      domain.Signal `json:"higher_tf_bias"`
	DivergenceWarning string        `json:"divergence_warning,omitempty"`
	WeightedScore     float64       `json:"weighted_score"`
}

// Config holds the analyzer tunables. TimeframeWeights is a static blend,
// longer horizons weighted more heavily; it is orthogonal to the adaptive
// per-layer weights.
type Config struct {
	Timeframes       []domain.Timeframe           `yaml:"timeframes"`
	TimeframeWeights map[domain.Timeframe]float64 `yaml:"timeframe_weights"`
	BiasThreshold    float64                      `yaml:"bias_threshold"`    // score strength for higher-TF bias
	MinAlignedVotes  int                          `yaml:"min_aligned_votes"` // of a 5-6 timeframe set
}

// DefaultConfig weights the five default timeframes with the daily horizon
// heaviest. Weights sum to 1.
func DefaultConfig() Config {
	return Config{
		Timeframes: domain.DefaultTimeframes,
		TimeframeWeights: map[domain.Timeframe]float64{
			"15m": 0.10,
			"1h":  0.15,
			"4h":  0.20,
			"12h": 0.25,
			"1d":  0.30,
		},
		BiasThreshold:   70.0,
		MinAlignedVotes: 4,
	}
}

// Analyzer computes cross-timeframe agreement. Stateless; safe for
// concurrent use.
type Analyzer struct {
	cfg Config
}

// New creates an analyzer, filling zero-value config fields with defaults.
func New(cfg Config) *Analyzer {
	def := DefaultConfig()
	if len(cfg.Timeframes) == 0 {
		cfg.Timeframes = def.Timeframes
	}
	if len(cfg.TimeframeWeights) == 0 {
		cfg.TimeframeWeights = def.TimeframeWeights
	}
	if cfg.BiasThreshold <= 0 {
		cfg.BiasThreshold = def.BiasThreshold
	}
	if cfg.MinAlignedVotes <= 0 {
		cfg.MinAlignedVotes = def.MinAlignedVotes
	}
	return &Analyzer{cfg: cfg}
}

// Analyze evaluates the per-timeframe signals. Inputs are expected in the
// configured timeframe order (shortest first); missing timeframes are
// simply absent from the blend.
func (a *Analyzer) Analyze(signals []TimeframeSignal) Result {
	res := Result{HigherTFBias: domain.SignalNeutral}
	if len(signals) == 0 {
		return res
	}

	counts := map[domain.Signal]int{}
	for _, s := range signals {
		counts[s.Signal]++
	}
	maxVotes := counts[domain.SignalLong]
	if counts[domain.SignalShort] > maxVotes {
		maxVotes = counts[domain.SignalShort]
	}
	if counts[domain.SignalNeutral] > maxVotes {
		maxVotes = counts[domain.SignalNeutral]
	}
	res.AgreementPct = float64(maxVotes) / float64(len(signals))

	// All in agreement, or >= MinAlignedVotes of a 5-6 timeframe set.
	res.TrendAligned = maxVotes == len(signals) ||
		(len(signals) >= 5 && maxVotes >= a.cfg.MinAlignedVotes)

	// Higher-timeframe bias: scan longest-first, first strong score wins.
	for i := len(signals) - 1; i >= 0; i-- {
		s := signals[i]
		if s.Score >= a.cfg.BiasThreshold && s.Signal != domain.SignalNeutral {
			res.HigherTFBias = s.Signal
			break
		}
	}

	// Divergence: shortest vs longest horizon disagree in direction.
	shortest, longest := signals[0], signals[len(signals)-1]
	if shortest.Signal != domain.SignalNeutral &&
		longest.Signal != domain.SignalNeutral &&
		shortest.Signal != longest.Signal {
		res.DivergenceWarning = fmt.Sprintf("%s is %s but %s is %s",
			shortest.Timeframe, shortest.Signal, longest.Timeframe, longest.Signal)
	}

	// Static blend across reporting timeframes, renormalized over the
	// weights actually present.
	var weighted, totalWeight float64
	for _, s := range signals {
		w, ok := a.cfg.TimeframeWeights[s.Timeframe]
		if !ok {
			continue
		}
		weighted += s.Score * w
		totalWeight += w
	}
	if totalWeight > 0 {
		res.WeightedScore = weighted / totalWeight
	}
	return res
}
