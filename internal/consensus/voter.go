// Package consensus turns a point-in-time snapshot of layer scores and
// weights into a single decision. Decide is a pure function of its inputs:
// no I/O, no clock, no randomness, which keeps it independently testable.
package consensus

import (
	"fmt"
	"math"
	"sort"

	"github.com/vxmarkets/pulse/internal/alignment"
	"github.com/vxmarkets/pulse/internal/anomaly"
	"github.com/vxmarkets/pulse/internal/domain"
	"github.com/vxmarkets/pulse/internal/weights"
)

// Config holds the voter thresholds. All of these are configuration, not
// constants; the defaults mirror the engine's shipped config file.
type Config struct {
	LongThreshold  float64 `yaml:"long_threshold"`  // default 65
	ShortThreshold float64 `yaml:"short_threshold"` // default 35
	MinLayers      int     `yaml:"min_layers"`      // quorum, default 10
	AlignmentBoost float64 `yaml:"alignment_boost"` // confidence factor when trend aligned
	DivergenceCut  float64 `yaml:"divergence_cut"`  // confidence factor on divergence warning
	AlignmentBlend float64 `yaml:"alignment_blend"` // share of the alignment weighted score in the blend
	NeutralCap     float64 `yaml:"neutral_cap"`     // confidence ceiling on NEUTRAL calls; 1 disables
}

// DefaultConfig returns the shipped voter defaults.
func DefaultConfig() Config {
	return Config{
		LongThreshold:  65,
		ShortThreshold: 35,
		MinLayers:      10,
		AlignmentBoost: 1.25,
		DivergenceCut:  0.75,
		AlignmentBlend: 0.20,
		NeutralCap:     0.5,
	}
}

// Inputs is everything Decide consumes, captured once per round.
type Inputs struct {
	Instrument string
	Scores     map[string]domain.LayerScore // eligible, non-stale only
	Weights    weights.Vector
	Alignment  alignment.Result
	Override   *anomaly.Override
}

// Voter applies the consensus rules.
type Voter struct {
	cfg Config
}

// NewVoter creates a voter, defaulting zero-value config fields.
func NewVoter(cfg Config) *Voter {
	def := DefaultConfig()
	if cfg.LongThreshold <= 0 {
		cfg.LongThreshold = def.LongThreshold
	}
	if cfg.ShortThreshold <= 0 {
		cfg.ShortThreshold = def.ShortThreshold
	}
	if cfg.MinLayers <= 0 {
		cfg.MinLayers = def.MinLayers
	}
	if cfg.AlignmentBoost <= 0 {
		cfg.AlignmentBoost = def.AlignmentBoost
	}
	if cfg.DivergenceCut <= 0 {
		cfg.DivergenceCut = def.DivergenceCut
	}
	if cfg.AlignmentBlend < 0 || cfg.AlignmentBlend >= 1 {
		cfg.AlignmentBlend = def.AlignmentBlend
	}
	if cfg.NeutralCap <= 0 || cfg.NeutralCap > 1 {
		cfg.NeutralCap = def.NeutralCap
	}
	return &Voter{cfg: cfg}
}

// Decide runs one consensus vote. The returned decision carries no ID or
// timestamp; the caller stamps those at emission. Decide errors only on
// programmer error (an invalid weight table).
func (v *Voter) Decide(in Inputs) (domain.ConsensusDecision, error) {
	d := domain.ConsensusDecision{
		Instrument:     in.Instrument,
		Signal:         domain.SignalNeutral,
		AlignmentScore: in.Alignment.WeightedScore,
	}

	// Quorum first: the engine never votes blind.
	if len(in.Scores) < v.cfg.MinLayers {
		d.InsufficientQuorum = true
		d.Confidence = 0
		if in.Override != nil {
			d.AnomalyOverridden = true
		}
		return d, nil
	}

	// Weighted mean over eligible layers only, renormalized over the
	// weights actually present. Missing layers are never treated as zero.
	ids := make([]string, 0, len(in.Scores))
	for id := range in.Scores {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var weighted, totalWeight float64
	contributing := make([]domain.ContributingLayer, 0, len(ids))
	var longLeaning, shortLeaning int
	for _, id := range ids {
		score := in.Scores[id]
		lw, ok := in.Weights.Weights[id]
		if !ok {
			// Unweighted layers do not vote; the optimizer has never
			// seen them.
			continue
		}
		if math.IsNaN(lw.Weight) || lw.Weight < 0 {
			return d, fmt.Errorf("invalid weight %.6f for layer %s", lw.Weight, id)
		}
		weighted += score.RawScore * lw.Weight
		totalWeight += lw.Weight
		contributing = append(contributing, domain.ContributingLayer{
			LayerID:  id,
			Weight:   lw.Weight,
			RawScore: score.RawScore,
		})
		switch {
		case score.RawScore > 50:
			longLeaning++
		case score.RawScore < 50:
			shortLeaning++
		}
	}
	if len(contributing) < v.cfg.MinLayers {
		d.InsufficientQuorum = true
		d.Confidence = 0
		if in.Override != nil {
			d.AnomalyOverridden = true
		}
		return d, nil
	}
	if totalWeight <= 0 {
		return d, fmt.Errorf("weight table sums to %.6f for %s", totalWeight, in.Instrument)
	}

	agg := weighted / totalWeight

	// Renormalize contributing weights so they sum to 1 in the record.
	for i := range contributing {
		contributing[i].Weight /= totalWeight
	}
	d.ContributingLayers = contributing
	d.AggregatedScore = agg

	switch {
	case agg >= v.cfg.LongThreshold:
		d.Signal = domain.SignalLong
	case agg <= v.cfg.ShortThreshold:
		d.Signal = domain.SignalShort
	default:
		d.Signal = domain.SignalNeutral
	}

	// Exactly balanced directional camps cancel out regardless of the
	// raw aggregate.
	if longLeaning > 0 && longLeaning == shortLeaning {
		d.Signal = domain.SignalNeutral
	}

	d.Confidence = v.confidence(agg, d.Signal, in.Alignment)

	if in.Override != nil {
		d.Signal = in.Override.ForcedSignal
		d.AnomalyOverridden = true
	}
	return d, nil
}

// confidence starts from the distance to the neutral midpoint, boosted by
// trend alignment and cut by divergence, with the alignment blend pulling
// toward the cross-timeframe weighted score's conviction.
func (v *Voter) confidence(agg float64, signal domain.Signal, al alignment.Result) float64 {
	base := math.Abs(agg-50) / 50

	if al.WeightedScore > 0 {
		alignConf := math.Abs(al.WeightedScore-50) / 50
		base = base*(1-v.cfg.AlignmentBlend) + alignConf*v.cfg.AlignmentBlend
	}
	if al.TrendAligned {
		base *= v.cfg.AlignmentBoost
	}
	if al.DivergenceWarning != "" {
		base *= v.cfg.DivergenceCut
	}
	if signal == domain.SignalNeutral {
		// A neutral call carries no directional conviction to amplify.
		base = math.Min(base, v.cfg.NeutralCap)
	}
	return math.Min(math.Max(base, 0), 1)
}
