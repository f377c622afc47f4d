package consensus

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vxmarkets/pulse/internal/alignment"
	"github.com/vxmarkets/pulse/internal/anomaly"
	"github.com/vxmarkets/pulse/internal/domain"
	"github.com/vxmarkets/pulse/internal/weights"
)

func scoreSet(rawScores ...float64) (map[string]domain.LayerScore, weights.Vector) {
	scores := make(map[string]domain.LayerScore, len(rawScores))
	ids := make([]string, 0, len(rawScores))
	for i, raw := range rawScores {
		id := fmt.Sprintf("layer-%02d", i)
		ids = append(ids, id)
		scores[id] = domain.LayerScore{
			LayerID:    id,
			Instrument: "BTC-USD",
			Timeframe:  "1h",
			RawScore:   raw,
			Confidence: 0.8,
			ObservedAt: time.Now(),
		}
	}
	return scores, weights.Uniform("BTC-USD", ids, time.Now())
}

func TestDecide_TwelveBullishLayers(t *testing.T) {
	v := NewVoter(Config{LongThreshold: 65, ShortThreshold: 35, MinLayers: 10})
	scores, vec := scoreSet(70, 72, 68, 71, 73, 69, 70, 74, 72, 71, 70, 69)

	d, err := v.Decide(Inputs{Instrument: "BTC-USD", Scores: scores, Weights: vec})
	require.NoError(t, err)

	assert.Equal(t, domain.SignalLong, d.Signal)
	assert.InDelta(t, 70.75, d.AggregatedScore, 0.01)
	assert.False(t, d.InsufficientQuorum)
	assert.Len(t, d.ContributingLayers, 12)
}

func TestDecide_QuorumForcesNeutral(t *testing.T) {
	v := NewVoter(Config{LongThreshold: 65, ShortThreshold: 35, MinLayers: 10})

	// Same bullish picture with only 8 eligible layers: still NEUTRAL.
	scores, vec := scoreSet(70, 72, 68, 71, 73, 69, 70, 74)

	d, err := v.Decide(Inputs{Instrument: "BTC-USD", Scores: scores, Weights: vec})
	require.NoError(t, err)

	assert.Equal(t, domain.SignalNeutral, d.Signal)
	assert.Zero(t, d.Confidence)
	assert.True(t, d.InsufficientQuorum)
	assert.Empty(t, d.ContributingLayers)
}

func TestDecide_WeightsRenormalizeOverEligibleLayers(t *testing.T) {
	v := NewVoter(Config{MinLayers: 2})
	scores, vec := scoreSet(80, 80, 80)

	// One layer dropped out of this round; the remaining two must split
	// the full weight, not average against a phantom zero.
	delete(scores, "layer-02")

	d, err := v.Decide(Inputs{Instrument: "BTC-USD", Scores: scores, Weights: vec})
	require.NoError(t, err)

	assert.InDelta(t, 80.0, d.AggregatedScore, 1e-9)
	var total float64
	for _, cl := range d.ContributingLayers {
		total += cl.Weight
	}
	assert.InDelta(t, 1.0, total, weights.SumTolerance)
}

func TestDecide_ShortSignal(t *testing.T) {
	v := NewVoter(Config{MinLayers: 3})
	scores, vec := scoreSet(30, 28, 25, 33)

	d, err := v.Decide(Inputs{Instrument: "BTC-USD", Scores: scores, Weights: vec})
	require.NoError(t, err)
	assert.Equal(t, domain.SignalShort, d.Signal)
}

func TestDecide_TieBreakForcesNeutral(t *testing.T) {
	v := NewVoter(Config{MinLayers: 4})

	// Two strongly long layers carry most of the weight, two mildly short
	// layers oppose them. The aggregate clears the LONG threshold but the
	// directional camps are exactly balanced.
	scores := map[string]domain.LayerScore{
		"a": {LayerID: "a", RawScore: 90},
		"b": {LayerID: "b", RawScore: 90},
		"c": {LayerID: "c", RawScore: 45},
		"d": {LayerID: "d", RawScore: 45},
	}
	vec := weights.Vector{
		Instrument: "BTC-USD",
		Weights: map[string]domain.LayerWeight{
			"a": {LayerID: "a", Weight: 0.4},
			"b": {LayerID: "b", Weight: 0.4},
			"c": {LayerID: "c", Weight: 0.1},
			"d": {LayerID: "d", Weight: 0.1},
		},
		Version: 1,
	}

	d, err := v.Decide(Inputs{Instrument: "BTC-USD", Scores: scores, Weights: vec})
	require.NoError(t, err)
	assert.Greater(t, d.AggregatedScore, 65.0)
	assert.Equal(t, domain.SignalNeutral, d.Signal, "balanced camps cancel regardless of the aggregate")
}

func TestDecide_NeutralCapIsConfigurable(t *testing.T) {
	// The tie-break fixture lands NEUTRAL with a raw conviction of
	// |81-50|/50 = 0.62, above the shipped cap.
	scores := map[string]domain.LayerScore{
		"a": {LayerID: "a", RawScore: 90},
		"b": {LayerID: "b", RawScore: 90},
		"c": {LayerID: "c", RawScore: 45},
		"d": {LayerID: "d", RawScore: 45},
	}
	vec := weights.Vector{
		Instrument: "BTC-USD",
		Weights: map[string]domain.LayerWeight{
			"a": {LayerID: "a", Weight: 0.4},
			"b": {LayerID: "b", Weight: 0.4},
			"c": {LayerID: "c", Weight: 0.1},
			"d": {LayerID: "d", Weight: 0.1},
		},
		Version: 1,
	}
	in := Inputs{Instrument: "BTC-USD", Scores: scores, Weights: vec}

	capped, err := NewVoter(Config{MinLayers: 4}).Decide(in)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, capped.Confidence, 1e-9)

	raised, err := NewVoter(Config{MinLayers: 4, NeutralCap: 0.9}).Decide(in)
	require.NoError(t, err)
	assert.InDelta(t, 0.62, raised.Confidence, 1e-9)

	disabled, err := NewVoter(Config{MinLayers: 4, NeutralCap: 1}).Decide(in)
	require.NoError(t, err)
	assert.InDelta(t, 0.62, disabled.Confidence, 1e-9)
}

func TestDecide_AnomalyOverrideBeatsStrongVote(t *testing.T) {
	v := NewVoter(Config{MinLayers: 10})
	scores, vec := scoreSet(90, 92, 88, 91, 93, 89, 90, 94, 92, 91, 90, 89)

	d, err := v.Decide(Inputs{
		Instrument: "BTC-USD",
		Scores:     scores,
		Weights:    vec,
		Override: &anomaly.Override{
			OverallSeverity: 85,
			Regime:          anomaly.RegimePanic,
			ForcedSignal:    domain.SignalNeutral,
		},
	})
	require.NoError(t, err)

	assert.True(t, d.AnomalyOverridden)
	assert.Equal(t, domain.SignalNeutral, d.Signal, "override always beats the vote")
}

func TestDecide_Deterministic(t *testing.T) {
	v := NewVoter(Config{MinLayers: 10})
	scores, vec := scoreSet(70, 72, 68, 71, 73, 69, 70, 74, 72, 71, 70, 69)
	al := alignment.Result{TrendAligned: true, WeightedScore: 71}

	d1, err := v.Decide(Inputs{Instrument: "BTC-USD", Scores: scores, Weights: vec, Alignment: al})
	require.NoError(t, err)
	d2, err := v.Decide(Inputs{Instrument: "BTC-USD", Scores: scores, Weights: vec, Alignment: al})
	require.NoError(t, err)

	assert.Equal(t, d1, d2, "Decide is a pure function of its inputs")
}

func TestDecide_AlignmentAdjustsConfidence(t *testing.T) {
	v := NewVoter(Config{MinLayers: 10})
	scores, vec := scoreSet(70, 72, 68, 71, 73, 69, 70, 74, 72, 71, 70, 69)

	base, err := v.Decide(Inputs{Instrument: "BTC-USD", Scores: scores, Weights: vec})
	require.NoError(t, err)

	boosted, err := v.Decide(Inputs{
		Instrument: "BTC-USD", Scores: scores, Weights: vec,
		Alignment: alignment.Result{TrendAligned: true, WeightedScore: 72},
	})
	require.NoError(t, err)
	assert.Greater(t, boosted.Confidence, base.Confidence)

	cut, err := v.Decide(Inputs{
		Instrument: "BTC-USD", Scores: scores, Weights: vec,
		Alignment: alignment.Result{DivergenceWarning: "15m is LONG but 1d is SHORT", WeightedScore: 55},
	})
	require.NoError(t, err)
	assert.Less(t, cut.Confidence, base.Confidence)
}

func TestDecide_InvalidWeightTableIsProgrammerError(t *testing.T) {
	v := NewVoter(Config{MinLayers: 1})
	scores := map[string]domain.LayerScore{
		"a": {LayerID: "a", RawScore: 70},
	}
	vec := weights.Vector{
		Instrument: "BTC-USD",
		Weights:    map[string]domain.LayerWeight{"a": {LayerID: "a", Weight: -0.5}},
	}

	_, err := v.Decide(Inputs{Instrument: "BTC-USD", Scores: scores, Weights: vec})
	assert.Error(t, err)
}
