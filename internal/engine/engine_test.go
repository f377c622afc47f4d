package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vxmarkets/pulse/internal/alignment"
	"github.com/vxmarkets/pulse/internal/anomaly"
	"github.com/vxmarkets/pulse/internal/breaker"
	"github.com/vxmarkets/pulse/internal/consensus"
	"github.com/vxmarkets/pulse/internal/domain"
	"github.com/vxmarkets/pulse/internal/layer"
	"github.com/vxmarkets/pulse/internal/outcome"
	"github.com/vxmarkets/pulse/internal/registry"
	"github.com/vxmarkets/pulse/internal/weights"
)

// scoredLayer returns a layer that reports the same score and signal at
// every timeframe.
func scoredLayer(id string, score float64, sig domain.Signal) layer.Layer {
	return layer.Func{
		LayerID: id,
		Fn: func(ctx context.Context, instrument string, tf domain.Timeframe) (domain.LayerScore, error) {
			return domain.LayerScore{
				LayerID:    id,
				Instrument: instrument,
				Timeframe:  tf,
				RawScore:   score,
				Signal:     sig,
				Confidence: 0.9,
				ObservedAt: time.Now(),
			}, nil
		},
	}
}

func failingLayer(id string) layer.Layer {
	return layer.Func{
		LayerID: id,
		Fn: func(ctx context.Context, instrument string, tf domain.Timeframe) (domain.LayerScore, error) {
			return domain.LayerScore{}, layer.ErrUnavailable
		},
	}
}

type captureSink struct {
	mu        sync.Mutex
	decisions []domain.ConsensusDecision
}

func (c *captureSink) EmitDecision(_ context.Context, d domain.ConsensusDecision) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decisions = append(c.decisions, d)
	return nil
}

type stubAnomalySource struct {
	signals []domain.AnomalySignal
}

func (s stubAnomalySource) Signals(context.Context, string) []domain.AnomalySignal {
	return s.signals
}

type testHarness struct {
	engine   *Engine
	registry *registry.Registry
	bank     *breaker.Bank
	store    *weights.Store
	recorder *outcome.Recorder
	sink     *captureSink
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	bank := breaker.NewBank(breaker.DefaultConfig())
	reg := registry.New(bank.RecordSuccess)
	store := weights.NewStore()
	rec := outcome.NewRecorder(50)
	sink := &captureSink{}

	e := New(Config{RoundTimeout: 5 * time.Second},
		reg, bank,
		alignment.New(alignment.DefaultConfig()),
		anomaly.NewGate(anomaly.DefaultConfig()),
		consensus.NewVoter(consensus.DefaultConfig()),
		store, rec, nil)
	e.AddSink(sink)
	return &testHarness{engine: e, registry: reg, bank: bank, store: store, recorder: rec, sink: sink}
}

func registerBullish(h *testHarness, n int) {
	for i := 0; i < n; i++ {
		h.engine.RegisterLayers(scoredLayer(fmt.Sprintf("layer-%02d", i), 80, domain.SignalLong))
	}
}

func TestRunRound_BullishConsensusGoesLong(t *testing.T) {
	h := newHarness(t)
	registerBullish(h, 12)

	d, err := h.engine.RunRound(context.Background(), "BTC-USD")
	require.NoError(t, err)

	assert.Equal(t, domain.SignalLong, d.Signal)
	assert.False(t, d.InsufficientQuorum)
	assert.Len(t, d.ContributingLayers, 12)
	assert.InDelta(t, 80, d.AggregatedScore, 1e-9)
	assert.NotEqual(t, "", d.ID.String())
	assert.False(t, d.DecidedAt.IsZero())

	// Emitted decisions are tracked for outcome feedback and fanned out
	// to every sink.
	assert.Equal(t, 1, h.recorder.PendingCount())
	require.Len(t, h.sink.decisions, 1)
	assert.Equal(t, d.ID, h.sink.decisions[0].ID)
}

func TestRunRound_ExternallySubmittedScoresDriveTheVote(t *testing.T) {
	// No in-process layers at all: producers push scores through the
	// registry (as the score intake endpoint does) and the round votes on
	// whatever is fresh.
	h := newHarness(t)
	for i := 0; i < 12; i++ {
		require.NoError(t, h.registry.Submit(domain.LayerScore{
			LayerID:      fmt.Sprintf("remote-%02d", i),
			Instrument:   "BTC-USD",
			Timeframe:    "1h",
			RawScore:     80,
			Signal:       domain.SignalLong,
			Confidence:   0.8,
			ObservedAt:   time.Now(),
			StalenessTTL: 5 * time.Minute,
		}))
	}

	d, err := h.engine.RunRound(context.Background(), "BTC-USD")
	require.NoError(t, err)

	assert.Equal(t, domain.SignalLong, d.Signal)
	assert.False(t, d.InsufficientQuorum)
	assert.Len(t, d.ContributingLayers, 12)
	assert.Equal(t, 1, h.recorder.PendingCount())
}

func TestRunRound_SeedsUniformWeightsOnFirstVote(t *testing.T) {
	h := newHarness(t)
	registerBullish(h, 12)

	_, err := h.engine.RunRound(context.Background(), "BTC-USD")
	require.NoError(t, err)

	vec, err := h.store.Get("BTC-USD")
	require.NoError(t, err)
	require.Len(t, vec.Weights, 12)
	for id, lw := range vec.Weights {
		assert.InDelta(t, 1.0/12.0, lw.Weight, 1e-9, "layer %s", id)
	}
	assert.InDelta(t, 1.0, vec.Sum(), weights.SumTolerance)
}

func TestRunRound_OpenBreakerExcludesLayer(t *testing.T) {
	h := newHarness(t)
	registerBullish(h, 12)
	h.engine.RegisterLayers(scoredLayer("flaky", 5, domain.SignalShort))

	for i := 0; i < 5; i++ {
		h.bank.Record("flaky", layer.ErrUnavailable)
	}
	require.False(t, h.bank.IsEligible("flaky"))

	d, err := h.engine.RunRound(context.Background(), "BTC-USD")
	require.NoError(t, err)

	assert.Len(t, d.ContributingLayers, 12)
	for _, cl := range d.ContributingLayers {
		assert.NotEqual(t, "flaky", cl.LayerID)
	}
	assert.Equal(t, domain.SignalLong, d.Signal)
}

func TestRunRound_FailingLayersTripTheirBreaker(t *testing.T) {
	h := newHarness(t)
	registerBullish(h, 12)
	h.engine.RegisterLayers(failingLayer("down"))

	// Five timeframes per round means one round supplies enough
	// consecutive failures to trip the breaker.
	d, err := h.engine.RunRound(context.Background(), "BTC-USD")
	require.NoError(t, err)

	assert.False(t, h.bank.IsEligible("down"))
	for _, cl := range d.ContributingLayers {
		assert.NotEqual(t, "down", cl.LayerID)
	}
}

func TestRunRound_QuorumFailureEmitsNeutral(t *testing.T) {
	h := newHarness(t)
	registerBullish(h, 3)

	d, err := h.engine.RunRound(context.Background(), "BTC-USD")
	require.NoError(t, err)

	assert.True(t, d.InsufficientQuorum)
	assert.Equal(t, domain.SignalNeutral, d.Signal)
	assert.Equal(t, 0.0, d.Confidence)

	// The uniform contract holds: quorum failures still reach the sinks.
	require.Len(t, h.sink.decisions, 1)
	assert.True(t, h.sink.decisions[0].InsufficientQuorum)
}

func TestRunRound_AnomalyOverrideForcesNeutral(t *testing.T) {
	h := newHarness(t)
	registerBullish(h, 12)
	h.engine.SetAnomalySource(stubAnomalySource{signals: []domain.AnomalySignal{
		{Type: domain.AnomalyLiquidationCascade, Severity: 95},
		{Type: domain.AnomalyFlashCrash, Severity: 90},
	}})

	d, err := h.engine.RunRound(context.Background(), "BTC-USD")
	require.NoError(t, err)

	assert.True(t, d.AnomalyOverridden)
	assert.Equal(t, domain.SignalNeutral, d.Signal)
}

func TestRunRound_CancelledParentAbandonsRound(t *testing.T) {
	h := newHarness(t)
	registerBullish(h, 12)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.engine.RunRound(ctx, "BTC-USD")
	assert.ErrorIs(t, err, ErrRoundAbandoned)
	assert.Empty(t, h.sink.decisions, "abandoned rounds emit nothing")
}
