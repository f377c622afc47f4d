package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vxmarkets/pulse/internal/domain"
)

func validScore(layerID string) domain.LayerScore {
	return domain.LayerScore{
		LayerID:      layerID,
		Instrument:   "BTC-USD",
		Timeframe:    "1h",
		RawScore:     72,
		Signal:       domain.SignalLong,
		Confidence:   0.8,
		ObservedAt:   time.Now(),
		StalenessTTL: 5 * time.Minute,
	}
}

func TestSubmit_AcceptsValidScore(t *testing.T) {
	var notified []string
	reg := New(func(layerID string) { notified = append(notified, layerID) })

	require.NoError(t, reg.Submit(validScore("rsi")))
	assert.Equal(t, []string{"rsi"}, notified, "breaker bank must see the success event")
	assert.Equal(t, 1, reg.Len())
}

func TestSubmit_RejectsOutOfRange(t *testing.T) {
	reg := New(nil)

	tests := []struct {
		name   string
		mutate func(*domain.LayerScore)
	}{
		{"score above 100", func(s *domain.LayerScore) { s.RawScore = 101 }},
		{"score below 0", func(s *domain.LayerScore) { s.RawScore = -1 }},
		{"confidence above 1", func(s *domain.LayerScore) { s.Confidence = 1.5 }},
		{"confidence below 0", func(s *domain.LayerScore) { s.Confidence = -0.1 }},
		{"missing layer id", func(s *domain.LayerScore) { s.LayerID = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := validScore("rsi")
			tt.mutate(&s)
			err := reg.Submit(s)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrScoreOutOfRange)
		})
	}
	assert.Equal(t, 0, reg.Len(), "rejected scores must not be stored")
}

func TestSubmit_RejectsStaleObservation(t *testing.T) {
	reg := New(nil)
	s := validScore("rsi")
	s.ObservedAt = time.Now().Add(-10 * time.Minute)

	err := reg.Submit(s)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrScoreStale)
}

func TestSubmit_ResolverFillsMissingTTL(t *testing.T) {
	reg := New(nil)
	reg.SetTTLResolver(func(layerID string) time.Duration {
		if layerID == "exchange_flows" {
			return 30 * time.Minute
		}
		return 5 * time.Minute
	})
	now := time.Now()
	reg.SetClock(func() time.Time { return now })

	// Neither producer stamps a TTL; without the resolver both would stay
	// fresh forever.
	onchain := validScore("exchange_flows")
	onchain.StalenessTTL = 0
	onchain.ObservedAt = now
	require.NoError(t, reg.Submit(onchain))

	technical := validScore("rsi")
	technical.StalenessTTL = 0
	technical.ObservedAt = now
	require.NoError(t, reg.Submit(technical))

	reg.SetClock(func() time.Time { return now.Add(10 * time.Minute) })
	snap := reg.Snapshot("BTC-USD", "1h")
	require.Len(t, snap, 1)
	_, ok := snap["exchange_flows"]
	assert.True(t, ok, "the 30m class outlives the 5m class")

	// A stamped TTL wins over the resolver.
	stamped := validScore("rsi")
	stamped.StalenessTTL = time.Hour
	stamped.ObservedAt = now
	require.NoError(t, reg.Submit(stamped))
	snap = reg.Snapshot("BTC-USD", "1h")
	assert.Len(t, snap, 2)
}

func TestSubmit_ResolverRejectsAlreadyStale(t *testing.T) {
	reg := New(nil)
	reg.SetTTLResolver(func(string) time.Duration { return time.Minute })

	s := validScore("rsi")
	s.StalenessTTL = 0
	s.ObservedAt = time.Now().Add(-2 * time.Minute)

	err := reg.Submit(s)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrScoreStale)
}

func TestSubmit_NewerObservationSupersedes(t *testing.T) {
	reg := New(nil)
	first := validScore("rsi")
	first.RawScore = 60
	require.NoError(t, reg.Submit(first))

	second := validScore("rsi")
	second.RawScore = 80
	require.NoError(t, reg.Submit(second))

	snap := reg.Snapshot("BTC-USD", "1h")
	require.Len(t, snap, 1)
	assert.Equal(t, 80.0, snap["rsi"].RawScore)
}

func TestSnapshot_DropsStaleEntriesSilently(t *testing.T) {
	reg := New(nil)
	now := time.Now()
	reg.SetClock(func() time.Time { return now })

	fresh := validScore("fresh")
	fresh.ObservedAt = now
	require.NoError(t, reg.Submit(fresh))

	aging := validScore("aging")
	aging.ObservedAt = now.Add(-time.Minute)
	require.NoError(t, reg.Submit(aging))

	// Advance the clock past the aging layer's TTL; it falls out of the
	// round without error.
	reg.SetClock(func() time.Time { return now.Add(4*time.Minute + 30*time.Second) })

	snap := reg.Snapshot("BTC-USD", "1h")
	require.Len(t, snap, 1)
	_, ok := snap["fresh"]
	assert.True(t, ok)
	assert.Equal(t, 2, reg.Len(), "stale entries stay stored, only excluded from snapshots")
}

func TestSnapshotInstrument_GroupsByTimeframe(t *testing.T) {
	reg := New(nil)
	for _, tf := range []domain.Timeframe{"15m", "1h", "4h"} {
		s := validScore("rsi")
		s.Timeframe = tf
		require.NoError(t, reg.Submit(s))
	}
	other := validScore("rsi")
	other.Instrument = "ETH-USD"
	require.NoError(t, reg.Submit(other))

	byTF := reg.SnapshotInstrument("BTC-USD")
	assert.Len(t, byTF, 3)
	for _, tf := range []domain.Timeframe{"15m", "1h", "4h"} {
		assert.Contains(t, byTF, tf)
	}
}
