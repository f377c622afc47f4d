package weights

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vxmarkets/pulse/internal/domain"
)

func TestUniform_SumsToOne(t *testing.T) {
	v := Uniform("BTC-USD", []string{"a", "b", "c"}, time.Now())
	assert.InDelta(t, 1.0, v.Sum(), SumTolerance)
	require.NoError(t, v.Validate())
}

func TestNormalize_RescalesToOne(t *testing.T) {
	w := map[string]domain.LayerWeight{
		"a": {LayerID: "a", Weight: 0.5},
		"b": {LayerID: "b", Weight: 0.3},
		"c": {LayerID: "c", Weight: 0.7},
	}
	Normalize(w, time.Now())

	var total float64
	for _, lw := range w {
		total += lw.Weight
	}
	assert.InDelta(t, 1.0, total, SumTolerance)
	assert.InDelta(t, 0.5/1.5, w["a"].Weight, 1e-9)
}

func TestNormalize_ZeroSumFallsBackToUniform(t *testing.T) {
	w := map[string]domain.LayerWeight{
		"a": {LayerID: "a", Weight: 0},
		"b": {LayerID: "b", Weight: 0},
	}
	Normalize(w, time.Now())
	assert.InDelta(t, 0.5, w["a"].Weight, 1e-9)
	assert.InDelta(t, 0.5, w["b"].Weight, 1e-9)
}

func TestStore_CommitAndGet(t *testing.T) {
	s := NewStore()
	v := Uniform("BTC-USD", []string{"a", "b"}, time.Now())
	require.NoError(t, s.Commit(v))

	got, err := s.Get("BTC-USD")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)

	// Committing again bumps the version.
	require.NoError(t, s.Commit(got))
	got2, err := s.Get("BTC-USD")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got2.Version)
}

func TestStore_GetReturnsCopy(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Commit(Uniform("BTC-USD", []string{"a", "b"}, time.Now())))

	got, err := s.Get("BTC-USD")
	require.NoError(t, err)
	lw := got.Weights["a"]
	lw.Weight = 99
	got.Weights["a"] = lw

	again, err := s.Get("BTC-USD")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, again.Weights["a"].Weight, 1e-9, "committed state must be immutable to readers")
}

func TestStore_RejectsCorruptVector(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Commit(Uniform("BTC-USD", []string{"a", "b"}, time.Now())))

	bad, err := s.Get("BTC-USD")
	require.NoError(t, err)
	lw := bad.Weights["a"]
	lw.Weight = math.NaN()
	bad.Weights["a"] = lw

	err = s.Commit(bad)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrWeightStoreCorrupt)

	// The previous vector is untouched.
	got, err := s.Get("BTC-USD")
	require.NoError(t, err)
	require.NoError(t, got.Validate())
	assert.Equal(t, int64(1), got.Version)
}

func TestStore_RejectsSumDrift(t *testing.T) {
	s := NewStore()
	v := Vector{
		Instrument: "BTC-USD",
		Weights: map[string]domain.LayerWeight{
			"a": {LayerID: "a", Weight: 0.6},
			"b": {LayerID: "b", Weight: 0.6},
		},
	}
	err := s.Commit(v)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrWeightStoreCorrupt)
}

func TestStore_GetUnknownInstrument(t *testing.T) {
	s := NewStore()
	_, err := s.Get("nope")
	assert.ErrorIs(t, err, ErrNoVector)
}

func TestStore_SeedIsIdempotent(t *testing.T) {
	s := NewStore()
	v1, err := s.Seed("BTC-USD", []string{"a", "b"})
	require.NoError(t, err)

	v2, err := s.Seed("BTC-USD", []string{"c", "d", "e"})
	require.NoError(t, err)
	assert.Equal(t, v1.Version, v2.Version, "second seed must not replace the committed vector")
	assert.Contains(t, v2.Weights, "a")
}

func TestStore_CheckIntegrity(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Commit(Uniform("BTC-USD", []string{"a", "b"}, time.Now())))
	assert.NoError(t, s.CheckIntegrity())

	// Reach behind the commit path to simulate in-memory corruption.
	v := s.vectors["BTC-USD"]
	lw := v.Weights["a"]
	lw.Weight = math.NaN()
	v.Weights["a"] = lw

	assert.ErrorIs(t, s.CheckIntegrity(), ErrWeightStoreCorrupt)
}
