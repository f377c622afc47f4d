// Package weights owns the adaptive per-layer weight vectors. The store is
// the only mutable state shared across voting rounds; all writes go through
// one committed-vector-at-a-time path so readers never see a partial
// update.
package weights

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/vxmarkets/pulse/internal/domain"
)

// SumTolerance is the floating tolerance for the sum-to-1 invariant.
const SumTolerance = 1e-6

// ErrWeightStoreCorrupt marks an integrity failure: NaN weights or a
// committed vector whose sum drifted from 1. The engine refuses to vote on
// a corrupt store until it is repaired from the last valid checkpoint.
var ErrWeightStoreCorrupt = errors.New("weights: store corrupt")

// ErrNoVector is returned when no vector exists for an instrument.
var ErrNoVector = errors.New("weights: no vector for instrument")

// Vector is one instrument's committed weight table.
type Vector struct {
	Instrument string                        `json:"instrument"`
	Weights    map[string]domain.LayerWeight `json:"weights"`
	Version    int64                         `json:"version"`
	UpdatedAt  time.Time                     `json:"updated_at"`
}

// clone deep-copies a vector so callers can never mutate committed state.
func (v Vector) clone() Vector {
	cp := Vector{
		Instrument: v.Instrument,
		Weights:    make(map[string]domain.LayerWeight, len(v.Weights)),
		Version:    v.Version,
		UpdatedAt:  v.UpdatedAt,
	}
	for id, w := range v.Weights {
		cp.Weights[id] = w
	}
	return cp
}

// Sum returns the total weight of the vector.
func (v Vector) Sum() float64 {
	var total float64
	for _, w := range v.Weights {
		total += w.Weight
	}
	return total
}

// Validate checks the vector invariants: finite weights in [0,1] summing
// to 1 within tolerance.
func (v Vector) Validate() error {
	if len(v.Weights) == 0 {
		return fmt.Errorf("%w: empty vector for %s", ErrWeightStoreCorrupt, v.Instrument)
	}
	for id, w := range v.Weights {
		if math.IsNaN(w.Weight) || math.IsInf(w.Weight, 0) {
			return fmt.Errorf("%w: non-finite weight for layer %s", ErrWeightStoreCorrupt, id)
		}
		if w.Weight < 0 || w.Weight > 1 {
			return fmt.Errorf("%w: weight %.6f out of [0,1] for layer %s", ErrWeightStoreCorrupt, w.Weight, id)
		}
	}
	if math.Abs(v.Sum()-1.0) > SumTolerance {
		return fmt.Errorf("%w: weights sum to %.9f for %s", ErrWeightStoreCorrupt, v.Sum(), v.Instrument)
	}
	return nil
}

// Normalize rescales the vector in place to sum to 1. A zero-sum vector
// falls back to uniform weights.
func Normalize(weights map[string]domain.LayerWeight, now time.Time) {
	var total float64
	for _, w := range weights {
		total += w.Weight
	}
	n := len(weights)
	for id, w := range weights {
		if total > 0 {
			w.Weight /= total
		} else {
			w.Weight = 1.0 / float64(n)
		}
		w.LastUpdated = now
		weights[id] = w
	}
}

// Uniform builds an equal-weight vector over the given layers.
func Uniform(instrument string, layerIDs []string, now time.Time) Vector {
	weights := make(map[string]domain.LayerWeight, len(layerIDs))
	for _, id := range layerIDs {
		weights[id] = domain.LayerWeight{
			LayerID:     id,
			Weight:      1.0 / float64(len(layerIDs)),
			LastUpdated: now,
		}
	}
	return Vector{Instrument: instrument, Weights: weights, Version: 1, UpdatedAt: now}
}

// Store holds committed vectors per instrument behind a single-writer
// mutex. The online and batch optimizer paths serialize through Commit.
type Store struct {
	mu      sync.RWMutex
	vectors map[string]Vector
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{vectors: make(map[string]Vector)}
}

// Get returns a copy of the committed vector for an instrument.
func (s *Store) Get(instrument string) (Vector, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vectors[instrument]
	if !ok {
		return Vector{}, fmt.Errorf("%w: %s", ErrNoVector, instrument)
	}
	return v.clone(), nil
}

// Commit validates and atomically replaces an instrument's vector. The
// version increments monotonically; a validation failure leaves the
// previous vector in place.
func (s *Store) Commit(v Vector) error {
	if err := v.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.vectors[s.keyOf(v)]
	if ok {
		v.Version = prev.Version + 1
	} else if v.Version == 0 {
		v.Version = 1
	}
	v.UpdatedAt = time.Now()
	s.vectors[s.keyOf(v)] = v.clone()
	return nil
}

func (s *Store) keyOf(v Vector) string { return v.Instrument }

// Seed installs a uniform vector for an instrument if none exists yet.
func (s *Store) Seed(instrument string, layerIDs []string) (Vector, error) {
	s.mu.Lock()
	if v, ok := s.vectors[instrument]; ok {
		s.mu.Unlock()
		return v.clone(), nil
	}
	s.mu.Unlock()

	v := Uniform(instrument, layerIDs, time.Now())
	if err := s.Commit(v); err != nil {
		return Vector{}, err
	}
	return s.Get(instrument)
}

// Instruments lists the instruments with committed vectors.
func (s *Store) Instruments() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.vectors))
	for k := range s.vectors {
		out = append(out, k)
	}
	return out
}

// CheckIntegrity validates every committed vector; the first corruption
// found is returned.
func (s *Store) CheckIntegrity() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.vectors {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	return nil
}
