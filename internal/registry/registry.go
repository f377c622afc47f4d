// Package registry holds the latest score per (layer, instrument,
// timeframe) and serves point-in-time snapshots to the voting round.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/vxmarkets/pulse/internal/domain"
)

var (
	// ErrScoreOutOfRange rejects raw scores outside [0,100] or
	// confidences outside [0,1].
	ErrScoreOutOfRange = errors.New("registry: score out of range")

	// ErrScoreStale rejects observations already older than the layer's
	// staleness TTL at submission time.
	ErrScoreStale = errors.New("registry: score stale at submission")
)

type key struct {
	layerID    string
	instrument string
	timeframe  domain.Timeframe
}

// SuccessListener is notified after every accepted submission. The breaker
// bank uses it to mark the producing layer healthy.
type SuccessListener func(layerID string)

// TTLResolver supplies the configured staleness TTL for a layer, applied
// to submissions that carry none. Without it a zero TTL means never stale.
type TTLResolver func(layerID string) time.Duration

// Registry validates and stores layer scores. Newer observations supersede
// older ones for the same key; entries are never mutated in place.
type Registry struct {
	mu       sync.RWMutex
	scores   map[key]domain.LayerScore
	validate *validator.Validate
	onAccept SuccessListener
	ttlFor   TTLResolver
	now      func() time.Time
}

// New creates an empty registry. listener may be nil.
func New(listener SuccessListener) *Registry {
	return &Registry{
		scores:   make(map[key]domain.LayerScore),
		validate: validator.New(),
		onAccept: listener,
		now:      time.Now,
	}
}

// SetClock overrides the registry clock. Intended for tests.
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

// SetTTLResolver installs the fallback TTL source for submissions that
// arrive without one.
func (r *Registry) SetTTLResolver(fn TTLResolver) {
	r.ttlFor = fn
}

// Submit records a new observation after validation. A nil return means the
// score was accepted and supersedes any previous entry for its key.
func (r *Registry) Submit(score domain.LayerScore) error {
	if err := r.validate.Struct(score); err != nil {
		return fmt.Errorf("%w: %v", ErrScoreOutOfRange, err)
	}
	if score.StalenessTTL <= 0 && r.ttlFor != nil {
		score.StalenessTTL = r.ttlFor(score.LayerID)
	}
	if score.Stale(r.now()) {
		return fmt.Errorf("%w: layer %s observed at %s (ttl %s)",
			ErrScoreStale, score.LayerID, score.ObservedAt.Format(time.RFC3339), score.StalenessTTL)
	}

	k := key{layerID: score.LayerID, instrument: score.Instrument, timeframe: score.Timeframe}
	r.mu.Lock()
	r.scores[k] = score
	r.mu.Unlock()

	log.Debug().
		Str("layer", score.LayerID).
		Str("instrument", score.Instrument).
		Str("timeframe", string(score.Timeframe)).
		Float64("score", score.RawScore).
		Msg("score accepted")

	if r.onAccept != nil {
		r.onAccept(score.LayerID)
	}
	return nil
}

// Snapshot returns the non-stale scores for one instrument and timeframe,
// keyed by layer. Stale entries are silently dropped from the round; that
// is an eligibility outcome, not an error.
func (r *Registry) Snapshot(instrument string, timeframe domain.Timeframe) map[string]domain.LayerScore {
	now := r.now()
	out := make(map[string]domain.LayerScore)

	r.mu.RLock()
	defer r.mu.RUnlock()
	for k, s := range r.scores {
		if k.instrument != instrument || k.timeframe != timeframe {
			continue
		}
		if s.Stale(now) {
			continue
		}
		out[k.layerID] = s
	}
	return out
}

// SnapshotInstrument returns all non-stale scores for an instrument grouped
// by timeframe. The alignment analyzer consumes this cross-timeframe view.
func (r *Registry) SnapshotInstrument(instrument string) map[domain.Timeframe]map[string]domain.LayerScore {
	now := r.now()
	out := make(map[domain.Timeframe]map[string]domain.LayerScore)

	r.mu.RLock()
	defer r.mu.RUnlock()
	for k, s := range r.scores {
		if k.instrument != instrument || s.Stale(now) {
			continue
		}
		tf, ok := out[k.timeframe]
		if !ok {
			tf = make(map[string]domain.LayerScore)
			out[k.timeframe] = tf
		}
		tf[k.layerID] = s
	}
	return out
}

// Len reports the number of stored entries, stale or not.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.scores)
}
