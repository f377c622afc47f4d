// Package breaker isolates chronically failing layers from the vote. One
// circuit breaker per layer; a tripped breaker excludes the layer until the
// recovery timeout admits a half-open trial.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// Config tunes every breaker in the bank.
type Config struct {
	FailureThreshold uint32        `yaml:"failure_threshold"` // consecutive failures to trip
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`  // OPEN -> HALF_OPEN delay
}

// DefaultConfig trips after 5 consecutive failures and probes again
// after 60s.
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, RecoveryTimeout: 60 * time.Second}
}

// State is a persistable view of one layer's breaker.
type State struct {
	LayerID             string    `json:"layer_id"`
	State               string    `json:"state"`
	ConsecutiveFailures uint32    `json:"consecutive_failures"`
	LastFailureAt       time.Time `json:"last_failure_at"`
}

// Bank manages one breaker per layer. Layers are registered lazily on first
// use, so producers can come and go without reconfiguration.
type Bank struct {
	mu          sync.RWMutex
	breakers    map[string]*gobreaker.CircuitBreaker
	lastFailure map[string]time.Time
	cfg         Config
}

// NewBank creates an empty breaker bank.
func NewBank(cfg Config) *Bank {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = DefaultConfig().RecoveryTimeout
	}
	return &Bank{
		breakers:    make(map[string]*gobreaker.CircuitBreaker),
		lastFailure: make(map[string]time.Time),
		cfg:         cfg,
	}
}

func (b *Bank) breakerFor(layerID string) *gobreaker.CircuitBreaker {
	b.mu.RLock()
	cb, ok := b.breakers[layerID]
	b.mu.RUnlock()
	if ok {
		return cb
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok = b.breakers[layerID]; ok {
		return cb
	}

	threshold := b.cfg.FailureThreshold
	settings := gobreaker.Settings{
		Name:        layerID,
		MaxRequests: 1, // single trial call in HALF_OPEN
		Timeout:     b.cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("layer", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("breaker state change")
		},
	}
	cb = gobreaker.NewCircuitBreaker(settings)
	b.breakers[layerID] = cb
	return cb
}

// Record relays the result of one layer invocation. The bank never calls
// the layer itself; failure is defined by the caller (timeout, invalid
// data, transport error). Recording against an OPEN breaker is a no-op
// until the recovery timeout admits a trial.
func (b *Bank) Record(layerID string, invocationErr error) {
	cb := b.breakerFor(layerID)
	// ErrOpenState from Execute means the call was rejected without
	// counting; that is the fail-fast path and needs no handling here.
	_, _ = cb.Execute(func() (interface{}, error) {
		return nil, invocationErr
	})
	if invocationErr != nil {
		b.mu.Lock()
		b.lastFailure[layerID] = time.Now()
		b.mu.Unlock()
	}
}

// RecordSuccess is the registry's success-event hook.
func (b *Bank) RecordSuccess(layerID string) {
	b.Record(layerID, nil)
}

// IsEligible reports whether a layer may contribute to the current vote.
// HALF_OPEN counts as eligible: the trial result decides what happens next.
func (b *Bank) IsEligible(layerID string) bool {
	b.mu.RLock()
	cb, ok := b.breakers[layerID]
	b.mu.RUnlock()
	if !ok {
		return true // never-seen layers start CLOSED
	}
	return cb.State() != gobreaker.StateOpen
}

// AllowTrial reports whether an invocation should be attempted at all. In
// OPEN state before the recovery timeout this is false (fail fast).
func (b *Bank) AllowTrial(layerID string) bool {
	return b.IsEligible(layerID)
}

// Snapshot exports the current state of every known breaker for
// persistence.
func (b *Bank) Snapshot() []State {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]State, 0, len(b.breakers))
	for id, cb := range b.breakers {
		out = append(out, State{
			LayerID:             id,
			State:               cb.State().String(),
			ConsecutiveFailures: cb.Counts().ConsecutiveFailures,
			LastFailureAt:       b.lastFailure[id],
		})
	}
	return out
}

// Restore replays persisted failure counts into fresh breakers so layers
// that were OPEN before a restart stay isolated. Replaying threshold
// failures re-trips the breaker; partial counts are replayed as-is.
func (b *Bank) Restore(states []State) {
	for _, s := range states {
		n := s.ConsecutiveFailures
		if s.State == gobreaker.StateOpen.String() && n < b.cfg.FailureThreshold {
			n = b.cfg.FailureThreshold
		}
		for i := uint32(0); i < n; i++ {
			b.Record(s.LayerID, errors.New("restored failure"))
		}
		if !s.LastFailureAt.IsZero() {
			b.mu.Lock()
			b.lastFailure[s.LayerID] = s.LastFailureAt
			b.mu.Unlock()
		}
	}
}
