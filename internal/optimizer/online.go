package optimizer

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vxmarkets/pulse/internal/domain"
	"github.com/vxmarkets/pulse/internal/outcome"
	"github.com/vxmarkets/pulse/internal/weights"
)

// OnlineConfig tunes the per-outcome momentum update.
type OnlineConfig struct {
	LearningRate float64 `yaml:"learning_rate"`
	Momentum     float64 `yaml:"momentum"`
	MaxPnLScale  float64 `yaml:"max_pnl_scale"` // |pnl| is capped here before scaling the step
}

// DefaultOnlineConfig returns the shipped online-update defaults.
func DefaultOnlineConfig() OnlineConfig {
	return OnlineConfig{LearningRate: 0.001, Momentum: 0.9, MaxPnLScale: 1000}
}

// applyOnline nudges each contributing layer's weight toward (or away
// from) its vote depending on whether that vote matched the realized
// direction, momentum style, then renormalizes the vector to sum to 1.
// Must be called with the optimizer's writer lock held.
func applyOnline(store *weights.Store, cfg OnlineConfig, rec outcome.Record) error {
	want, ok := trueDirection(rec)
	if !ok {
		return nil // neutral decision, nothing to learn
	}

	vec, err := store.Get(rec.Decision.Instrument)
	if err != nil {
		return fmt.Errorf("online update: %w", err)
	}

	pnl := rec.Outcome.RealizedPnL
	if pnl < 0 {
		pnl = -pnl
	}
	if cfg.MaxPnLScale > 0 && pnl > cfg.MaxPnLScale {
		pnl = cfg.MaxPnLScale
	}
	magnitude := pnl / maxf(cfg.MaxPnLScale, 1)

	now := time.Now()
	for _, cl := range rec.Decision.ContributingLayers {
		lw, ok := vec.Weights[cl.LayerID]
		if !ok {
			continue
		}

		direction := layerDirection(cl.RawScore)
		var sign float64
		switch {
		case direction == domain.SignalNeutral:
			continue // the layer sat out this direction
		case direction == want:
			sign = 1
		default:
			sign = -1
		}

		lw.Velocity = cfg.Momentum*lw.Velocity + cfg.LearningRate*sign*magnitude
		lw.Weight = clampf(lw.Weight+lw.Velocity, 0, 1)
		lw.LastUpdated = now
		vec.Weights[cl.LayerID] = lw
	}

	weights.Normalize(vec.Weights, now)
	if err := store.Commit(vec); err != nil {
		return fmt.Errorf("online update commit: %w", err)
	}

	log.Debug().
		Str("instrument", rec.Decision.Instrument).
		Str("decision", rec.Decision.ID.String()).
		Msg("online weight update committed")
	return nil
}

// layerDirection reads a layer's implied direction off its raw score.
func layerDirection(rawScore float64) domain.Signal {
	switch {
	case rawScore > 50:
		return domain.SignalLong
	case rawScore < 50:
		return domain.SignalShort
	default:
		return domain.SignalNeutral
	}
}

func clampf(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
