// Package engine orchestrates one voting round end to end: fan out layer
// evaluation under a bounded worker pool, snapshot the registry once, run
// alignment, the anomaly gate, and the voter against that snapshot, then
// emit the decision to the registered sinks.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/vxmarkets/pulse/internal/alignment"
	"github.com/vxmarkets/pulse/internal/anomaly"
	"github.com/vxmarkets/pulse/internal/breaker"
	"github.com/vxmarkets/pulse/internal/consensus"
	"github.com/vxmarkets/pulse/internal/domain"
	"github.com/vxmarkets/pulse/internal/layer"
	"github.com/vxmarkets/pulse/internal/metrics"
	"github.com/vxmarkets/pulse/internal/outcome"
	"github.com/vxmarkets/pulse/internal/registry"
	"github.com/vxmarkets/pulse/internal/weights"
)

// ErrRoundAbandoned marks a voting round that exceeded its timeout. No
// decision is emitted for that cycle.
var ErrRoundAbandoned = errors.New("engine: voting round abandoned")

// DecisionSink receives every emitted decision: persistence, the hot
// cache, and the stream broadcaster all implement it.
type DecisionSink interface {
	EmitDecision(ctx context.Context, d domain.ConsensusDecision) error
}

// AnomalySource supplies the sub-detector severities for a round. May be
// nil when no anomaly pipeline is wired.
type AnomalySource interface {
	Signals(ctx context.Context, instrument string) []domain.AnomalySignal
}

// Config tunes the round orchestration.
type Config struct {
	VoteTimeframe domain.Timeframe   `yaml:"vote_timeframe"` // timeframe the consensus vote reads
	Timeframes    []domain.Timeframe `yaml:"timeframes"`     // horizons evaluated per round, shortest first
	RoundTimeout  time.Duration      `yaml:"round_timeout"`
	Concurrency   int                `yaml:"concurrency"` // worker pool size for layer fan-out
	LayerRate     float64            `yaml:"layer_rate"`  // layer invocations per second, 0 = unlimited
}

// DefaultConfig returns the shipped engine defaults.
func DefaultConfig() Config {
	return Config{
		VoteTimeframe: "1h",
		Timeframes:    domain.DefaultTimeframes,
		RoundTimeout:  10 * time.Second,
		Concurrency:   8,
	}
}

// Engine wires the core components together.
type Engine struct {
	cfg      Config
	registry *registry.Registry
	bank     *breaker.Bank
	analyzer *alignment.Analyzer
	gate     *anomaly.Gate
	voter    *consensus.Voter
	store    *weights.Store
	recorder *outcome.Recorder
	metrics  *metrics.Registry

	layers  []layer.Layer
	source  AnomalySource
	sinks   []DecisionSink
	limiter *rate.Limiter

	mu sync.Mutex // serializes rounds per engine instance
}

// New assembles an engine. metrics may be nil in tests.
func New(cfg Config, reg *registry.Registry, bank *breaker.Bank, analyzer *alignment.Analyzer,
	gate *anomaly.Gate, voter *consensus.Voter, store *weights.Store, recorder *outcome.Recorder,
	m *metrics.Registry) *Engine {

	def := DefaultConfig()
	if cfg.VoteTimeframe == "" {
		cfg.VoteTimeframe = def.VoteTimeframe
	}
	if len(cfg.Timeframes) == 0 {
		cfg.Timeframes = def.Timeframes
	}
	if cfg.RoundTimeout <= 0 {
		cfg.RoundTimeout = def.RoundTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}

	e := &Engine{
		cfg:      cfg,
		registry: reg,
		bank:     bank,
		analyzer: analyzer,
		gate:     gate,
		voter:    voter,
		store:    store,
		recorder: recorder,
		metrics:  m,
	}
	if cfg.LayerRate > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(cfg.LayerRate), cfg.Concurrency)
	}
	return e
}

// RegisterLayers adds producers to the fan-out set.
func (e *Engine) RegisterLayers(layers ...layer.Layer) {
	e.layers = append(e.layers, layers...)
}

// SetAnomalySource wires the anomaly sub-detector pipeline.
func (e *Engine) SetAnomalySource(src AnomalySource) { e.source = src }

// AddSink registers a decision consumer.
func (e *Engine) AddSink(s DecisionSink) { e.sinks = append(e.sinks, s) }

// RunRound executes one voting round for an instrument. A round that
// exceeds its timeout is abandoned with ErrRoundAbandoned; a round that
// cannot reach quorum still emits a NEUTRAL decision with the quorum flag
// set so downstream consumers have a uniform contract.
func (e *Engine) RunRound(ctx context.Context, instrument string) (domain.ConsensusDecision, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	started := time.Now()
	roundCtx, cancel := context.WithTimeout(ctx, e.cfg.RoundTimeout)
	defer cancel()

	if err := e.store.CheckIntegrity(); err != nil {
		// Weight store corruption is fatal to voting until repaired.
		return domain.ConsensusDecision{}, err
	}

	e.collectScores(roundCtx, instrument)

	// The round itself is abandoned only when the parent context died;
	// a fan-out timeout just means partial results.
	if ctx.Err() != nil {
		if e.metrics != nil {
			e.metrics.RoundsAbandoned.Inc()
		}
		return domain.ConsensusDecision{}, ErrRoundAbandoned
	}

	// One snapshot feeds the voter, analyzer, and gate; no component
	// re-reads a mutating view mid-round.
	byTimeframe := e.registry.SnapshotInstrument(instrument)
	voteScores := e.eligibleScores(byTimeframe[e.cfg.VoteTimeframe])

	vec, err := e.store.Get(instrument)
	if err != nil {
		// First round for this instrument: seed uniform weights over the
		// reporting layers.
		ids := make([]string, 0, len(voteScores))
		for id := range voteScores {
			ids = append(ids, id)
		}
		if len(ids) == 0 {
			vec = weights.Vector{Instrument: instrument, Weights: map[string]domain.LayerWeight{}}
		} else if vec, err = e.store.Seed(instrument, ids); err != nil {
			return domain.ConsensusDecision{}, err
		}
	}

	var override *anomaly.Override
	if e.source != nil {
		override = e.gate.Evaluate(e.source.Signals(roundCtx, instrument))
	}

	decision, err := e.voter.Decide(consensus.Inputs{
		Instrument: instrument,
		Scores:     voteScores,
		Weights:    vec,
		Alignment:  e.analyzer.Analyze(e.timeframeSignals(byTimeframe)),
		Override:   override,
	})
	if err != nil {
		return domain.ConsensusDecision{}, err
	}

	decision.ID = uuid.New()
	decision.DecidedAt = time.Now()

	e.recorder.TrackDecision(decision)
	e.emit(ctx, decision)

	if e.metrics != nil {
		e.metrics.ObserveDecision(decision, time.Since(started))
	}
	log.Info().
		Str("instrument", instrument).
		Str("signal", decision.Signal.String()).
		Float64("score", decision.AggregatedScore).
		Float64("confidence", decision.Confidence).
		Bool("quorum_fail", decision.InsufficientQuorum).
		Bool("overridden", decision.AnomalyOverridden).
		Msg("decision emitted")
	return decision, nil
}

// collectScores fans layer evaluation out over the worker pool. Failures
// and invalid data are relayed to the breaker bank, never substituted with
// defaults; accepted scores land in the registry (which itself reports
// success to the bank).
func (e *Engine) collectScores(ctx context.Context, instrument string) {
	sem := make(chan struct{}, e.cfg.Concurrency)
	var wg sync.WaitGroup

	for _, l := range e.layers {
		if !e.bank.AllowTrial(l.ID()) {
			continue // fail fast on OPEN breakers
		}
		for _, tf := range e.cfg.Timeframes {
			wg.Add(1)
			go func(l layer.Layer, tf domain.Timeframe) {
				defer wg.Done()
				select {
				case sem <- struct{}{}:
					defer func() { <-sem }()
				case <-ctx.Done():
					return
				}
				if e.limiter != nil {
					if err := e.limiter.Wait(ctx); err != nil {
						return
					}
				}
				score, err := l.Evaluate(ctx, instrument, tf)
				if err != nil {
					e.bank.Record(l.ID(), err)
					if e.metrics != nil {
						e.metrics.LayerFailures.WithLabelValues(l.ID()).Inc()
					}
					log.Debug().Err(err).Str("layer", l.ID()).Str("timeframe", string(tf)).Msg("layer evaluation failed")
					return
				}
				if err := e.registry.Submit(score); err != nil {
					e.bank.Record(l.ID(), layer.ErrDataInvalid)
					log.Debug().Err(err).Str("layer", l.ID()).Msg("score rejected")
				}
			}(l, tf)
		}
	}
	wg.Wait()
}

// eligibleScores filters a timeframe snapshot down to breaker-closed
// layers.
func (e *Engine) eligibleScores(scores map[string]domain.LayerScore) map[string]domain.LayerScore {
	out := make(map[string]domain.LayerScore, len(scores))
	for id, s := range scores {
		if !e.bank.IsEligible(id) {
			continue
		}
		out[id] = s
	}
	return out
}

// timeframeSignals condenses each timeframe's eligible scores into one
// representative signal for the alignment analyzer, ordered shortest to
// longest.
func (e *Engine) timeframeSignals(byTimeframe map[domain.Timeframe]map[string]domain.LayerScore) []alignment.TimeframeSignal {
	var out []alignment.TimeframeSignal
	for _, tf := range e.cfg.Timeframes {
		scores := e.eligibleScores(byTimeframe[tf])
		if len(scores) == 0 {
			continue
		}
		var sum float64
		votes := map[domain.Signal]int{}
		for _, s := range scores {
			sum += s.RawScore
			votes[s.Signal]++
		}
		sig := domain.SignalNeutral
		if votes[domain.SignalLong] > votes[domain.SignalShort] && votes[domain.SignalLong] >= votes[domain.SignalNeutral] {
			sig = domain.SignalLong
		} else if votes[domain.SignalShort] > votes[domain.SignalLong] && votes[domain.SignalShort] >= votes[domain.SignalNeutral] {
			sig = domain.SignalShort
		}
		out = append(out, alignment.TimeframeSignal{
			Timeframe: tf,
			Score:     sum / float64(len(scores)),
			Signal:    sig,
		})
	}
	return out
}

func (e *Engine) emit(ctx context.Context, d domain.ConsensusDecision) {
	for _, sink := range e.sinks {
		if err := sink.EmitDecision(ctx, d); err != nil {
			log.Error().Err(err).Str("decision", d.ID.String()).Msg("decision sink failed")
		}
	}
}
