package optimizer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vxmarkets/pulse/internal/outcome"
	"github.com/vxmarkets/pulse/internal/weights"
)

// ErrDiverged is returned when a batch run fails to improve on the
// committed vector. The previous weights are retained unchanged.
var ErrDiverged = errors.New("optimizer: batch run diverged, previous weights retained")

// BatchConfig tunes the periodic genetic re-optimization and its local
// refinement pass.
type BatchConfig struct {
	PopulationSize   int           `yaml:"population_size"`
	Generations      int           `yaml:"generations"`
	MutationRate     float64       `yaml:"mutation_rate"`
	MutationScale    float64       `yaml:"mutation_scale"`    // bounded mutation step
	SeedJitter       float64       `yaml:"seed_jitter"`       // perturbation around the current vector
	StallGenerations int           `yaml:"stall_generations"` // no-improvement window before giving up
	RefineIterations int           `yaml:"refine_iterations"` // coordinate descent budget
	RefineStep       float64       `yaml:"refine_step"`       // finite-difference step size
	MinHistory       int           `yaml:"min_history"`       // outcomes required before optimizing
	MaxHistoryAge    time.Duration `yaml:"max_history_age"`   // outcomes older than this are ignored; 0 keeps all
	Seed             uint64        `yaml:"seed"`              // 0 picks a clock seed in production
	LongThreshold    float64       `yaml:"long_threshold"`
	ShortThreshold   float64       `yaml:"short_threshold"`
}

// DefaultBatchConfig returns the shipped batch defaults.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		PopulationSize:   40,
		Generations:      30,
		MutationRate:     0.15,
		MutationScale:    0.05,
		SeedJitter:       0.10,
		StallGenerations: 8,
		RefineIterations: 60,
		RefineStep:       0.01,
		MinHistory:       20,
		LongThreshold:    65,
		ShortThreshold:   35,
	}
}

// BatchResult summarizes one batch run.
type BatchResult struct {
	Instrument     string        `json:"instrument"`
	InitialFitness float64       `json:"initial_fitness"`
	BestFitness    float64       `json:"best_fitness"`
	Generations    int           `json:"generations"`
	RefineEvals    int           `json:"refine_evals"`
	Committed      bool          `json:"committed"`
	Elapsed        time.Duration `json:"elapsed"`
}

// runBatch executes the genetic search seeded from the committed vector,
// refines the best individual coordinate-wise, and commits only a strictly
// better vector. Cancellable between generations. Must be called with the
// optimizer's writer lock held.
func runBatch(ctx context.Context, store *weights.Store, cfg BatchConfig, instrument string, history []outcome.Record, rng *RandGen) (BatchResult, error) {
	started := time.Now()
	res := BatchResult{Instrument: instrument}

	if len(history) < cfg.MinHistory {
		return res, fmt.Errorf("optimizer: %d outcomes for %s, need %d", len(history), instrument, cfg.MinHistory)
	}

	vec, err := store.Get(instrument)
	if err != nil {
		return res, err
	}

	idSet := make(map[string]struct{}, len(vec.Weights))
	for id := range vec.Weights {
		idSet[id] = struct{}{}
	}
	ids, index := layerIndex(idSet)

	seedCand := candidate{weights: make([]float64, len(ids))}
	for i, id := range ids {
		seedCand.weights[i] = vec.Weights[id].Weight
	}
	evaluate := func(w []float64) float64 {
		return directionalAccuracy(w, index, history, cfg.LongThreshold, cfg.ShortThreshold)
	}
	seedCand.fitness = evaluate(seedCand.weights)
	res.InitialFitness = seedCand.fitness

	// Population: the committed vector plus bounded perturbations of it.
	pop := make([]candidate, 0, cfg.PopulationSize)
	pop = append(pop, seedCand.clone())
	for len(pop) < cfg.PopulationSize {
		c := perturb(seedCand, cfg.SeedJitter, rng)
		c.fitness = evaluate(c.weights)
		pop = append(pop, c)
	}

	best := seedCand.clone()
	stall := 0
	for gen := 0; gen < cfg.Generations; gen++ {
		// Checkpoint between generations for graceful shutdown.
		select {
		case <-ctx.Done():
			res.Generations = gen
			res.Elapsed = time.Since(started)
			return res, ctx.Err()
		default:
		}

		sortByFitness(pop)
		if pop[0].fitness > best.fitness {
			best = pop[0].clone()
			stall = 0
		} else {
			stall++
		}
		if cfg.StallGenerations > 0 && stall >= cfg.StallGenerations {
			break
		}

		// Top half survives; crossover plus bounded mutation refills.
		keep := len(pop) / 2
		next := make([]candidate, 0, len(pop))
		next = append(next, pop[:keep]...)
		for len(next) < len(pop) {
			a := pop[rng.Intn(keep)]
			b := pop[rng.Intn(keep)]
			child := crossover(a, b, rng)
			if rng.Float64() < cfg.MutationRate {
				child = perturb(child, cfg.MutationScale, rng)
			}
			child.fitness = evaluate(child.weights)
			next = append(next, child)
		}
		pop = next
		res.Generations = gen + 1
	}
	sortByFitness(pop)
	if pop[0].fitness > best.fitness {
		best = pop[0].clone()
	}

	// Local refinement: coordinate-wise finite-difference steps with
	// backtracking, bounded by a fixed evaluation budget.
	refined, evals := refine(best, evaluate, cfg.RefineIterations, cfg.RefineStep)
	res.RefineEvals = evals
	if refined.fitness > best.fitness {
		best = refined
	}
	res.BestFitness = best.fitness
	res.Elapsed = time.Since(started)

	if best.fitness <= res.InitialFitness {
		log.Warn().
			Str("instrument", instrument).
			Float64("initial", res.InitialFitness).
			Float64("best", best.fitness).
			Msg("batch optimization did not improve; keeping previous weights")
		return res, ErrDiverged
	}

	now := time.Now()
	for i, id := range ids {
		lw := vec.Weights[id]
		lw.Weight = best.weights[i]
		lw.LastUpdated = now
		vec.Weights[id] = lw
	}
	weights.Normalize(vec.Weights, now)
	if err := store.Commit(vec); err != nil {
		return res, fmt.Errorf("batch commit: %w", err)
	}
	res.Committed = true

	log.Info().
		Str("instrument", instrument).
		Float64("fitness", best.fitness).
		Float64("improvement", best.fitness-res.InitialFitness).
		Int("generations", res.Generations).
		Dur("elapsed", res.Elapsed).
		Msg("batch optimization committed")
	return res, nil
}

// perturb returns a normalized copy with every coordinate jittered by at
// most ±scale.
func perturb(c candidate, scale float64, rng *RandGen) candidate {
	out := c.clone()
	for i := range out.weights {
		out.weights[i] = clampf(out.weights[i]+rng.Range(-scale, scale), 0, 1)
	}
	normalizeSlice(out.weights)
	return out
}

// crossover mixes two parents coordinate-wise with uniform selection.
func crossover(a, b candidate, rng *RandGen) candidate {
	child := candidate{weights: make([]float64, len(a.weights))}
	for i := range child.weights {
		if rng.Float64() < 0.5 {
			child.weights[i] = a.weights[i]
		} else {
			child.weights[i] = b.weights[i]
		}
	}
	normalizeSlice(child.weights)
	return child
}

// refine walks each coordinate in both directions with a shrinking step,
// keeping any move that improves fitness. Deterministic given its inputs.
func refine(start candidate, evaluate func([]float64) float64, budget int, step float64) (candidate, int) {
	best := start.clone()
	evals := 0
	for evals < budget && step > 1e-6 {
		improved := false
		for i := 0; i < len(best.weights) && evals < budget; i++ {
			for _, dir := range []float64{1, -1} {
				if evals >= budget {
					break
				}
				trial := best.clone()
				trial.weights[i] = clampf(trial.weights[i]+dir*step, 0, 1)
				normalizeSlice(trial.weights)
				trial.fitness = evaluate(trial.weights)
				evals++
				if trial.fitness > best.fitness {
					best = trial
					improved = true
					break
				}
			}
		}
		if !improved {
			step *= 0.5
		}
	}
	return best, evals
}

func normalizeSlice(w []float64) {
	var total float64
	for _, v := range w {
		total += v
	}
	if total <= 0 {
		for i := range w {
			w[i] = 1.0 / float64(len(w))
		}
		return
	}
	for i := range w {
		w[i] /= total
	}
}

func sortByFitness(pop []candidate) {
	sort.SliceStable(pop, func(i, j int) bool {
		return pop[i].fitness > pop[j].fitness
	})
}
