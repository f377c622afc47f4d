package optimizer

import (
	"sort"

	"github.com/vxmarkets/pulse/internal/domain"
	"github.com/vxmarkets/pulse/internal/outcome"
)

// candidate is a weight vector under evaluation, expressed as a dense
// slice aligned with a sorted layer-id list so crossover and mutation are
// index stable.
type candidate struct {
	weights []float64
	fitness float64
}

func (c candidate) clone() candidate {
	cp := candidate{weights: make([]float64, len(c.weights)), fitness: c.fitness}
	copy(cp.weights, c.weights)
	return cp
}

// layerIndex maps layer ids to dense slice positions, sorted for
// determinism.
func layerIndex(ids map[string]struct{}) ([]string, map[string]int) {
	sorted := make([]string, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)
	index := make(map[string]int, len(sorted))
	for i, id := range sorted {
		index[id] = i
	}
	return sorted, index
}

// trueDirection recovers the direction the market actually took for a
// closed record: the emitted signal when the trade was correct, its
// opposite when it was not. Neutral decisions carry no direction to learn
// from.
func trueDirection(rec outcome.Record) (domain.Signal, bool) {
	sig := rec.Decision.Signal
	if sig == domain.SignalNeutral {
		return domain.SignalNeutral, false
	}
	if rec.Outcome.IsCorrect {
		return sig, true
	}
	if sig == domain.SignalLong {
		return domain.SignalShort, true
	}
	return domain.SignalLong, true
}

// directionalAccuracy scores a candidate vector by replaying the trailing
// outcome window: re-aggregate each decision's contributing raw scores
// under the candidate weights, re-derive the signal, and count matches
// against the realized direction. Records without a learnable direction
// are skipped.
func directionalAccuracy(cand []float64, index map[string]int, history []outcome.Record, longThreshold, shortThreshold float64) float64 {
	var scored, correct int
	for _, rec := range history {
		want, ok := trueDirection(rec)
		if !ok {
			continue
		}

		var weighted, total float64
		for _, cl := range rec.Decision.ContributingLayers {
			i, ok := index[cl.LayerID]
			if !ok {
				continue
			}
			weighted += cl.RawScore * cand[i]
			total += cand[i]
		}
		if total <= 0 {
			continue
		}
		agg := weighted / total

		var got domain.Signal
		switch {
		case agg >= longThreshold:
			got = domain.SignalLong
		case agg <= shortThreshold:
			got = domain.SignalShort
		default:
			got = domain.SignalNeutral
		}

		scored++
		if got == want {
			correct++
		}
	}
	if scored == 0 {
		return 0
	}
	return float64(correct) / float64(scored)
}
