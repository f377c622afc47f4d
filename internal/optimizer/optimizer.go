// Package optimizer learns per-layer trust from realized trade outcomes.
// One owner, two update paths: a cheap momentum nudge after every closed
// decision and a periodic genetic re-optimization refined by
// coordinate-wise descent. Both paths serialize through a single writer
// lock so a weight vector is never updated by two runs at once.
package optimizer

import (
	"context"
	"sync"
	"time"

	"github.com/vxmarkets/pulse/internal/outcome"
	"github.com/vxmarkets/pulse/internal/weights"
)

// History supplies the trailing outcome window the batch path learns from.
// *outcome.Recorder satisfies it.
type History interface {
	History(instrument string) []outcome.Record
	HistorySince(instrument string, cutoff time.Time) []outcome.Record
}

// Optimizer owns all weight mutation for the engine.
type Optimizer struct {
	mu      sync.Mutex // single-writer discipline across both paths
	store   *weights.Store
	history History
	online  OnlineConfig
	batch   BatchConfig
}

// New creates the optimizer, defaulting zero-value config fields.
func New(store *weights.Store, history History, online OnlineConfig, batch BatchConfig) *Optimizer {
	defOnline := DefaultOnlineConfig()
	if online.LearningRate <= 0 {
		online.LearningRate = defOnline.LearningRate
	}
	if online.Momentum <= 0 {
		online.Momentum = defOnline.Momentum
	}
	if online.MaxPnLScale <= 0 {
		online.MaxPnLScale = defOnline.MaxPnLScale
	}

	defBatch := DefaultBatchConfig()
	if batch.PopulationSize <= 0 {
		batch.PopulationSize = defBatch.PopulationSize
	}
	if batch.Generations <= 0 {
		batch.Generations = defBatch.Generations
	}
	if batch.MutationRate <= 0 {
		batch.MutationRate = defBatch.MutationRate
	}
	if batch.MutationScale <= 0 {
		batch.MutationScale = defBatch.MutationScale
	}
	if batch.SeedJitter <= 0 {
		batch.SeedJitter = defBatch.SeedJitter
	}
	if batch.StallGenerations <= 0 {
		batch.StallGenerations = defBatch.StallGenerations
	}
	if batch.RefineIterations <= 0 {
		batch.RefineIterations = defBatch.RefineIterations
	}
	if batch.RefineStep <= 0 {
		batch.RefineStep = defBatch.RefineStep
	}
	if batch.MinHistory <= 0 {
		batch.MinHistory = defBatch.MinHistory
	}
	if batch.LongThreshold <= 0 {
		batch.LongThreshold = defBatch.LongThreshold
	}
	if batch.ShortThreshold <= 0 {
		batch.ShortThreshold = defBatch.ShortThreshold
	}

	return &Optimizer{store: store, history: history, online: online, batch: batch}
}

// ApplyOutcome runs the online momentum update for one closed decision.
// Cheap: O(contributing layers).
func (o *Optimizer) ApplyOutcome(rec outcome.Record) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return applyOnline(o.store, o.online, rec)
}

// RunBatch re-optimizes one instrument's vector against its trailing
// outcome window, time-bounded when MaxHistoryAge is set.
// A zero config seed picks a clock seed; tests inject a
// fixed one for bit-identical runs. ErrDiverged means the previous vector
// was retained.
func (o *Optimizer) RunBatch(ctx context.Context, instrument string) (BatchResult, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	seed := o.batch.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	records := o.history.History(instrument)
	if o.batch.MaxHistoryAge > 0 {
		records = o.history.HistorySince(instrument, time.Now().Add(-o.batch.MaxHistoryAge))
	}
	return runBatch(ctx, o.store, o.batch, instrument, records, NewRandGen(seed))
}

// RunBatchAll re-optimizes every instrument with a committed vector.
// Instruments with too little history are skipped, not failed.
func (o *Optimizer) RunBatchAll(ctx context.Context) map[string]BatchResult {
	results := make(map[string]BatchResult)
	for _, instrument := range o.store.Instruments() {
		if ctx.Err() != nil {
			return results
		}
		res, err := o.RunBatch(ctx, instrument)
		if err != nil {
			continue
		}
		results[instrument] = res
	}
	return results
}
