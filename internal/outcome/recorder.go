// Package outcome links emitted decisions to their realized results and
// serves the trailing history the weight optimizer learns from.
package outcome

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/vxmarkets/pulse/internal/domain"
)

// ErrUnknownDecision is returned when an outcome references a decision the
// recorder never saw.
var ErrUnknownDecision = errors.New("outcome: unknown decision")

// Record pairs a decision with its realized outcome.
type Record struct {
	Decision domain.ConsensusDecision
	Outcome  domain.TradeOutcome
}

// Recorder keeps an in-memory trailing window of closed decisions per
// instrument. A persistence sink can be attached to durably store each
// record as it closes.
type Recorder struct {
	mu       sync.RWMutex
	pending  map[uuid.UUID]domain.ConsensusDecision
	closed   map[string][]Record // instrument -> chronological records
	window   int
	onClosed func(Record)
}

// NewRecorder creates a recorder that retains the last window closed
// records per instrument.
func NewRecorder(window int) *Recorder {
	if window <= 0 {
		window = 500
	}
	return &Recorder{
		pending: make(map[uuid.UUID]domain.ConsensusDecision),
		closed:  make(map[string][]Record),
		window:  window,
	}
}

// OnClosed registers a hook invoked for every decision-outcome pair, e.g.
// the persistence collaborator or the optimizer's online update.
func (r *Recorder) OnClosed(fn func(Record)) {
	r.mu.Lock()
	r.onClosed = fn
	r.mu.Unlock()
}

// TrackDecision registers an emitted decision awaiting its outcome.
func (r *Recorder) TrackDecision(d domain.ConsensusDecision) {
	r.mu.Lock()
	r.pending[d.ID] = d
	r.mu.Unlock()
}

// RecordOutcome attaches a realized outcome to its decision, moving the
// pair into the trailing window.
func (r *Recorder) RecordOutcome(o domain.TradeOutcome) error {
	r.mu.Lock()
	d, ok := r.pending[o.DecisionID]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownDecision
	}
	delete(r.pending, o.DecisionID)

	rec := Record{Decision: d, Outcome: o}
	hist := append(r.closed[d.Instrument], rec)
	if len(hist) > r.window {
		hist = hist[len(hist)-r.window:]
	}
	r.closed[d.Instrument] = hist
	hook := r.onClosed
	r.mu.Unlock()

	log.Info().
		Str("instrument", d.Instrument).
		Str("decision", d.ID.String()).
		Float64("pnl", o.RealizedPnL).
		Bool("correct", o.IsCorrect).
		Msg("outcome recorded")

	if hook != nil {
		hook(rec)
	}
	return nil
}

// History returns the trailing closed records for an instrument, oldest
// first. The slice is a copy.
func (r *Recorder) History(instrument string) []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hist := r.closed[instrument]
	out := make([]Record, len(hist))
	copy(out, hist)
	return out
}

// HistorySince filters the trailing window to outcomes closed at or after
// the cutoff.
func (r *Recorder) HistorySince(instrument string, cutoff time.Time) []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Record
	for _, rec := range r.closed[instrument] {
		if !rec.Outcome.ClosedAt.Before(cutoff) {
			out = append(out, rec)
		}
	}
	return out
}

// PendingCount reports decisions still awaiting an outcome.
func (r *Recorder) PendingCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pending)
}
