package anomaly

import (
	"context"
	"sync"
	"time"

	"github.com/vxmarkets/pulse/internal/domain"
)

// Feed buffers the latest reported sub-detector batch per instrument so a
// voting round can read it. Each report replaces the previous batch for
// its instrument; a batch older than the TTL reads as a calm market.
type Feed struct {
	mu      sync.RWMutex
	ttl     time.Duration
	batches map[string]batch
	now     func() time.Time
}

type batch struct {
	signals    []domain.AnomalySignal
	reportedAt time.Time
}

// NewFeed creates an empty feed. A non-positive ttl gets the shipped
// default.
func NewFeed(ttl time.Duration) *Feed {
	if ttl <= 0 {
		ttl = DefaultConfig().SignalTTL
	}
	return &Feed{
		ttl:     ttl,
		batches: make(map[string]batch),
		now:     time.Now,
	}
}

// SetClock overrides the feed clock. Intended for tests.
func (f *Feed) SetClock(now func() time.Time) {
	f.now = now
}

// Report stores a detector batch for an instrument, superseding any
// previous one. The slice is copied.
func (f *Feed) Report(instrument string, signals []domain.AnomalySignal) {
	cp := make([]domain.AnomalySignal, len(signals))
	copy(cp, signals)

	f.mu.Lock()
	f.batches[instrument] = batch{signals: cp, reportedAt: f.now()}
	f.mu.Unlock()
}

// Signals returns the current batch for an instrument, or nil once it has
// expired. Satisfies the engine's anomaly source.
func (f *Feed) Signals(_ context.Context, instrument string) []domain.AnomalySignal {
	f.mu.RLock()
	b, ok := f.batches[instrument]
	f.mu.RUnlock()

	if !ok || f.now().Sub(b.reportedAt) > f.ttl {
		return nil
	}
	out := make([]domain.AnomalySignal, len(b.signals))
	copy(out, b.signals)
	return out
}
