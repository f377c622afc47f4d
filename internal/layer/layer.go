// Package layer defines the capability contract every external producer
// satisfies. A producer is a black box: the engine only sees scores and the
// two failure modes below, both of which feed its circuit breaker.
package layer

import (
	"context"
	"errors"

	"github.com/vxmarkets/pulse/internal/domain"
)

var (
	// ErrUnavailable signals a transport-level failure: the producer
	// could not be reached or timed out.
	ErrUnavailable = errors.New("layer: unavailable")

	// ErrDataInvalid signals the producer returned out-of-range or
	// non-finite data. Never substituted with a default value.
	ErrDataInvalid = errors.New("layer: invalid data")
)

// Layer is the single capability interface every producer is wrapped to
// satisfy, however it is implemented upstream.
type Layer interface {
	ID() string
	Evaluate(ctx context.Context, instrument string, timeframe domain.Timeframe) (domain.LayerScore, error)
}

// Func adapts a plain function into a Layer.
type Func struct {
	LayerID string
	Fn      func(ctx context.Context, instrument string, timeframe domain.Timeframe) (domain.LayerScore, error)
}

func (f Func) ID() string { return f.LayerID }

func (f Func) Evaluate(ctx context.Context, instrument string, timeframe domain.Timeframe) (domain.LayerScore, error) {
	return f.Fn(ctx, instrument, timeframe)
}
