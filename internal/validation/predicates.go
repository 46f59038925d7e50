package validation

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// AcceptAll admits every frame
var AcceptAll Predicate = PredicateFunc(func(context.Context, string, Metadata, RoutingContext) (bool, error) {
	return true, nil
})

// All admits a frame only if every predicate does. Evaluation stops at the
// first rejection or error.
func All(preds ...Predicate) Predicate {
	return PredicateFunc(func(ctx context.Context, frameID string, md Metadata, rc RoutingContext) (bool, error) {
		for _, p := range preds {
			ok, err := p.Validate(ctx, frameID, md, rc)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	})
}

// RatePredicate limits the admitted frame rate of each source with a token bucket
type RatePredicate struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

// NewRatePredicate admits up to r frames per second per source with the given burst
func NewRatePredicate(r rate.Limit, burst int) *RatePredicate {
	if burst < 1 {
		burst = 1
	}
	return &RatePredicate{
		limiters: make(map[string]*rate.Limiter),
		rate:     r,
		burst:    burst,
	}
}

// Validate implements Predicate
func (p *RatePredicate) Validate(_ context.Context, _ string, _ Metadata, rc RoutingContext) (bool, error) {
	p.mu.Lock()
	limiter, ok := p.limiters[rc.SourceID]
	if !ok {
		limiter = rate.NewLimiter(p.rate, p.burst)
		p.limiters[rc.SourceID] = limiter
	}
	p.mu.Unlock()

	return limiter.Allow(), nil
}

// SequencePredicate rejects frames whose sequence number does not increase
// over the last admitted frame of the same source
type SequencePredicate struct {
	mu   sync.Mutex
	last map[string]uint64
}

// NewSequencePredicate creates an empty sequence window
func NewSequencePredicate() *SequencePredicate {
	return &SequencePredicate{last: make(map[string]uint64)}
}

// Validate implements Predicate
func (p *SequencePredicate) Validate(_ context.Context, _ string, md Metadata, rc RoutingContext) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if last, seen := p.last[rc.SourceID]; seen && md.Sequence <= last {
		return false, nil
	}
	p.last[rc.SourceID] = md.Sequence
	return true, nil
}

// Reset forgets the window of a source
func (p *SequencePredicate) Reset(sourceID string) {
	p.mu.Lock()
	delete(p.last, sourceID)
	p.mu.Unlock()
}
