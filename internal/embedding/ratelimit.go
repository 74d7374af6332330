package embedding

import (
	"context"
	"math"

	"golang.org/x/time/rate"
)

// RateLimited wraps an Embedder with a client-side token bucket.
type RateLimited struct {
	inner   Embedder
	limiter *rate.Limiter
}

// WithRateLimit limits e to rps calls per second with the given burst. A non-positive rps
// returns e unchanged.
func WithRateLimit(e Embedder, rps float64, burst int) Embedder {
	if rps <= 0 {
		return e
	}
	if burst <= 0 {
		burst = int(math.Max(1, math.Ceil(rps)))
	}
	return &RateLimited{inner: e, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Embed waits for capacity, then delegates.
func (r *RateLimited) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.inner.Embed(ctx, text)
}
