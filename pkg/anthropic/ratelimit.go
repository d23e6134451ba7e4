package anthropic

import (
	"context"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// rateLimitedClient wraps a Client with a token-bucket limiter so a large
// fan-out of slice workers cannot exceed the provider's request rate.
type rateLimitedClient struct {
	inner   Client
	limiter *rate.Limiter
}

// WithRateLimit wraps client so that calls are throttled to requestsPerSec.
// A non-positive rate returns the client unwrapped.
func WithRateLimit(client Client, requestsPerSec float64) Client {
	if requestsPerSec <= 0 {
		return client
	}
	return &rateLimitedClient{
		inner:   client,
		limiter: rate.NewLimiter(rate.Limit(requestsPerSec), 1),
	}
}

func (c *rateLimitedClient) CreateMessage(ctx context.Context, req MessageRequest) (*MessageResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "anthropic: rate limit wait")
	}
	return c.inner.CreateMessage(ctx, req)
}
