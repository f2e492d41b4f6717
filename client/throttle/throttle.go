package throttle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/TrialGuides/Cumulus/client/pipeline"
	"golang.org/x/time/rate"
)

// New returns a Transport that throttles connection opens of next
// using a token bucket rate limiter. logFn lazily resolves the logger at
// open time, making option ordering irrelevant. A nil-returning logFn
// skips the token check used for logging.
func New(rps, burst int, logFn func() *slog.Logger, next pipeline.Transport) (*Transport, error) {
	if rps <= 0 || burst <= 0 {
		return nil, fmt.Errorf("rps[%d] and burst[%d] %w", rps, burst, ErrMustNotBeZero)
	}
	if logFn == nil {
		logFn = func() *slog.Logger { return nil }
	}

	t := &Transport{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		rps:     rps,
		burst:   burst,
		next:    next,
		logFn:   logFn,
	}

	return t, nil
}

// Open waits for a token, then opens the connection with the wrapped
// transport. The wait ends early when ctx does.
func (t *Transport) Open(ctx context.Context, req *pipeline.Request, events pipeline.Events) (pipeline.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w early: %w", ErrContextEnded, err)
	}

	var waited time.Duration
	logger := t.logFn()
	// Tokens only reads the bucket; Wait below takes the token.
	if logger != nil && t.limiter.Tokens() < 1 {
		logger.Info("throttle tokens exhausted", "rate", t.rps, "burst", t.burst, "request_id", req.ID, "path", req.URL.Path)

		defer func() {
			logger.Info("throttle wait complete", "waited", waited.String(), "rate", t.rps, "burst", t.burst, "request_id", req.ID)
		}()
	}

	start := time.Now()

	err := t.limiter.Wait(ctx)
	waited = time.Since(start)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrWaitingFailed, err)
	}

	if err := ctx.Err(); err != nil { // Check context hasn't expired again.
		return nil, fmt.Errorf("%w post-wait: %w", ErrContextEnded, err)
	}

	return t.next.Open(ctx, req, events)
}
