package throttle

import (
	"errors"
	"log/slog"

	"github.com/TrialGuides/Cumulus/client/pipeline"
	"golang.org/x/time/rate"
)

var (
	ErrMustNotBeZero = errors.New("must be greater than zero")
	ErrWaitingFailed = errors.New("limiter waiting failed")
	ErrContextEnded  = errors.New("throttle context ended")
)

// Config defines the throttler's
// Requests Per Second and Burst Rate
type Config struct {
	RPS   int
	Burst int
}

// Transport is a [pipeline.Transport], using the time/rate token
// bucket limiter to restrict how fast connections are opened.
type Transport struct {
	limiter *rate.Limiter
	rps     int
	burst   int
	next    pipeline.Transport
	logFn   func() *slog.Logger
}
