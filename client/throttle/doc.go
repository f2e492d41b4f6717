// Package throttle provides a [pipeline.Transport] that rate-limits
// connection opens using a token-bucket algorithm from
// [golang.org/x/time/rate].
//
// # Usage
//
// Wrap an existing transport with [New]:
//
//	t, err := throttle.New(
//		10, // opens per second
//		5,  // burst capacity
//		func() *slog.Logger { return slog.Default() },
//		client.NewHTTPTransport(nil, 0, nil),
//	)
//	r := pipeline.NewRunner(t)
//
// When the rate limit is exceeded, pipelines wait in the awaiting
// headers state until a token becomes available or they are cancelled.
package throttle
