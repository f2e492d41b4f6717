// Package client provides an asynchronous HTTP client in which every
// request runs through its own pipeline: preflight, transport,
// progress streaming, content-type driven decoding and post-processing,
// ending in exactly one of completion or abort.
//
// # Building a Client
//
// Use [Build] to create a [Client] with functional options:
//
//	c, err := client.Build(
//		client.WithTimeout(10 * time.Second),
//		client.WithUserAgent("myapp/1.0"),
//	)
//	defer c.Close()
//
// # Making Requests
//
// Construct a [URL] and a [Request], then either wait for the outcome
// with [Client.Do] or submit it and react in hooks:
//
//	u := client.URL("https", "api.example.com", "/v1/resource")
//	req, err := c.NewRequest(ctx, u, http.MethodGet,
//		client.WithExpectStatus(http.StatusOK),
//	)
//	resp, err := c.Do(req)
//	doc := resp.Result.(map[string]any)
//
// An error from Do means the request aborted: it was refused by its
// preflight hook, the transport failed, or it was cancelled. Problems
// that do not stop a request, such as a range the server ignored or a
// body that failed to decode, are attached to the [Response] as
// conditions; see [Response.Err].
//
// # Hooks
//
//	req, err := c.NewRequest(ctx, u, http.MethodGet,
//		client.WithPreflight(func(r *client.Request) bool { ... }),
//		client.WithProgress(func(info progress.Info) { ... }),
//		client.WithPostProcessor(client.VerifyChecksum(sha256.New(), sum)),
//		client.WithCompletion(func(resp *client.Response) { ... }),
//		client.WithAbort(func(r *client.Request) { ... }),
//	)
//	p, err := c.Submit(req)
//
// Preflight, completion and abort hooks run one at a time on the
// Client's control executor. Progress hooks run on the progress
// executor and observe non-decreasing byte counts.
//
// # Byte Ranges
//
// [WithRange] asks for part of a resource. The served span is checked
// against the requested one and a mismatch attaches [ErrRangeMismatch]
// without retrying:
//
//	req, err := c.NewRequest(ctx, u, http.MethodGet,
//		client.WithRange(contentrange.Make(0, 1<<20, contentrange.Unknown)),
//	)
//
// For lower-level control see the
// [github.com/TrialGuides/Cumulus/client/pipeline] package.
package client
