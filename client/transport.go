package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/TrialGuides/Cumulus/client/pipeline"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"golang.org/x/sync/semaphore"
)

const chunkSize = 32 << 10 // 32KB

// HTTPTransport is a [pipeline.Transport] over an [http.Client]. Each
// connection runs on its own goroutine and streams the body to the
// pipeline in chunks as it is read.
type HTTPTransport struct {
	c      *http.Client
	sem    *semaphore.Weighted
	prop   propagation.TextMapPropagator
	logger *slog.Logger
}

// NewHTTPTransport returns a transport sending requests with hc. When
// maxConcurrent is positive, at most that many connections are open at
// once. The trace context of each request is injected into its headers
// with the global OpenTelemetry propagator.
func NewHTTPTransport(hc *http.Client, maxConcurrent int64, logger *slog.Logger) *HTTPTransport {
	if hc == nil {
		hc = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	t := &HTTPTransport{
		c:      hc,
		prop:   otel.GetTextMapPropagator(),
		logger: logger,
	}
	if maxConcurrent > 0 {
		t.sem = semaphore.NewWeighted(maxConcurrent)
	}

	return t
}

// Open implements [pipeline.Transport].
func (t *HTTPTransport) Open(ctx context.Context, req *pipeline.Request, events pipeline.Events) (pipeline.Conn, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	ctx, cancel := context.WithCancel(ctx)

	hreq, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), body)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("instantiating request: %w", err)
	}
	hreq.Header = req.Header.Clone()
	t.prop.Inject(ctx, propagation.HeaderCarrier(hreq.Header))

	go t.exec(ctx, cancel, hreq, events)

	return pipeline.CancelFunc(cancel), nil
}

func (t *HTTPTransport) exec(ctx context.Context, cancel context.CancelFunc, req *http.Request, events pipeline.Events) {
	defer cancel()

	if t.sem != nil {
		if err := t.sem.Acquire(ctx, 1); err != nil {
			events.Error(fmt.Errorf("waiting for connection slot: %w", err))
			return
		}
		defer t.sem.Release(1)
	}

	resp, err := t.c.Do(req)
	if err != nil {
		events.Error(fmt.Errorf("exec http do: %w", err))
		return
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			t.logger.Error("failed to close response body", "error", err)
		}
	}()

	header := resp.Header
	if resp.ContentLength >= 0 && header.Get("Content-Length") == "" {
		header = header.Clone()
		header.Set("Content-Length", strconv.FormatInt(resp.ContentLength, 10))
	}
	events.Headers(resp.StatusCode, header)

	buf := make([]byte, chunkSize)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			events.BodyChunk(buf[:n])
		}

		switch {
		case errors.Is(err, io.EOF):
			events.Complete()
			return
		case err != nil:
			events.Error(fmt.Errorf("reading body: %w", err))
			return
		}
	}
}
