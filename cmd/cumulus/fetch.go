package main

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/TrialGuides/Cumulus/client"
	"github.com/TrialGuides/Cumulus/client/coder"
	"github.com/TrialGuides/Cumulus/client/config"
	"github.com/TrialGuides/Cumulus/client/contentrange"
)

type fetchConfig struct {
	url        string
	method     string
	data       string
	rng        string
	configPath string
	output     string
	checksum   string
	timeout    time.Duration
	progress   bool
	verbose    bool
	headers    http.Header
}

func runFetch(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cfg := fetchConfig{headers: http.Header{}}

	fs := flag.NewFlagSet("fetch", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&cfg.url, "url", "", "URL to fetch (required)")
	fs.StringVar(&cfg.method, "method", http.MethodGet, "HTTP method")
	fs.StringVar(&cfg.data, "data", "", "Request body, sent as is")
	fs.StringVar(&cfg.rng, "range", "", "Byte range, e.g. 0-99 or bytes=0-99")
	fs.StringVar(&cfg.configPath, "config", "", "Path to a YAML client config")
	fs.StringVar(&cfg.output, "o", "", "Write the body to this file instead of stdout")
	fs.StringVar(&cfg.checksum, "checksum", "", "Expected hex SHA-256 of the body")
	fs.DurationVar(&cfg.timeout, "timeout", 0, "Request timeout, overrides the config")
	fs.BoolVar(&cfg.progress, "progress", false, "Log transfer progress")
	fs.BoolVar(&cfg.verbose, "v", false, "Verbose logging")
	fs.Func("H", "Request header as 'Name: value' (repeatable)", func(s string) error {
		name, value, ok := strings.Cut(s, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return fmt.Errorf("invalid header %q", s)
		}
		cfg.headers.Add(strings.TrimSpace(name), strings.TrimSpace(value))
		return nil
	})

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return ExitSuccess
		}
		return ExitInvalidArgs
	}

	if cfg.url == "" {
		fmt.Fprintln(stderr, "Error: -url is required")
		fs.Usage()
		return ExitInvalidArgs
	}

	level := slog.LevelInfo
	if cfg.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	return fetch(ctx, cfg, logger, stdout)
}

func fetch(ctx context.Context, cfg fetchConfig, logger *slog.Logger, stdout io.Writer) int {
	clientCfg := config.Default()
	if cfg.configPath != "" {
		var err error
		clientCfg, err = config.LoadFromFile(cfg.configPath)
		if err != nil {
			logger.Error("loading config", "path", cfg.configPath, "error", err)
			return ExitInvalidArgs
		}
	}

	u, err := url.Parse(cfg.url)
	if err != nil || u.Scheme == "" || u.Host == "" {
		logger.Error("invalid url", "url", cfg.url)
		return ExitInvalidArgs
	}

	opts := append(clientCfg.Options(), client.WithLogger(logger))
	if cfg.timeout > 0 {
		opts = append(opts, client.WithTimeout(cfg.timeout))
	}
	if cfg.progress {
		interval := clientCfg.Progress.Interval
		if interval <= 0 {
			interval = time.Second
		}
		opts = append(opts, client.WithProgressLogging(interval))
	}

	c, err := client.Build(opts...)
	if err != nil {
		logger.Error("building client", "error", err)
		return ExitInvalidArgs
	}
	defer c.Close()

	reqOpts := clientCfg.RequestOptions()
	if len(cfg.headers) > 0 {
		reqOpts = append(reqOpts, client.WithHeaders(cfg.headers))
	}
	if cfg.data != "" {
		reqOpts = append(reqOpts, client.WithPayload([]byte(cfg.data)))
	}
	if cfg.rng != "" {
		r, err := parseRange(cfg.rng)
		if err != nil {
			logger.Error("invalid range", "range", cfg.rng, "error", err)
			return ExitInvalidArgs
		}
		reqOpts = append(reqOpts, client.WithRange(r))
	}
	if cfg.checksum != "" {
		reqOpts = append(reqOpts, client.WithPostProcessor(client.VerifyChecksum(sha256.New(), cfg.checksum)))
	}

	req, err := c.NewRequest(ctx, u, strings.ToUpper(cfg.method), reqOpts...)
	if err != nil {
		logger.Error("creating request", "error", err)
		return ExitInvalidArgs
	}

	resp, err := c.Do(req)
	if err != nil {
		logger.Error("request aborted", "url", u.String(), "error", err)
		if errors.Is(err, client.ErrUserCancelled) {
			return ExitAborted
		}
		return ExitGeneralError
	}

	attrs := []any{"status", resp.StatusCode, "class", resp.Class, "bytes", len(resp.Body)}
	if resp.ContentType != "" {
		attrs = append(attrs, "content_type", resp.ContentType)
	}
	if resp.Range != nil {
		attrs = append(attrs, "range", resp.Range.String())
	}
	logger.Info("request completed", attrs...)

	if cfg.output != "" {
		if err := writeFile(cfg.output, resp.Body, logger); err != nil {
			logger.Error("writing output", "path", cfg.output, "error", err)
			return ExitOutputError
		}
	} else if err := writeResult(stdout, resp); err != nil {
		logger.Error("writing output", "error", err)
		return ExitOutputError
	}

	for _, cond := range resp.Conditions {
		logger.Warn("response condition", "error", cond)
	}
	if len(resp.Conditions) > 0 {
		return ExitConditions
	}

	return ExitSuccess
}

// parseRange accepts either a bare "first-last" span or a full Range
// header value.
func parseRange(s string) (contentrange.Range, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "bytes=") {
		s = "bytes=" + s
	}

	return contentrange.ParseRequest(s)
}

// writeResult prints decoded text as is and re-indents JSON. Everything
// else is written as the raw body.
func writeResult(w io.Writer, resp *client.Response) error {
	switch result := resp.Result.(type) {
	case string:
		_, err := io.WriteString(w, result)
		return err
	case nil:
		return nil
	default:
		if resp.Class == coder.ClassJSON {
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		}
	}

	_, err := w.Write(resp.Body)
	return err
}
