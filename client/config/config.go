package config

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/TrialGuides/Cumulus/client"
	"gopkg.in/yaml.v3"
)

// Config defines configuration for a [client.Client].
type Config struct {
	Timeout         time.Duration     `yaml:"timeout" validate:"gte=0"`
	UserAgent       string            `yaml:"user_agent" validate:"omitempty,max=256"`
	FollowRedirects *bool             `yaml:"follow_redirects"`
	MaxConcurrent   int               `yaml:"max_concurrent" validate:"gte=0"`
	Sniff           *bool             `yaml:"sniff"`
	Throttle        *Throttle         `yaml:"throttle"`
	Progress        Progress          `yaml:"progress"`
	Headers         map[string]string `yaml:"headers" validate:"dive,keys,required,endkeys"`
}

// Throttle defines connection rate limiting.
type Throttle struct {
	RPS   int `yaml:"rps" validate:"required,gt=0"`
	Burst int `yaml:"burst" validate:"required,gt=0"`
}

// Progress defines transfer progress logging.
type Progress struct {
	Log      bool          `yaml:"log"`
	Interval time.Duration `yaml:"interval" validate:"gte=0"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Timeout: 30 * time.Second,
		Progress: Progress{
			Interval: time.Second,
		},
	}
}

// LoadFromFile loads and validates configuration from a YAML file.
// Fields missing from the file keep their [Default] values.
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes and validates a YAML document.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Options converts the configuration into client options.
func (c Config) Options() []client.Option {
	opts := []client.Option{client.WithTimeout(c.Timeout)}

	if c.UserAgent != "" {
		opts = append(opts, client.WithUserAgent(c.UserAgent))
	}
	if c.FollowRedirects != nil && !*c.FollowRedirects {
		opts = append(opts, client.WithNoFollowRedirects())
	}
	if c.MaxConcurrent > 0 {
		opts = append(opts, client.WithMaxConcurrent(c.MaxConcurrent))
	}
	if c.Sniff != nil && !*c.Sniff {
		opts = append(opts, client.WithoutSniffing())
	}
	if c.Throttle != nil {
		opts = append(opts, client.WithThrottle(c.Throttle.RPS, c.Throttle.Burst))
	}
	if c.Progress.Log {
		interval := c.Progress.Interval
		if interval == 0 {
			interval = time.Second
		}
		opts = append(opts, client.WithProgressLogging(interval))
	}

	return opts
}

// RequestOptions returns the request options every request built from
// this configuration should carry.
func (c Config) RequestOptions() []client.RequestOption {
	if len(c.Headers) == 0 {
		return nil
	}

	headers := make(http.Header, len(c.Headers))
	for k, v := range c.Headers {
		headers.Set(k, v)
	}

	return []client.RequestOption{client.WithHeaders(headers)}
}
