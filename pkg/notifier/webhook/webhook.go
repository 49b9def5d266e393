// Package webhook delivers reports as JSON over HTTP.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/andrej220/opsflow/pkg/lg"
	"github.com/andrej220/opsflow/pkg/notifier"
	"github.com/andrej220/opsflow/pkg/registry"
	"github.com/sony/gobreaker"
)

// Kind is the name the webhook notifier is registered under.
const Kind = "webhook"

type Config struct {
	notifier.BaseConfig `yaml:",inline"`
	URL                 string            `yaml:"url" validate:"required,url"`
	Method              string            `yaml:"method" validate:"omitempty,oneof=POST PUT"`
	Headers             map[string]string `yaml:"headers"`
	Timeout             time.Duration     `yaml:"timeout"`
}

func DefaultConfig() *Config {
	return &Config{Method: http.MethodPost, Timeout: 10 * time.Second}
}

var _ notifier.Notifier = (*Notifier)(nil)

type Notifier struct {
	name    string
	cfg     *Config
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  lg.Logger
}

func New(name string, cfg *Config, logger lg.Logger) *Notifier {
	cbs := gobreaker.Settings{
		Name:        "webhook:" + name,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}
	return &Notifier{
		name:    name,
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: gobreaker.NewCircuitBreaker(cbs),
		logger:  logger,
	}
}

func (n *Notifier) Name() string { return n.name }

// Notify sends one request. Any non-2xx response is an error.
func (n *Notifier) Notify(ctx context.Context, subject, message string) error {
	body, err := json.Marshal(notifier.NewMessage(subject, message))
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	method := n.cfg.Method
	if method == "" {
		method = http.MethodPost
	}

	_, err = n.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, method, n.cfg.URL, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range n.cfg.Headers {
			req.Header.Set(k, v)
		}

		resp, err := n.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return nil, fmt.Errorf("unexpected status %s: %s", resp.Status, bytes.TrimSpace(snippet))
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("post to %s: %w", n.cfg.URL, err)
	}
	n.logger.Info("Report delivered", lg.String("url", n.cfg.URL))
	return nil
}

// Definition describes a webhook notifier called name. defaults seeds every
// fresh configuration; nil means DefaultConfig.
func Definition(name string, defaults func() *Config) registry.Definition {
	if defaults == nil {
		defaults = DefaultConfig
	}
	return registry.Definition{
		Name:        name,
		Description: "Delivers the report as JSON over HTTP",
		Prototype:   (*Notifier)(nil),
		Config:      func() registry.Config { return defaults() },
		New: func(cfg registry.Config, logger lg.Logger) (any, error) {
			c, ok := cfg.(*Config)
			if !ok {
				return nil, fmt.Errorf("webhook: unexpected config type %T", cfg)
			}
			return New(name, c, logger), nil
		},
	}
}

// Register adds the webhook notifier to reg under Kind.
func Register(reg *registry.Registry) error {
	return reg.Register(Definition(Kind, nil))
}
