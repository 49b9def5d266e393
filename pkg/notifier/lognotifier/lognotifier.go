// Package lognotifier writes reports to the process log.
package lognotifier

import (
	"context"
	"fmt"

	"github.com/andrej220/opsflow/pkg/lg"
	"github.com/andrej220/opsflow/pkg/notifier"
	"github.com/andrej220/opsflow/pkg/registry"
)

// Kind is the name the log notifier is registered under.
const Kind = "log"

type Config struct {
	notifier.BaseConfig `yaml:",inline"`
	Level               string `yaml:"level" validate:"omitempty,oneof=debug info warn"`
}

func DefaultConfig() *Config {
	return &Config{Level: "info"}
}

var _ notifier.Notifier = (*Notifier)(nil)

type Notifier struct {
	name   string
	level  string
	logger lg.Logger
}

func New(name string, cfg *Config, logger lg.Logger) *Notifier {
	return &Notifier{name: name, level: cfg.Level, logger: logger}
}

func (n *Notifier) Name() string { return n.name }

func (n *Notifier) Notify(_ context.Context, subject, message string) error {
	fields := []lg.Field{lg.String("subject", subject), lg.String("report", message)}
	switch n.level {
	case "debug":
		n.logger.Debug("Report", fields...)
	case "warn":
		n.logger.Warn("Report", fields...)
	default:
		n.logger.Info("Report", fields...)
	}
	return nil
}

// Definition describes a log notifier called name. defaults seeds every
// fresh configuration; nil means DefaultConfig.
func Definition(name string, defaults func() *Config) registry.Definition {
	if defaults == nil {
		defaults = DefaultConfig
	}
	return registry.Definition{
		Name:        name,
		Description: "Writes the report to the log",
		Prototype:   (*Notifier)(nil),
		Config:      func() registry.Config { return defaults() },
		New: func(cfg registry.Config, logger lg.Logger) (any, error) {
			c, ok := cfg.(*Config)
			if !ok {
				return nil, fmt.Errorf("log: unexpected config type %T", cfg)
			}
			return New(name, c, logger), nil
		},
	}
}

// Register adds the log notifier to reg under Kind.
func Register(reg *registry.Registry) error {
	return reg.Register(Definition(Kind, nil))
}
