// Package filenotifier writes reports to a local file.
package filenotifier

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/andrej220/opsflow/pkg/lg"
	"github.com/andrej220/opsflow/pkg/notifier"
	"github.com/andrej220/opsflow/pkg/registry"
)

// Kind is the name the file notifier is registered under.
const Kind = "file"

type Config struct {
	notifier.BaseConfig `yaml:",inline"`
	// Path may contain {date}, replaced by the UTC date of delivery.
	Path      string `yaml:"path" validate:"required"`
	Format    string `yaml:"format" validate:"omitempty,oneof=json text"`
	Overwrite bool   `yaml:"overwrite"`
}

func DefaultConfig() *Config {
	return &Config{Path: "/var/log/opsflow/report.json", Format: "json", Overwrite: true}
}

var _ notifier.Notifier = (*Notifier)(nil)

type Notifier struct {
	name       string
	path       string
	serializer Serializer
	writer     Writer
	text       bool
	now        func() time.Time
	logger     lg.Logger
}

func New(name string, cfg *Config, logger lg.Logger) *Notifier {
	n := &Notifier{
		name:   name,
		path:   cfg.Path,
		writer: FileWriter{Overwrite: cfg.Overwrite},
		now:    time.Now,
		logger: logger,
	}
	if cfg.Format == "text" {
		n.serializer, n.text = TextSerializer{}, true
	} else {
		n.serializer = JSONSerializer{Prefix: prefix, Indent: indent}
	}
	return n
}

func (n *Notifier) Name() string { return n.name }

func (n *Notifier) Notify(_ context.Context, subject, message string) error {
	msg := notifier.NewMessage(subject, message)
	msg.SentAt = n.now().UTC()

	path := strings.ReplaceAll(n.path, "{date}", msg.SentAt.Format("2006-01-02"))

	var data any = msg
	if n.text {
		data = subject + "\n\n" + message + "\n"
	}
	if err := writeToFile(data, path, n.serializer, n.writer); err != nil {
		return fmt.Errorf("write report to %s: %w", path, err)
	}
	n.logger.Info("Report written", lg.String("path", path))
	return nil
}

// Definition describes a file notifier called name. defaults seeds every
// fresh configuration; nil means DefaultConfig.
func Definition(name string, defaults func() *Config) registry.Definition {
	if defaults == nil {
		defaults = DefaultConfig
	}
	return registry.Definition{
		Name:        name,
		Description: "Writes the report to a file",
		Prototype:   (*Notifier)(nil),
		Config:      func() registry.Config { return defaults() },
		New: func(cfg registry.Config, logger lg.Logger) (any, error) {
			c, ok := cfg.(*Config)
			if !ok {
				return nil, fmt.Errorf("file: unexpected config type %T", cfg)
			}
			return New(name, c, logger), nil
		},
	}
}

// Register adds the file notifier to reg under Kind.
func Register(reg *registry.Registry) error {
	return reg.Register(Definition(Kind, nil))
}
