// Package notifier defines notification backends and the composite that
// fans a report out to all of them.
package notifier

import (
	"context"
	"fmt"
	"time"

	"github.com/andrej220/opsflow/pkg/registry"
)

// Notifier delivers a subject/message pair to one backend.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, subject, message string) error
}

// BaseConfig is embedded by every notifier configuration. Notifiers are
// disabled unless configured otherwise.
type BaseConfig struct {
	Enabled bool `yaml:"enabled"`
}

func (c BaseConfig) IsEnabled() bool { return c.Enabled }

// DefaultConfig returns the configuration used for notifiers that declare no
// config type of their own.
func DefaultConfig() registry.Config {
	return &BaseConfig{}
}

// NewRegistry returns an empty notifier registry.
func NewRegistry() *registry.Registry {
	return registry.New("notifier", registry.Capability[Notifier](), DefaultConfig)
}

var _ Notifier = (*Composite)(nil)

// Composite delivers to an ordered list of notifiers and stops at the first
// failure.
type Composite struct {
	notifiers []Notifier
}

func NewComposite(ns ...Notifier) *Composite {
	return &Composite{notifiers: append([]Notifier(nil), ns...)}
}

func (c *Composite) Name() string { return "composite" }

// Add appends n.
func (c *Composite) Add(n Notifier) {
	c.notifiers = append(c.notifiers, n)
}

// Len reports the number of notifiers.
func (c *Composite) Len() int { return len(c.notifiers) }

// Notify calls every notifier in order. The first error aborts delivery to
// the remaining notifiers and is returned.
func (c *Composite) Notify(ctx context.Context, subject, message string) error {
	for _, n := range c.notifiers {
		if err := n.Notify(ctx, subject, message); err != nil {
			return fmt.Errorf("notifier %s: %w", n.Name(), err)
		}
	}
	return nil
}

// Message is the payload structured backends deliver.
type Message struct {
	Subject string    `json:"subject"`
	Message string    `json:"message"`
	SentAt  time.Time `json:"sent_at"`
}

// NewMessage stamps subject and message with the current time.
func NewMessage(subject, message string) Message {
	return Message{Subject: subject, Message: message, SentAt: time.Now().UTC()}
}
