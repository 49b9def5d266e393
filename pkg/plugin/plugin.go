// Package plugin defines the contract for units of work executed by a
// workflow.
package plugin

import (
	"context"

	"github.com/andrej220/opsflow/pkg/registry"
)

// Plugin is a unit of work. Run is mandatory; Setup and Teardown are
// optional and detected through Setupper and Teardowner.
type Plugin interface {
	Name() string
	Run(ctx context.Context) error
}

// Setupper is implemented by plugins that need initialization before Run.
// A failing Setup prevents Run and Teardown.
type Setupper interface {
	Setup(ctx context.Context) error
}

// Teardowner is implemented by plugins that clean up after Run. Teardown is
// called whenever Setup succeeded, whatever Run returned.
type Teardowner interface {
	Teardown(ctx context.Context) error
}

// BaseConfig is embedded by every plugin configuration. Plugins are
// enabled unless configured otherwise.
type BaseConfig struct {
	Enabled bool `yaml:"enabled"`
}

func (c BaseConfig) IsEnabled() bool { return c.Enabled }

// DefaultConfig returns the configuration used for plugins that declare no
// config type of their own.
func DefaultConfig() registry.Config {
	return &BaseConfig{Enabled: true}
}

// NewRegistry returns an empty plugin registry.
func NewRegistry() *registry.Registry {
	return registry.New("plugin", registry.Capability[Plugin](), DefaultConfig)
}
