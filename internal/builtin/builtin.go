// Package builtin wires the components shipped with opsflow into registries
// and module loaders.
package builtin

import (
	"errors"

	"github.com/andrej220/opsflow/internal/modload"
	"github.com/andrej220/opsflow/pkg/notifier/filenotifier"
	"github.com/andrej220/opsflow/pkg/notifier/kafkanotifier"
	"github.com/andrej220/opsflow/pkg/notifier/lognotifier"
	"github.com/andrej220/opsflow/pkg/notifier/webhook"
	"github.com/andrej220/opsflow/pkg/plugins/command"
	"github.com/andrej220/opsflow/pkg/plugins/packages"
	"github.com/andrej220/opsflow/pkg/registry"
	"gopkg.in/yaml.v3"
)

// RegisterPlugins adds the built-in plugins to reg.
func RegisterPlugins(reg *registry.Registry) error {
	return errors.Join(
		command.Register(reg),
		packages.Register(reg),
	)
}

// RegisterNotifiers adds the built-in notifiers to reg.
func RegisterNotifiers(reg *registry.Registry) error {
	return errors.Join(
		lognotifier.Register(reg),
		filenotifier.Register(reg),
		webhook.Register(reg),
		kafkanotifier.Register(reg),
	)
}

// PluginKinds lists the plugin kinds a manifest may name.
func PluginKinds() map[string]modload.Kind {
	return map[string]modload.Kind{
		command.Kind: func(name string, node yaml.Node) (registry.Definition, error) {
			defaults, err := modload.Defaults(node, command.DefaultConfig)
			if err != nil {
				return registry.Definition{}, err
			}
			return command.Definition(name, defaults), nil
		},
		packages.Kind: func(name string, node yaml.Node) (registry.Definition, error) {
			defaults, err := modload.Defaults(node, packages.DefaultConfig)
			if err != nil {
				return registry.Definition{}, err
			}
			return packages.Definition(name, defaults), nil
		},
	}
}

// NotifierKinds lists the notifier kinds a manifest may name.
func NotifierKinds() map[string]modload.Kind {
	return map[string]modload.Kind{
		lognotifier.Kind: func(name string, node yaml.Node) (registry.Definition, error) {
			defaults, err := modload.Defaults(node, lognotifier.DefaultConfig)
			if err != nil {
				return registry.Definition{}, err
			}
			return lognotifier.Definition(name, defaults), nil
		},
		filenotifier.Kind: func(name string, node yaml.Node) (registry.Definition, error) {
			defaults, err := modload.Defaults(node, filenotifier.DefaultConfig)
			if err != nil {
				return registry.Definition{}, err
			}
			return filenotifier.Definition(name, defaults), nil
		},
		webhook.Kind: func(name string, node yaml.Node) (registry.Definition, error) {
			defaults, err := modload.Defaults(node, webhook.DefaultConfig)
			if err != nil {
				return registry.Definition{}, err
			}
			return webhook.Definition(name, defaults), nil
		},
		kafkanotifier.Kind: func(name string, node yaml.Node) (registry.Definition, error) {
			defaults, err := modload.Defaults(node, kafkanotifier.DefaultConfig)
			if err != nil {
				return registry.Definition{}, err
			}
			return kafkanotifier.Definition(name, defaults), nil
		},
	}
}
