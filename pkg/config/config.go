// Package config loads the top-level configuration of a run and decodes the
// per-component sections into the configuration types their registry
// entries declare.
package config

import (
	"errors"
	"fmt"
	"sort"

	"github.com/andrej220/opsflow/pkg/config/configstore"
	"github.com/andrej220/opsflow/pkg/config/filestore"
	"github.com/andrej220/opsflow/pkg/config/mongostore"
	"github.com/andrej220/opsflow/pkg/registry"
	"github.com/andrej220/opsflow/pkg/result"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type StoreType int

const (
	FileStore StoreType = iota
	MongoStore
)

const DefaultLogFile = "/var/log/opsflow.log"

var (
	ErrInvalidStoreType = errors.New("invalid store type")
	ErrInvalidConfig    = errors.New("invalid configuration")
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// severity accepts every spelling result.ParseSeverity does
	if err := v.RegisterValidation("severity", func(fl validator.FieldLevel) bool {
		_, err := result.ParseSeverity(fl.Field().String())
		return err == nil
	}); err != nil {
		panic(err)
	}
	return v
}

// Validate checks v against its validate struct tags.
func Validate(v any) error {
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

type FileConfig struct {
	Path string `yaml:"path" json:"path" validate:"required"`
}

type MongoConfig struct {
	URI      string `yaml:"uri" json:"uri" validate:"required"`
	DBName   string `yaml:"dbName" json:"dbName" validate:"required"`
	CollName string `yaml:"collName" json:"collName" validate:"required"`
	ID       string `yaml:"id" json:"id" validate:"required"` // Document ID
}

func NewStore(storeType StoreType, cfg any) (configstore.ConfigStore, error) {
	switch storeType {
	case FileStore:
		fileCfg, ok := cfg.(*FileConfig)
		if !ok {
			return nil, fmt.Errorf("invalid config type for file store, expected *FileConfig")
		}
		if err := Validate(fileCfg); err != nil {
			return nil, err
		}
		return filestore.New(fileCfg.Path), nil
	case MongoStore:
		mongoCfg, ok := cfg.(*MongoConfig)
		if !ok {
			return nil, fmt.Errorf("invalid config type for mongo store, expected *MongoConfig")
		}
		if err := Validate(mongoCfg); err != nil {
			return nil, err
		}
		return mongostore.New(mongoCfg.URI, mongoCfg.DBName, mongoCfg.CollName, mongoCfg.ID)
	default:
		return nil, ErrInvalidStoreType
	}
}

type Logging struct {
	File   string `yaml:"file"`
	Debug  bool   `yaml:"debug"`
	Format string `yaml:"format" validate:"omitempty,oneof=console json"`
}

// Document is the configuration as stored. Component sections stay
// undecoded until the registries that define their types are known.
type Document struct {
	DryRun    bool                 `yaml:"dry_run"`
	Logging   Logging              `yaml:"logging"`
	Plugins   map[string]yaml.Node `yaml:"plugins"`
	Notifiers map[string]yaml.Node `yaml:"notifiers"`
}

// Core is the decoded configuration of one run.
type Core struct {
	DryRun    bool
	Logging   Logging
	Plugins   map[string]registry.Config
	Notifiers map[string]registry.Config
	// Unknown lists "section.name" for configured components that no
	// registry entry matched.
	Unknown []string
}

func DefaultDocument() *Document {
	return &Document{Logging: Logging{File: DefaultLogFile, Format: "console"}}
}

// Load reads a Document from store.
func Load(store configstore.ConfigStore) (*Document, error) {
	doc := DefaultDocument()
	if err := store.Load(doc); err != nil {
		return nil, err
	}
	if err := Validate(doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// LoadFile reads a Document from a YAML or TOML file.
func LoadFile(path string) (*Document, error) {
	return Load(filestore.New(path))
}

// Build decodes every component section into a fresh config of the
// matching registry entry and validates it. Sections without a matching
// entry are listed in Core.Unknown.
func (d *Document) Build(plugins, notifiers *registry.Registry) (*Core, error) {
	core := &Core{DryRun: d.DryRun, Logging: d.Logging}

	var err error
	if core.Plugins, err = decodeSection("plugins", d.Plugins, plugins, &core.Unknown); err != nil {
		return nil, err
	}
	if core.Notifiers, err = decodeSection("notifiers", d.Notifiers, notifiers, &core.Unknown); err != nil {
		return nil, err
	}
	return core, nil
}

func decodeSection(section string, nodes map[string]yaml.Node, reg *registry.Registry, unknown *[]string) (map[string]registry.Config, error) {
	names := make([]string, 0, len(nodes))
	for name := range nodes {
		names = append(names, name)
	}
	sort.Strings(names)

	configs := make(map[string]registry.Config, len(nodes))
	for _, name := range names {
		entry, ok := reg.Lookup(name)
		if !ok {
			*unknown = append(*unknown, section+"."+name)
			continue
		}

		cfg := entry.NewConfig()
		node := nodes[name]
		if !isNull(&node) {
			if err := node.Decode(cfg); err != nil {
				return nil, fmt.Errorf("%w: %s.%s: %w", ErrInvalidConfig, section, name, err)
			}
		}
		if err := Validate(cfg); err != nil {
			return nil, fmt.Errorf("%s.%s: %w", section, name, err)
		}
		configs[name] = cfg
	}
	return configs, nil
}

func isNull(n *yaml.Node) bool {
	return n.Kind == 0 || (n.Kind == yaml.ScalarNode && n.Tag == "!!null")
}
