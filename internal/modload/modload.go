// Package modload registers components described by YAML manifests found
// in a directory.
//
// A manifest names one component and the kind that implements it:
//
//	kind: command
//	name: disk-usage
//	description: Reports disk usage
//	config:
//	  steps:
//	    - name: df
//	      args: [df, -h]
//	      capture: true
//
// The config node seeds the defaults of every configuration created for the
// component; the run configuration is decoded on top of it.
package modload

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/andrej220/opsflow/pkg/config"
	"github.com/andrej220/opsflow/pkg/lg"
	"github.com/andrej220/opsflow/pkg/registry"
	"gopkg.in/yaml.v3"
)

var ErrUnknownKind = errors.New("unknown module kind")

// Kind turns a manifest into a registry definition. defaults holds the
// manifest's config node and may be empty.
type Kind func(name string, defaults yaml.Node) (registry.Definition, error)

// Manifest is the on-disk description of a component.
type Manifest struct {
	Kind        string    `yaml:"kind" validate:"required"`
	Name        string    `yaml:"name" validate:"required,ne=unnamed"`
	Description string    `yaml:"description"`
	Config      yaml.Node `yaml:"config" validate:"-"`
}

// Loader registers manifests into one registry.
type Loader struct {
	reg    *registry.Registry
	kinds  map[string]Kind
	logger lg.Logger
}

func New(reg *registry.Registry, kinds map[string]Kind, logger lg.Logger) *Loader {
	if logger == nil {
		logger = lg.Discard
	}
	return &Loader{reg: reg, kinds: kinds, logger: logger}
}

// LoadFromDirectory registers every *.yaml and *.yml manifest directly under
// dir in lexical order. A broken manifest does not stop the others from
// loading; all failures are returned joined.
func (l *Loader) LoadFromDirectory(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read %s module directory: %w", l.reg.Kind(), err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml":
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)

	var errs []error
	for _, path := range files {
		if err := l.LoadFile(path); err != nil {
			l.logger.Error("Failed to load module", lg.String("path", path), lg.Err(err))
			errs = append(errs, err)
		}
	}
	l.logger.Debug("Modules loaded",
		lg.String("kind", l.reg.Kind()),
		lg.String("dir", dir),
		lg.Int("files", len(files)),
		lg.Int("failed", len(errs)))
	return errors.Join(errs...)
}

// LoadFile registers the manifest at path. The absolute path is the
// registration origin, so loading the same file twice is a no-op.
func (l *Loader) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read module %s: %w", path, err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("parse module %s: %w", path, err)
	}
	if err := config.Validate(&m); err != nil {
		return fmt.Errorf("module %s: %w", path, err)
	}

	kind, ok := l.kinds[m.Kind]
	if !ok {
		return fmt.Errorf("module %s: %w %q", path, ErrUnknownKind, m.Kind)
	}
	def, err := kind(m.Name, m.Config)
	if err != nil {
		return fmt.Errorf("module %s: %w", path, err)
	}

	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	def.Origin = path
	if m.Description != "" {
		def.Description = m.Description
	}
	if err := l.reg.Register(def); err != nil {
		return fmt.Errorf("module %s: %w", path, err)
	}
	l.logger.Info("Module registered",
		lg.String("kind", l.reg.Kind()),
		lg.String("name", m.Name),
		lg.String("module_kind", m.Kind))
	return nil
}

// Defaults returns a constructor for configs seeded from node. The seed is
// decoded once up front so that malformed defaults fail at load time.
func Defaults[C any](node yaml.Node, base func() *C) (func() *C, error) {
	if node.Kind == 0 {
		return base, nil
	}
	probe := base()
	if err := node.Decode(probe); err != nil {
		return nil, fmt.Errorf("decode config defaults: %w", err)
	}
	return func() *C {
		c := base()
		// already decoded successfully once
		_ = node.Decode(c)
		return c
	}, nil
}
