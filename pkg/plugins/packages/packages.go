// Package packages implements a plugin that keeps a set of system packages
// installed, optionally pinned to a version.
package packages

import (
	"context"
	"fmt"

	"github.com/andrej220/opsflow/pkg/lg"
	"github.com/andrej220/opsflow/pkg/plugin"
	"github.com/andrej220/opsflow/pkg/registry"
	"github.com/andrej220/opsflow/pkg/result"
	"github.com/andrej220/opsflow/pkg/runctx"
)

const Kind = "packages"

type Package struct {
	Name string `yaml:"name" validate:"required"`
	// Version pins the package. Empty accepts any installed version and
	// installs the candidate when missing.
	Version string `yaml:"version"`
}

type Config struct {
	plugin.BaseConfig `yaml:",inline"`
	Packages          []Package `yaml:"packages" validate:"dive"`
}

func DefaultConfig() *Config {
	return &Config{BaseConfig: plugin.BaseConfig{Enabled: true}}
}

var (
	_ plugin.Plugin   = (*Plugin)(nil)
	_ plugin.Setupper = (*Plugin)(nil)
)

type Plugin struct {
	name   string
	cfg    *Config
	logger lg.Logger
	rc     *runctx.Context
}

func New(name string, cfg *Config, logger lg.Logger, rc *runctx.Context) *Plugin {
	return &Plugin{name: name, cfg: cfg, logger: logger, rc: rc}
}

func (p *Plugin) Name() string { return p.name }

func (p *Plugin) Setup(_ context.Context) error {
	if p.rc == nil || p.rc.PackageManager() == nil {
		return fmt.Errorf("no package manager available")
	}
	return nil
}

func (p *Plugin) Run(ctx context.Context) error {
	for _, pkg := range p.cfg.Packages {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.ensure(ctx, pkg)
	}
	return nil
}

func (p *Plugin) ensure(ctx context.Context, pkg Package) {
	step := p.name + ":" + pkg.Name
	logger := p.logger.With(lg.String("package", pkg.Name))
	pm := p.rc.PackageManager()

	installed, err := pm.Installed(ctx, pkg.Name)
	if err != nil {
		p.add(step, result.Error, fmt.Sprintf("Failed to query %s: %v", pkg.Name, err))
		return
	}
	if installed != "" && (pkg.Version == "" || pkg.Version == installed) {
		logger.Debug("Package already installed", lg.String("version", installed))
		return
	}

	target := pkg.Version
	if target == "" {
		target, err = pm.Candidate(ctx, pkg.Name)
		if err != nil {
			p.add(step, result.Error, fmt.Sprintf("Failed to resolve candidate for %s: %v", pkg.Name, err))
			return
		}
		if target == "" {
			p.add(step, result.Warning, fmt.Sprintf("No installation candidate for %s", pkg.Name))
			return
		}
	}

	if p.rc.DryRun() {
		p.add(step, result.Info, fmt.Sprintf("Dry-run: would install %s=%s", pkg.Name, target))
		return
	}

	logger.Info("Installing package", lg.String("version", target), lg.String("installed", installed))
	r, err := pm.Install(ctx, pkg.Name, pkg.Version)
	switch {
	case err != nil:
		p.add(step, result.Error, fmt.Sprintf("Failed to install %s: %v", pkg.Name, err))
	case r != nil:
		p.rc.AddResult(r)
	default:
		p.add(step, result.Info, fmt.Sprintf("Installed %s=%s", pkg.Name, target))
	}
}

func (p *Plugin) add(step string, severity result.Severity, msg string) {
	r := result.New(step, severity, msg)
	p.rc.AddResult(&r)
}

// Definition describes a packages plugin called name. defaults seeds every
// fresh configuration; nil means DefaultConfig.
func Definition(name string, defaults func() *Config) registry.Definition {
	if defaults == nil {
		defaults = DefaultConfig
	}
	return registry.Definition{
		Name:        name,
		Description: "Ensures system packages are installed",
		Prototype:   (*Plugin)(nil),
		Config:      func() registry.Config { return defaults() },
		NewWithContext: func(cfg registry.Config, logger lg.Logger, rc *runctx.Context) (any, error) {
			c, ok := cfg.(*Config)
			if !ok {
				return nil, fmt.Errorf("packages: unexpected config type %T", cfg)
			}
			return New(name, c, logger, rc), nil
		},
	}
}

func Register(reg *registry.Registry) error {
	return reg.Register(Definition(Kind, nil))
}
