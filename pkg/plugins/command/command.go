// Package command implements a plugin that runs a configured list of
// commands through the run's command runner.
package command

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/andrej220/opsflow/internal/processor"
	"github.com/andrej220/opsflow/pkg/executor"
	"github.com/andrej220/opsflow/pkg/lg"
	"github.com/andrej220/opsflow/pkg/plugin"
	"github.com/andrej220/opsflow/pkg/registry"
	"github.com/andrej220/opsflow/pkg/result"
	"github.com/andrej220/opsflow/pkg/runctx"
)

// Kind is the name the command plugin is registered under.
const Kind = "command"

// Step is one command invocation.
type Step struct {
	Name string            `yaml:"name" validate:"required"`
	Args []string          `yaml:"args" validate:"required,min=1"`
	Env  map[string]string `yaml:"env"`
	Dir  string            `yaml:"dir"`
	Sudo bool              `yaml:"sudo"`
	// Severity of the result recorded when the command fails.
	Severity string `yaml:"severity" validate:"omitempty,severity"`
	// Capture records the processed stdout as an INFO result.
	Capture  bool     `yaml:"capture"`
	Process  []string `yaml:"process"`
	NodeType string   `yaml:"node_type" validate:"omitempty,oneof=string array object"`
}

type Config struct {
	plugin.BaseConfig `yaml:",inline"`
	Steps             []Step `yaml:"steps" validate:"dive"`
	// Cleanup steps run during teardown.
	Cleanup []Step `yaml:"cleanup" validate:"dive"`
	// StopOnError aborts the run at the first failing step.
	StopOnError bool `yaml:"stop_on_error"`
}

func DefaultConfig() *Config {
	return &Config{BaseConfig: plugin.BaseConfig{Enabled: true}}
}

var (
	_ plugin.Plugin     = (*Plugin)(nil)
	_ plugin.Setupper   = (*Plugin)(nil)
	_ plugin.Teardowner = (*Plugin)(nil)
)

type Plugin struct {
	name   string
	cfg    *Config
	logger lg.Logger
	rc     *runctx.Context
	chain  *processor.Chain
}

func New(name string, cfg *Config, logger lg.Logger, rc *runctx.Context) *Plugin {
	return &Plugin{name: name, cfg: cfg, logger: logger, rc: rc, chain: processor.NewChain()}
}

func (p *Plugin) Name() string { return p.name }

// Setup checks that every step can be executed and post-processed.
func (p *Plugin) Setup(_ context.Context) error {
	if p.rc == nil || p.rc.Runner() == nil {
		return fmt.Errorf("no command runner available")
	}
	for _, s := range append(append([]Step(nil), p.cfg.Steps...), p.cfg.Cleanup...) {
		for _, name := range s.Process {
			if !p.chain.Has(name) {
				return fmt.Errorf("step %s: unknown processor %q", s.Name, name)
			}
		}
		if s.Severity != "" {
			if _, err := result.ParseSeverity(s.Severity); err != nil {
				return fmt.Errorf("step %s: %w", s.Name, err)
			}
		}
	}
	return nil
}

// Run executes the steps in order. A failing step is recorded under
// <plugin>:<step> at its severity. With StopOnError, a failing ERROR step
// ends the run instead and is reported only as the run's error.
func (p *Plugin) Run(ctx context.Context) error {
	return p.runSteps(ctx, p.cfg.Steps, p.cfg.StopOnError)
}

// Teardown runs the cleanup steps. The first failing ERROR step ends the
// teardown and is returned; cleanup steps with a lower severity are
// recorded and do not stop it.
func (p *Plugin) Teardown(ctx context.Context) error {
	return p.runSteps(ctx, p.cfg.Cleanup, true)
}

func (p *Plugin) runSteps(ctx context.Context, steps []Step, stopOnError bool) error {
	for _, s := range steps {
		err := p.runStep(ctx, s)
		if err == nil {
			continue
		}
		severity := severityOf(s)
		if stopOnError && severity == result.Error {
			return fmt.Errorf("step %s: %w", s.Name, err)
		}
		r := result.New(p.name+":"+s.Name, severity, err.Error())
		p.rc.AddResult(&r)
	}
	return nil
}

// runStep executes s and records its captured output. A failed command is
// returned, not recorded.
func (p *Plugin) runStep(ctx context.Context, s Step) error {
	step := p.name + ":" + s.Name
	logger := p.logger.With(lg.String("step", s.Name))
	logger.Debug("Running step")

	out, err := p.rc.Runner().Run(ctx, executor.Command{
		Args: s.Args,
		Env:  s.Env,
		Dir:  s.Dir,
		Sudo: s.Sudo,
	})
	if err == nil && out.ExitCode != 0 {
		err = fmt.Errorf("exit status %d: %s", out.ExitCode, strings.TrimSpace(out.Stderr))
	}
	if err != nil {
		msg := fmt.Sprintf("Command %s failed: %v", strings.Join(s.Args, " "), err)
		logger.Error(msg)
		return errors.New(msg)
	}

	if s.Capture {
		lines, err := p.process(out.Stdout, s)
		if err != nil {
			r := result.New(step, result.Warning, fmt.Sprintf("Output processing failed: %v", err))
			p.rc.AddResult(&r)
			return nil
		}
		r := result.New(step, result.Info, strings.Join(lines, "\n"))
		p.rc.AddResult(&r)
	}
	return nil
}

func (p *Plugin) process(stdout string, s Step) ([]string, error) {
	nodeType := processor.NodeType(s.NodeType)
	if nodeType == "" {
		nodeType = processor.NodeTypeString
	}
	lines := strings.Split(strings.TrimRight(stdout, "\n"), "\n")
	if len(s.Process) == 0 {
		return lines, nil
	}
	return p.chain.Process(lines, nodeType, s.Process...)
}

func severityOf(s Step) result.Severity {
	if sev, err := result.ParseSeverity(s.Severity); err == nil {
		return sev
	}
	return result.Error
}

// Definition describes a command plugin called name. defaults seeds every
// fresh configuration; nil means DefaultConfig.
func Definition(name string, defaults func() *Config) registry.Definition {
	if defaults == nil {
		defaults = DefaultConfig
	}
	return registry.Definition{
		Name:        name,
		Description: "Runs a list of commands",
		Prototype:   (*Plugin)(nil),
		Config:      func() registry.Config { return defaults() },
		NewWithContext: func(cfg registry.Config, logger lg.Logger, rc *runctx.Context) (any, error) {
			c, ok := cfg.(*Config)
			if !ok {
				return nil, fmt.Errorf("command: unexpected config type %T", cfg)
			}
			return New(name, c, logger, rc), nil
		},
	}
}

// Register adds the command plugin to reg under Kind.
func Register(reg *registry.Registry) error {
	return reg.Register(Definition(Kind, nil))
}
