// Package apt implements pkgmgr.PackageManager on top of apt-get, apt-cache
// and dpkg-query.
package apt

import (
	"context"
	"fmt"
	"regexp"

	"github.com/andrej220/opsflow/internal/processor"
	"github.com/andrej220/opsflow/pkg/executor"
	"github.com/andrej220/opsflow/pkg/pkgmgr"
	"github.com/andrej220/opsflow/pkg/result"
)

const (
	stepUpdate  = "System Update"
	stepUpgrade = "System Upgrade"
	stepClean   = "Remove Unused Packages"
)

var (
	_ pkgmgr.PackageManager = (*Manager)(nil)

	installedRe = regexp.MustCompile(`install ok installed (\S+)`)
	cEnv        = map[string]string{"LC_ALL": "C"}
)

// Manager drives apt through a command runner.
type Manager struct {
	runner executor.Runner
	sudo   bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithSudo runs the mutating apt-get commands through sudo.
func WithSudo() Option {
	return func(m *Manager) { m.sudo = true }
}

// New returns an apt Manager executing through runner.
func New(runner executor.Runner, opts ...Option) *Manager {
	m := &Manager{runner: runner}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Update(ctx context.Context, dryRun bool) (*result.Result, error) {
	if dryRun {
		r := result.New(stepUpdate, result.Info, "Dry-run: apt-get update skipped")
		return &r, nil
	}
	return m.runner.RunAsResult(ctx, m.command("apt-get", "update"), stepUpdate), nil
}

// Upgrade runs dist-upgrade followed by autoremove. autoremove is skipped
// when the upgrade fails.
func (m *Manager) Upgrade(ctx context.Context, dryRun bool) (*result.Result, error) {
	if r := m.runApt(ctx, stepUpgrade, dryRun, "dist-upgrade", "-y"); r != nil {
		return r, nil
	}
	return m.runApt(ctx, stepClean, dryRun, "autoremove", "-y"), nil
}

func (m *Manager) Install(ctx context.Context, pkg, version string) (*result.Result, error) {
	if pkg == "" {
		return nil, fmt.Errorf("install: package name is required")
	}
	target := pkg
	if version != "" {
		target = pkg + "=" + version
	}
	return m.runApt(ctx, "Install package "+pkg, false, "install", "-y", target), nil
}

func (m *Manager) Installed(ctx context.Context, pkg string) (string, error) {
	out, err := m.runner.Run(ctx, executor.Command{
		Args: []string{"dpkg-query", "-W", "-f=${Status} ${Version}", pkg},
		Env:  cEnv,
	})
	if err != nil {
		return "", err
	}
	if out.ExitCode != 0 {
		return "", nil
	}
	match := installedRe.FindStringSubmatch(out.Stdout)
	if match == nil {
		return "", nil
	}
	return match[1], nil
}

func (m *Manager) Candidate(ctx context.Context, pkg string) (string, error) {
	out, err := m.runner.Run(ctx, executor.Command{
		Args: []string{"apt-cache", "policy", pkg},
		Env:  cEnv,
	})
	if err != nil {
		return "", err
	}
	if out.ExitCode != 0 {
		return "", nil
	}
	kv, err := processor.ParseKeyValue([]string{out.Stdout})
	if err != nil {
		return "", fmt.Errorf("parse apt-cache policy output: %w", err)
	}
	candidate := kv["Candidate"]
	if candidate == "(none)" {
		return "", nil
	}
	return candidate, nil
}

// runApt runs apt-get with args, inserting --simulate under dry-run.
func (m *Manager) runApt(ctx context.Context, step string, dryRun bool, args ...string) *result.Result {
	argv := []string{"apt-get"}
	if dryRun {
		argv = append(argv, "--simulate")
	}
	argv = append(argv, args...)
	return m.runner.RunAsResult(ctx, m.command(argv...), step)
}

func (m *Manager) command(args ...string) executor.Command {
	return executor.Command{
		Args: args,
		Env:  map[string]string{"DEBIAN_FRONTEND": "noninteractive"},
		Sudo: m.sudo,
	}
}
