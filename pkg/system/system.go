// Package system performs OS-level maintenance: package updates wrapped in
// hooks, and checks for pending reboots and new OS releases.
package system

import (
	"context"
	"errors"
	"fmt"

	"github.com/andrej220/opsflow/pkg/lg"
	"github.com/andrej220/opsflow/pkg/pkgmgr"
	"github.com/andrej220/opsflow/pkg/result"
	"github.com/andrej220/opsflow/pkg/runctx"
)

const (
	StepPackageUpdate  = "Package update"
	StepPackageUpgrade = "Package upgrade"
	StepRebootCheck    = "Reboot Check"
	StepOSUpgradeCheck = "OS Upgrade Check"
	StepOSReleaseCheck = "OS Release Check"
)

var ErrNotAttached = errors.New("system manager is not attached to a run")

// SystemManager is what a workflow drives during the system update phase.
type SystemManager interface {
	// Attach binds the manager to the logger and context of a run. It is
	// called once before any other method.
	Attach(logger lg.Logger, rc *runctx.Context)
	Update(ctx context.Context) error
	CheckRebootRequired(ctx context.Context) error
	CheckNewStableAvailable(ctx context.Context) error
}

// Runtime is what a Probe may use while answering.
type Runtime struct {
	Logger  lg.Logger
	Context *runctx.Context
}

// Probe answers the OS-specific questions of a Manager. Problems that
// should be reported without failing the check are recorded on
// rt.Context; a returned error aborts the system update phase.
type Probe interface {
	RebootRequired(ctx context.Context, rt Runtime) (bool, error)
	NewStableAvailable(ctx context.Context, rt Runtime) (bool, error)
}

// Hook runs before or after the package update.
type Hook struct {
	Name string
	Run  func(ctx context.Context) error
}

var _ SystemManager = (*Manager)(nil)

// Manager implements SystemManager on top of a PackageManager and a Probe.
type Manager struct {
	name       string
	probe      Probe
	pm         pkgmgr.PackageManager
	preUpdate  []Hook
	postUpdate []Hook

	logger lg.Logger
	rc     *runctx.Context
}

type Option func(*Manager)

// WithPackageManager sets the package manager. Without it the package
// manager of the run context is used.
func WithPackageManager(pm pkgmgr.PackageManager) Option {
	return func(m *Manager) { m.pm = pm }
}

func WithPreUpdate(hooks ...Hook) Option {
	return func(m *Manager) { m.preUpdate = append(m.preUpdate, hooks...) }
}

func WithPostUpdate(hooks ...Hook) Option {
	return func(m *Manager) { m.postUpdate = append(m.postUpdate, hooks...) }
}

func NewManager(name string, probe Probe, opts ...Option) *Manager {
	m := &Manager{name: name, probe: probe, logger: lg.Discard}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Name() string { return m.name }

func (m *Manager) Attach(logger lg.Logger, rc *runctx.Context) {
	m.logger = logger.Named("system").With(lg.String("system", m.name))
	m.rc = rc
	if m.pm == nil && rc != nil {
		m.pm = rc.PackageManager()
	}
}

// Update runs the pre-update hooks, the package update and upgrade, and the
// post-update hooks. Failures are recorded as results and do not stop the
// sequence.
func (m *Manager) Update(ctx context.Context) error {
	if m.rc == nil {
		return ErrNotAttached
	}
	if m.pm == nil {
		return fmt.Errorf("system %s: no package manager configured", m.name)
	}
	m.logger.Info("Starting system update...")

	m.runHooks(ctx, "Pre-update", m.preUpdate)

	res, err := m.pm.Update(ctx, m.rc.DryRun())
	m.record(StepPackageUpdate, res, err)

	res, err = m.pm.Upgrade(ctx, m.rc.DryRun())
	m.record(StepPackageUpgrade, res, err)

	m.logger.Info("System update completed")

	m.runHooks(ctx, "Post-update", m.postUpdate)
	return nil
}

func (m *Manager) CheckRebootRequired(ctx context.Context) error {
	if m.rc == nil {
		return ErrNotAttached
	}
	required, err := m.probe.RebootRequired(ctx, m.runtime())
	if err != nil {
		return fmt.Errorf("reboot check: %w", err)
	}
	if required {
		m.warn(StepRebootCheck, "System requires a reboot")
	}
	return nil
}

func (m *Manager) CheckNewStableAvailable(ctx context.Context) error {
	if m.rc == nil {
		return ErrNotAttached
	}
	available, err := m.probe.NewStableAvailable(ctx, m.runtime())
	if err != nil {
		return fmt.Errorf("release check: %w", err)
	}
	if available {
		m.warn(StepOSUpgradeCheck, "A new stable OS release is available")
	}
	return nil
}

func (m *Manager) runtime() Runtime {
	return Runtime{Logger: m.logger, Context: m.rc}
}

func (m *Manager) warn(step, message string) {
	m.logger.Warn(message)
	r := result.New(step, result.Warning, message)
	m.rc.AddResult(&r)
}

// record adds res, or an Error result under step when err is set.
func (m *Manager) record(step string, res *result.Result, err error) {
	if err != nil {
		m.logger.Error("Package manager call failed", lg.String("step", step), lg.Err(err))
		r := result.New(step, result.Error, err.Error())
		m.rc.AddResult(&r)
		return
	}
	m.rc.AddResult(res)
}

func (m *Manager) runHooks(ctx context.Context, phase string, hooks []Hook) {
	for _, h := range hooks {
		m.logger.Debug("Executing hook", lg.String("phase", phase), lg.String("hook", h.Name))
		if err := callHook(ctx, h); err != nil {
			m.logger.Error("Hook failed", lg.String("phase", phase), lg.String("hook", h.Name), lg.Err(err))
			r := result.New(fmt.Sprintf("%s hook %s", phase, h.Name), result.Warning, err.Error())
			m.rc.AddResult(&r)
		}
	}
}

func callHook(ctx context.Context, h Hook) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	if h.Run == nil {
		return nil
	}
	return h.Run(ctx)
}
