package workflow

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andrej220/opsflow/pkg/config"
	"github.com/andrej220/opsflow/pkg/executor"
	"github.com/andrej220/opsflow/pkg/lg"
	"github.com/andrej220/opsflow/pkg/notifier"
	"github.com/andrej220/opsflow/pkg/pkgmgr"
	"github.com/andrej220/opsflow/pkg/plugin"
	"github.com/andrej220/opsflow/pkg/plugins/command"
	"github.com/andrej220/opsflow/pkg/registry"
	"github.com/andrej220/opsflow/pkg/result"
	"github.com/andrej220/opsflow/pkg/runctx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"gopkg.in/yaml.v3"
)

// fakePlugin counts its phases and fails the ones it is told to.
type fakePlugin struct {
	name        string
	setupErr    error
	runErr      error
	teardownErr error
	runPanic    any
	onRun       func(name string)

	setups, runs, teardowns atomic.Int32
	rc                      *runctx.Context
}

func (p *fakePlugin) Name() string { return p.name }

func (p *fakePlugin) Setup(context.Context) error {
	p.setups.Add(1)
	return p.setupErr
}

func (p *fakePlugin) Run(context.Context) error {
	p.runs.Add(1)
	if p.onRun != nil {
		p.onRun(p.name)
	}
	if p.runPanic != nil {
		panic(p.runPanic)
	}
	return p.runErr
}

func (p *fakePlugin) Teardown(context.Context) error {
	p.teardowns.Add(1)
	return p.teardownErr
}

// runOnly has no optional phases.
type runOnly struct{ ran bool }

func (p *runOnly) Name() string { return "run-only" }

func (p *runOnly) Run(context.Context) error {
	p.ran = true
	return nil
}

type fakeNotifier struct {
	name     string
	err      error
	subjects []string
	messages []string
	closed   bool
}

func (n *fakeNotifier) Name() string { return n.name }

func (n *fakeNotifier) Notify(_ context.Context, subject, message string) error {
	n.subjects = append(n.subjects, subject)
	n.messages = append(n.messages, message)
	return n.err
}

func (n *fakeNotifier) Close() error {
	n.closed = true
	return nil
}

type fakeSystem struct {
	updateErr, rebootErr error
	panicOnUpdate        bool
	calls                []string
	rc                   *runctx.Context
}

func (s *fakeSystem) Attach(_ lg.Logger, rc *runctx.Context) { s.rc = rc }

func (s *fakeSystem) Update(context.Context) error {
	s.calls = append(s.calls, "update")
	if s.panicOnUpdate {
		panic("apt exploded")
	}
	return s.updateErr
}

func (s *fakeSystem) CheckRebootRequired(context.Context) error {
	s.calls = append(s.calls, "reboot")
	return s.rebootErr
}

func (s *fakeSystem) CheckNewStableAvailable(context.Context) error {
	s.calls = append(s.calls, "release")
	return nil
}

type nopRunner struct{}

func (nopRunner) Run(context.Context, executor.Command) (executor.Output, error) {
	return executor.Output{}, nil
}

func (nopRunner) RunAsResult(context.Context, executor.Command, string) *result.Result { return nil }

type fixture struct {
	plugins   *registry.Registry
	notifiers *registry.Registry
	core      *config.Core
}

func newFixture() *fixture {
	return &fixture{
		plugins:   plugin.NewRegistry(),
		notifiers: notifier.NewRegistry(),
		core: &config.Core{
			Plugins:   map[string]registry.Config{},
			Notifiers: map[string]registry.Config{},
		},
	}
}

func (f *fixture) addPlugin(t *testing.T, p plugin.Plugin, enabled bool) {
	t.Helper()
	name := p.Name()
	require.NoError(t, f.plugins.Register(registry.Definition{
		Name:      name,
		Prototype: p,
		NewWithContext: func(_ registry.Config, _ lg.Logger, rc *runctx.Context) (any, error) {
			if fp, ok := p.(*fakePlugin); ok {
				fp.rc = rc
			}
			return p, nil
		},
	}))
	f.core.Plugins[name] = &plugin.BaseConfig{Enabled: enabled}
}

func (f *fixture) addNotifier(t *testing.T, n *fakeNotifier) {
	t.Helper()
	require.NoError(t, f.notifiers.Register(registry.Definition{
		Name:      n.name,
		Prototype: n,
		New:       func(registry.Config, lg.Logger) (any, error) { return n, nil },
	}))
	f.core.Notifiers[n.name] = &notifier.BaseConfig{Enabled: true}
}

func (f *fixture) options() Options {
	return Options{
		Config:    f.core,
		Plugins:   f.plugins,
		Notifiers: f.notifiers,
		NewRunner: func(bool, lg.Logger) (executor.Runner, error) { return nopRunner{}, nil },
	}
}

func (f *fixture) workflow(t *testing.T) *Workflow {
	t.Helper()
	w, err := New(f.options())
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w
}

type stepSeverity struct {
	Step     string
	Severity result.Severity
}

func outcomes(rs []result.Result) []stepSeverity {
	out := make([]stepSeverity, 0, len(rs))
	for _, r := range rs {
		out = append(out, stepSeverity{r.Step, r.Severity})
	}
	return out
}

func TestSetupFailureAbortsLifecycle(t *testing.T) {
	f := newFixture()
	p := &fakePlugin{name: "X", setupErr: errors.New("boom")}
	f.addPlugin(t, p, true)
	w := f.workflow(t)

	w.RunPlugins(context.Background(), false, 0)

	results := w.Results()
	require.Len(t, results, 1)
	assert.Equal(t, "plugin:setup:X", results[0].Step)
	assert.Equal(t, result.Error, results[0].Severity)
	assert.Contains(t, results[0].Message, "boom")
	assert.EqualValues(t, 0, p.runs.Load())
	assert.EqualValues(t, 0, p.teardowns.Load())
}

func TestRunFailureStillTearsDown(t *testing.T) {
	f := newFixture()
	p := &fakePlugin{name: "X", runErr: errors.New("run broke")}
	f.addPlugin(t, p, true)
	w := f.workflow(t)

	w.RunPlugins(context.Background(), false, 0)

	assert.Equal(t, []stepSeverity{{"plugin:run:X", result.Error}}, outcomes(w.Results()))
	assert.EqualValues(t, 1, p.teardowns.Load())
}

func TestTeardownFailureIsWarning(t *testing.T) {
	f := newFixture()
	p := &fakePlugin{name: "X", teardownErr: errors.New("leftovers")}
	f.addPlugin(t, p, true)
	w := f.workflow(t)

	w.RunPlugins(context.Background(), false, 0)

	assert.Equal(t, []stepSeverity{{"plugin:teardown:X", result.Warning}}, outcomes(w.Results()))
	assert.Equal(t, result.Warning, w.Overall())
}

func TestPanicIsContainedToItsPhase(t *testing.T) {
	f := newFixture()
	bad := &fakePlugin{name: "bad", runPanic: "nil map"}
	good := &fakePlugin{name: "good"}
	f.addPlugin(t, bad, true)
	f.addPlugin(t, good, true)
	w := f.workflow(t)

	w.RunPlugins(context.Background(), false, 0)

	results := w.Results()
	require.Len(t, results, 1)
	assert.Equal(t, "plugin:run:bad", results[0].Step)
	assert.Contains(t, results[0].Message, "nil map")
	assert.EqualValues(t, 1, bad.teardowns.Load())
	assert.EqualValues(t, 1, good.runs.Load())
}

func TestPluginWithoutOptionalPhases(t *testing.T) {
	f := newFixture()
	p := &runOnly{}
	f.addPlugin(t, p, true)
	w := f.workflow(t)

	w.RunPlugins(context.Background(), false, 0)
	assert.True(t, p.ran)
	assert.Empty(t, w.Results())
}

func TestPluginsRunInRegistrationOrder(t *testing.T) {
	f := newFixture()
	var order []string
	record := func(name string) { order = append(order, name) }
	f.addPlugin(t, &fakePlugin{name: "A", onRun: record}, true)
	f.addPlugin(t, &fakePlugin{name: "B", onRun: record}, false)
	f.addPlugin(t, &fakePlugin{name: "C", onRun: record}, true)
	// C configured before A must not change the order
	f.core.Plugins = map[string]registry.Config{
		"C": &plugin.BaseConfig{Enabled: true},
		"A": &plugin.BaseConfig{Enabled: true},
	}
	w := f.workflow(t)

	assert.Equal(t, []string{"A", "C"}, w.Plugins())
	w.RunPlugins(context.Background(), false, 0)
	assert.Equal(t, []string{"A", "C"}, order)
}

func TestParallelMatchesSequential(t *testing.T) {
	build := func() *Workflow {
		f := newFixture()
		f.addPlugin(t, &fakePlugin{name: "P1"}, true)
		f.addPlugin(t, &fakePlugin{name: "P2", runErr: errors.New("failed")}, true)
		f.addPlugin(t, &fakePlugin{name: "P3", teardownErr: errors.New("dirty")}, true)
		return f.workflow(t)
	}

	seq := build()
	seq.RunPlugins(context.Background(), false, 0)
	par := build()
	par.RunPlugins(context.Background(), true, 2)

	assert.ElementsMatch(t, outcomes(seq.Results()), outcomes(par.Results()))
	assert.Len(t, par.Results(), 2)
}

func TestParallelRespectsMaxWorkers(t *testing.T) {
	f := newFixture()
	var running, peak atomic.Int32
	track := func(string) {
		n := running.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
	}
	var plugins []*fakePlugin
	for _, name := range []string{"a", "b", "c", "d", "e", "f"} {
		p := &fakePlugin{name: name, onRun: track}
		plugins = append(plugins, p)
		f.addPlugin(t, p, true)
	}
	w := f.workflow(t)

	w.RunPlugins(context.Background(), true, 2)

	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.GreaterOrEqual(t, peak.Load(), int32(1))
	for _, p := range plugins {
		assert.EqualValues(t, 1, p.teardowns.Load(), p.name)
	}
}

func TestRunSystemUpdateStopsAtFirstFailure(t *testing.T) {
	f := newFixture()
	p := &fakePlugin{name: "X"}
	f.addPlugin(t, p, true)
	sys := &fakeSystem{updateErr: errors.New("apt lock held")}
	opts := f.options()
	opts.SystemManager = sys
	w, err := New(opts)
	require.NoError(t, err)
	defer w.Close()

	w.RunAll(context.Background())

	assert.Equal(t, []string{"update"}, sys.calls)
	assert.Same(t, w.Context(), sys.rc)
	results := w.Results()
	require.Len(t, results, 1)
	assert.Equal(t, result.New(StepSystemUpdate, result.Error, "apt lock held"), results[0])
	assert.EqualValues(t, 1, p.runs.Load())
}

func TestRunSystemUpdateSequence(t *testing.T) {
	tests := []struct {
		name      string
		sys       *fakeSystem
		wantCalls []string
		wantErr   bool
	}{
		{name: "all checks", sys: &fakeSystem{}, wantCalls: []string{"update", "reboot", "release"}},
		{name: "reboot check fails", sys: &fakeSystem{rebootErr: errors.New("stat")}, wantCalls: []string{"update", "reboot"}, wantErr: true},
		{name: "update panics", sys: &fakeSystem{panicOnUpdate: true}, wantCalls: []string{"update"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := newFixture().options()
			opts.SystemManager = tt.sys
			w, err := New(opts)
			require.NoError(t, err)
			defer w.Close()

			w.RunSystemUpdate(context.Background())
			assert.Equal(t, tt.wantCalls, tt.sys.calls)
			if tt.wantErr {
				assert.Equal(t, []stepSeverity{{StepSystemUpdate, result.Error}}, outcomes(w.Results()))
			} else {
				assert.Empty(t, w.Results())
			}
		})
	}
}

func TestRunSystemUpdateWithoutManager(t *testing.T) {
	w := newFixture().workflow(t)
	w.RunSystemUpdate(context.Background())
	assert.Empty(t, w.Results())
}

func TestProcessResultsDeliversReport(t *testing.T) {
	f := newFixture()
	f.addPlugin(t, &fakePlugin{name: "X", runErr: errors.New("disk full")}, true)
	n := &fakeNotifier{name: "recorder"}
	f.addNotifier(t, n)
	w := f.workflow(t)

	w.RunPlugins(context.Background(), false, 0)
	w.ProcessResults(context.Background())

	require.Len(t, n.messages, 1)
	assert.Equal(t, "Workflow Report", n.subjects[0])
	assert.Contains(t, n.messages[0], "Maintenance Summary")
	assert.Contains(t, n.messages[0], "Step:    plugin:run:X")
	assert.Contains(t, n.messages[0], "Plugin phase failed")

	require.NoError(t, w.Close())
	assert.True(t, n.closed)
}

func TestProcessResultsSwallowsNotifierErrors(t *testing.T) {
	f := newFixture()
	first := &fakeNotifier{name: "first", err: errors.New("smtp down")}
	second := &fakeNotifier{name: "second"}
	f.addNotifier(t, first)
	f.addNotifier(t, second)
	w := f.workflow(t)

	assert.NotPanics(t, func() { w.ProcessResults(context.Background()) })
	assert.Len(t, first.messages, 1)
	assert.Empty(t, second.messages)
	assert.Empty(t, w.Results())
}

func TestModuleLoadFailuresAreRecorded(t *testing.T) {
	f := newFixture()
	opts := f.options()
	missing := filepath.Join(t.TempDir(), "missing")
	opts.PluginDir = missing
	opts.NotifierDir = missing
	w, err := New(opts)
	require.NoError(t, err)
	defer w.Close()

	assert.Equal(t, []stepSeverity{
		{StepLoadPlugins, result.Error},
		{StepLoadNotifiers, result.Error},
	}, outcomes(w.Results()))
}

func TestNewRejectsConfigAndPath(t *testing.T) {
	opts := newFixture().options()
	opts.ConfigPath = "config.yaml"
	_, err := New(opts)
	assert.ErrorIs(t, err, ErrConfigConflict)
}

func TestNewPropagatesConstructionErrors(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.plugins.Register(registry.Definition{
		Name:      "broken",
		Prototype: (*fakePlugin)(nil),
		New:       func(registry.Config, lg.Logger) (any, error) { return nil, errors.New("no socket") },
	}))
	f.core.Plugins["broken"] = &plugin.BaseConfig{Enabled: true}

	_, err := New(f.options())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no socket")
}

type stubPM struct{}

func (stubPM) Update(context.Context, bool) (*result.Result, error)            { return nil, nil }
func (stubPM) Upgrade(context.Context, bool) (*result.Result, error)           { return nil, nil }
func (stubPM) Install(context.Context, string, string) (*result.Result, error) { return nil, nil }
func (stubPM) Installed(context.Context, string) (string, error)               { return "", nil }
func (stubPM) Candidate(context.Context, string) (string, error)               { return "", nil }

func TestRunContextIsShared(t *testing.T) {
	f := newFixture()
	f.core.DryRun = true
	p := &fakePlugin{name: "X"}
	f.addPlugin(t, p, true)
	opts := f.options()
	var gotDryRun bool
	opts.NewRunner = func(dryRun bool, _ lg.Logger) (executor.Runner, error) {
		gotDryRun = dryRun
		return nopRunner{}, nil
	}
	opts.NewPackageManager = func(executor.Runner) pkgmgr.PackageManager { return stubPM{} }
	w, err := New(opts)
	require.NoError(t, err)
	defer w.Close()

	assert.True(t, gotDryRun)
	require.NotNil(t, p.rc)
	assert.Same(t, w.Context(), p.rc)
	assert.True(t, p.rc.DryRun())
	assert.Equal(t, w.RunID(), p.rc.RunID())
	assert.IsType(t, &pkgmgr.ThreadSafe{}, p.rc.PackageManager())

	r := result.New("plugin-step", result.Info, "from plugin")
	p.rc.AddResult(&r)
	assert.Equal(t, []result.Result{r}, w.Results())
}

func TestRunAllTracesPhases(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	f := newFixture()
	f.addPlugin(t, &fakePlugin{name: "X", runErr: errors.New("bad")}, true)
	opts := f.options()
	opts.Tracer = provider.Tracer("test")
	opts.SystemManager = &fakeSystem{}
	w, err := New(opts)
	require.NoError(t, err)
	defer w.Close()

	w.RunAll(context.Background())

	var names []string
	for _, s := range recorder.Ended() {
		names = append(names, s.Name())
	}
	assert.ElementsMatch(t, []string{
		"workflow.system_update",
		"plugin.lifecycle",
		"workflow.plugins",
		"workflow.process_results",
		"workflow.run",
	}, names)
}

func TestNewFromConfigFileWithManifests(t *testing.T) {
	dir := t.TempDir()
	pluginDir := filepath.Join(dir, "plugins")
	require.NoError(t, os.Mkdir(pluginDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(pluginDir, "uptime.yaml"), []byte(`
kind: command
name: uptime
config:
  steps:
    - name: load
      args: [uptime]
      capture: true
`), 0o644))

	reportPath := filepath.Join(dir, "report.txt")
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
dry_run: false
logging:
  file: ""
plugins:
  uptime:
  ghost:
    enabled: true
notifiers:
  file:
    enabled: true
    path: `+reportPath+`
    format: text
`), 0o644))

	runner := &cannedRunner{stdout: "up 3 days\n"}
	w, err := New(Options{
		ConfigPath: cfgPath,
		PluginDir:  pluginDir,
		NewRunner:  func(bool, lg.Logger) (executor.Runner, error) { return runner, nil },
	})
	require.NoError(t, err)
	defer w.Close()

	assert.Equal(t, []string{"uptime"}, w.Plugins())
	w.RunAll(context.Background())

	assert.Equal(t, []stepSeverity{
		{"config:plugins:ghost", result.Warning},
		{"uptime:load", result.Info},
	}, outcomes(w.Results()))
	assert.Equal(t, result.Warning, w.Overall())

	data, err := os.ReadFile(reportPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "up 3 days")
}

type cannedRunner struct{ stdout string }

func (c *cannedRunner) Run(context.Context, executor.Command) (executor.Output, error) {
	return executor.Output{Stdout: c.stdout}, nil
}

func (c *cannedRunner) RunAsResult(context.Context, executor.Command, string) *result.Result {
	return nil
}

// yamlStore serves a fixed YAML document.
type yamlStore struct{ doc string }

func (s yamlStore) Load(out any) error  { return yaml.Unmarshal([]byte(s.doc), out) }
func (s yamlStore) Save(data any) error { return errors.New("read-only") }

func TestNewFromConfigStore(t *testing.T) {
	f := newFixture()
	p := &fakePlugin{name: "X"}
	f.addPlugin(t, p, false)
	opts := f.options()
	opts.Config = nil
	opts.ConfigStore = yamlStore{doc: "dry_run: true\nlogging:\n  file: \"\"\nplugins:\n  X: {enabled: true}\n"}

	w, err := New(opts)
	require.NoError(t, err)
	defer w.Close()

	assert.True(t, w.Context().DryRun())
	assert.Equal(t, []string{"X"}, w.Plugins())

	opts.ConfigPath = "config.yaml"
	_, err = New(opts)
	assert.ErrorIs(t, err, ErrConfigConflict)
}

// exitRunner exits with status 1 for the commands listed in fail.
type exitRunner struct{ fail map[string]string }

func (r exitRunner) Run(_ context.Context, cmd executor.Command) (executor.Output, error) {
	if stderr, ok := r.fail[cmd.String()]; ok {
		return executor.Output{ExitCode: 1, Stderr: stderr}, nil
	}
	return executor.Output{}, nil
}

func (r exitRunner) RunAsResult(context.Context, executor.Command, string) *result.Result {
	return nil
}

func TestCommandCleanupFailureIsWarning(t *testing.T) {
	f := newFixture()
	require.NoError(t, command.Register(f.plugins))
	cfg := command.DefaultConfig()
	cfg.Steps = []command.Step{{Name: "ok", Args: []string{"true"}}}
	cfg.Cleanup = []command.Step{{Name: "clean", Args: []string{"rm", "-rf", "/tmp/x"}}}
	f.core.Plugins[command.Kind] = cfg

	opts := f.options()
	opts.NewRunner = func(bool, lg.Logger) (executor.Runner, error) {
		return exitRunner{fail: map[string]string{"rm -rf /tmp/x": "busy"}}, nil
	}
	w, err := New(opts)
	require.NoError(t, err)
	defer w.Close()

	w.RunPlugins(context.Background(), false, 0)

	results := w.Results()
	require.Len(t, results, 1)
	assert.Equal(t, "plugin:teardown:command", results[0].Step)
	assert.Equal(t, result.Warning, results[0].Severity)
	assert.Contains(t, results[0].Message, "busy")
	assert.Equal(t, result.Warning, w.Overall())
}

func TestCommandStopOnErrorRecordedOnce(t *testing.T) {
	f := newFixture()
	require.NoError(t, command.Register(f.plugins))
	cfg := command.DefaultConfig()
	cfg.StopOnError = true
	cfg.Steps = []command.Step{{Name: "fail", Args: []string{"false"}}}
	f.core.Plugins[command.Kind] = cfg

	opts := f.options()
	opts.NewRunner = func(bool, lg.Logger) (executor.Runner, error) {
		return exitRunner{fail: map[string]string{"false": ""}}, nil
	}
	w, err := New(opts)
	require.NoError(t, err)
	defer w.Close()

	w.RunPlugins(context.Background(), false, 0)

	assert.Equal(t, []stepSeverity{{"plugin:run:command", result.Error}}, outcomes(w.Results()))
}

// ctxLogged records whether its phases receive a logger through ctx.
type ctxLogged struct{ got lg.Logger }

func (p *ctxLogged) Name() string { return "ctx-logged" }

func (p *ctxLogged) Run(ctx context.Context) error {
	p.got = lg.FromContext(ctx, nil)
	return nil
}

func TestPhaseContextCarriesLogger(t *testing.T) {
	f := newFixture()
	p := &ctxLogged{}
	f.addPlugin(t, p, true)
	w := f.workflow(t)

	w.RunPlugins(context.Background(), false, 0)

	require.NotNil(t, p.got)
	p.got.Info("from plugin")
	assert.Contains(t, w.logs.String(), "from plugin")
	assert.Contains(t, w.logs.String(), "ctx-logged")
}
