// Package workflow drives one maintenance run: the optional system update,
// the plugin lifecycles and the delivery of the final report.
//
// Every runtime failure of a component is contained. It is logged, turned
// into a result and the run continues; only construction problems are
// returned to the caller.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/andrej220/opsflow/internal/builtin"
	"github.com/andrej220/opsflow/internal/modload"
	"github.com/andrej220/opsflow/internal/report"
	"github.com/andrej220/opsflow/pkg/config"
	"github.com/andrej220/opsflow/pkg/config/configstore"
	"github.com/andrej220/opsflow/pkg/executor"
	"github.com/andrej220/opsflow/pkg/factory"
	"github.com/andrej220/opsflow/pkg/lg"
	"github.com/andrej220/opsflow/pkg/notifier"
	"github.com/andrej220/opsflow/pkg/pkgmgr"
	"github.com/andrej220/opsflow/pkg/plugin"
	"github.com/andrej220/opsflow/pkg/registry"
	"github.com/andrej220/opsflow/pkg/result"
	"github.com/andrej220/opsflow/pkg/runctx"
	"github.com/andrej220/opsflow/pkg/system"
	"github.com/andrej220/opsflow/pkg/workerpool"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const DefaultConfigPath = "config.yaml"

const (
	StepSystemUpdate  = "system_update"
	StepLoadPlugins   = "module_load:plugins"
	StepLoadNotifiers = "module_load:notifiers"
)

const (
	instrumentationName = "github.com/andrej220/opsflow/pkg/workflow"

	phaseSetup    = "setup"
	phaseRun      = "run"
	phaseTeardown = "teardown"
)

var ErrConfigConflict = errors.New("only one of config, config path and config store may be set")

// Options configures a Workflow. Everything is optional.
type Options struct {
	// SystemManager performs the system update phase. Without it the phase
	// is skipped.
	SystemManager system.SystemManager

	// Config is an already built configuration. Config, ConfigPath and
	// ConfigStore are mutually exclusive; when all are empty
	// DefaultConfigPath is loaded.
	Config      *config.Core
	ConfigPath  string
	ConfigStore configstore.ConfigStore

	// PluginDir and NotifierDir hold component manifests to register
	// before the components are built.
	PluginDir   string
	NotifierDir string

	// Plugins and Notifiers default to registries holding the built-in
	// components.
	Plugins   *registry.Registry
	Notifiers *registry.Registry

	// PluginKinds and NotifierKinds are the manifest kinds accepted from
	// PluginDir and NotifierDir. They default to the built-in kinds.
	PluginKinds   map[string]modload.Kind
	NotifierKinds map[string]modload.Kind

	// NewRunner creates the command runner of the run. It defaults to a
	// local runner.
	NewRunner func(dryRun bool, logger lg.Logger) (executor.Runner, error)

	// NewPackageManager creates the package manager shared through the
	// run context. The result is serialized with pkgmgr.NewThreadSafe.
	NewPackageManager func(runner executor.Runner) pkgmgr.PackageManager

	// Tracer defaults to the global OpenTelemetry tracer provider.
	Tracer trace.Tracer
}

// Workflow owns the components and results of one run.
type Workflow struct {
	cfg     *config.Core
	runID   string
	logger  lg.Logger
	logs    *lg.Buffer
	tracer  trace.Tracer
	runner  executor.Runner
	results *result.Collector
	rc      *runctx.Context
	system  system.SystemManager

	notifier  *notifier.Composite
	notifiers []notifier.Notifier
	plugins   []plugin.Plugin
}

// New prepares a run. Module loading failures are recorded as results;
// configuration and construction failures are returned.
func New(opts Options) (*Workflow, error) {
	if countSet(opts.Config != nil, opts.ConfigPath != "", opts.ConfigStore != nil) > 1 {
		return nil, ErrConfigConflict
	}

	pluginReg, notifierReg, err := registries(opts)
	if err != nil {
		return nil, err
	}

	// Component sections can only be decoded once the modules are loaded,
	// so a config read from disk is kept as a document until then.
	var (
		doc     *config.Document
		logging config.Logging
		dryRun  bool
	)
	cfg := opts.Config
	if cfg != nil {
		logging, dryRun = cfg.Logging, cfg.DryRun
	} else {
		if doc, err = loadDocument(opts); err != nil {
			return nil, err
		}
		logging, dryRun = doc.Logging, doc.DryRun
	}

	w := &Workflow{
		runID:   uuid.NewString(),
		logs:    lg.NewBuffer(),
		results: result.NewCollector(),
		tracer:  opts.Tracer,
	}
	if w.tracer == nil {
		w.tracer = otel.Tracer(instrumentationName)
	}

	w.logger = lg.New(&lg.Config{
		ServiceName: "opsflow",
		Debug:       logging.Debug,
		Format:      logging.Format,
		File:        logging.File,
		Buffer:      w.logs,
	}).With(lg.String("run_id", w.runID))
	w.logger.Debug("Logger initialized")

	if opts.NewRunner != nil {
		w.runner, err = opts.NewRunner(dryRun, w.logger.Named("executor"))
		if err != nil {
			return nil, fmt.Errorf("create command runner: %w", err)
		}
	} else {
		w.runner = executor.NewLocal(dryRun, w.logger.Named("executor"))
	}

	rcOpts := []runctx.Option{runctx.WithRunID(w.runID)}
	if opts.NewPackageManager != nil {
		if pm := opts.NewPackageManager(w.runner); pm != nil {
			rcOpts = append(rcOpts, runctx.WithPackageManager(pkgmgr.NewThreadSafe(pm)))
		}
	}
	w.rc = runctx.New(dryRun, w.results, w.runner, rcOpts...)

	if opts.SystemManager != nil {
		opts.SystemManager.Attach(w.logger, w.rc)
		w.system = opts.SystemManager
	} else {
		w.logger.Info("No system manager provided, skipping system updates")
	}

	pluginKinds, notifierKinds := opts.PluginKinds, opts.NotifierKinds
	if pluginKinds == nil {
		pluginKinds = builtin.PluginKinds()
	}
	if notifierKinds == nil {
		notifierKinds = builtin.NotifierKinds()
	}
	w.loadModules(opts.PluginDir, StepLoadPlugins, modload.New(pluginReg, pluginKinds, w.logger.Named("modload")))
	w.loadModules(opts.NotifierDir, StepLoadNotifiers, modload.New(notifierReg, notifierKinds, w.logger.Named("modload")))

	if cfg == nil {
		if cfg, err = doc.Build(pluginReg, notifierReg); err != nil {
			w.Close()
			return nil, err
		}
	}
	w.cfg = cfg
	w.reportUnknown(cfg.Unknown)

	if err := w.buildNotifiers(notifierReg); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.buildPlugins(pluginReg); err != nil {
		w.Close()
		return nil, err
	}
	w.logger.Debug("Workflow initialized", lg.Int("plugins", len(w.plugins)), lg.Int("notifiers", len(w.notifiers)))
	return w, nil
}

func countSet(set ...bool) int {
	n := 0
	for _, ok := range set {
		if ok {
			n++
		}
	}
	return n
}

func loadDocument(opts Options) (*config.Document, error) {
	if opts.ConfigStore != nil {
		doc, err := config.Load(opts.ConfigStore)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		return doc, nil
	}
	path := opts.ConfigPath
	if path == "" {
		path = DefaultConfigPath
	}
	doc, err := config.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return doc, nil
}

func registries(opts Options) (*registry.Registry, *registry.Registry, error) {
	plugins, notifiers := opts.Plugins, opts.Notifiers
	if plugins == nil {
		plugins = plugin.NewRegistry()
		if err := builtin.RegisterPlugins(plugins); err != nil {
			return nil, nil, err
		}
	}
	if notifiers == nil {
		notifiers = notifier.NewRegistry()
		if err := builtin.RegisterNotifiers(notifiers); err != nil {
			return nil, nil, err
		}
	}
	return plugins, notifiers, nil
}

func (w *Workflow) loadModules(dir, step string, loader *modload.Loader) {
	if dir == "" {
		return
	}
	if err := loader.LoadFromDirectory(dir); err != nil {
		w.logger.Error("Failed loading modules", lg.String("dir", dir), lg.String("step", step), lg.Err(err))
		w.add(step, result.Error, err.Error())
		return
	}
	w.logger.Debug("Modules loaded from directory", lg.String("dir", dir), lg.String("step", step))
}

func (w *Workflow) reportUnknown(unknown []string) {
	for _, key := range unknown {
		section, name, _ := strings.Cut(key, ".")
		msg := fmt.Sprintf("No %s registered under the name %q, configuration ignored", strings.TrimSuffix(section, "s"), name)
		w.logger.Warn(msg)
		w.add("config:"+section+":"+name, result.Warning, msg)
	}
}

func (w *Workflow) buildNotifiers(reg *registry.Registry) error {
	w.logger.Debug("Building notifiers")
	w.notifier = notifier.NewComposite()
	it := factory.New[notifier.Notifier](reg, w.cfg.Notifiers, w.logger, nil).CreateAll()
	for it.Next() {
		w.notifier.Add(it.Component())
		w.notifiers = append(w.notifiers, it.Component())
		w.logger.Debug("Notifier added", lg.String("notifier", it.Name()))
	}
	return it.Err()
}

func (w *Workflow) buildPlugins(reg *registry.Registry) error {
	w.logger.Debug("Building plugins")
	plugins, err := factory.Collect(factory.New[plugin.Plugin](reg, w.cfg.Plugins, w.logger, w.rc).CreateAll())
	if err != nil {
		return err
	}
	w.plugins = plugins
	return nil
}

// RunSystemUpdate runs the update, the reboot check and the release check
// of the system manager in that order. The first failure ends the phase
// and is recorded as a single system_update error.
func (w *Workflow) RunSystemUpdate(ctx context.Context) {
	if w.system == nil {
		return
	}
	ctx, span := w.tracer.Start(ctx, "workflow.system_update")
	defer span.End()

	w.logger.Info("Starting system update...")
	if err := w.systemUpdate(ctx); err != nil {
		w.logger.Error("System update failed", lg.Err(err))
		w.add(StepSystemUpdate, result.Error, err.Error())
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	w.logger.Debug("System update completed")
}

func (w *Workflow) systemUpdate(ctx context.Context) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()

	w.logger.Debug("Calling system manager update")
	if err := w.system.Update(ctx); err != nil {
		return err
	}
	w.logger.Debug("Checking if reboot is required")
	if err := w.system.CheckRebootRequired(ctx); err != nil {
		return err
	}
	w.logger.Debug("Checking for major OS release")
	return w.system.CheckNewStableAvailable(ctx)
}

// RunPlugins runs the lifecycle of every plugin, one after the other in
// registration order or, when parallel is set, on maxWorkers workers. It
// returns once every lifecycle has finished.
func (w *Workflow) RunPlugins(ctx context.Context, parallel bool, maxWorkers int) {
	ctx, span := w.tracer.Start(ctx, "workflow.plugins", trace.WithAttributes(
		attribute.Int("plugins", len(w.plugins)),
		attribute.Bool("parallel", parallel),
	))
	defer span.End()

	w.logger.Info("Running plugins", lg.Int("plugins", len(w.plugins)), lg.Bool("parallel", parallel))
	if !parallel {
		for _, p := range w.plugins {
			w.runLifecycle(ctx, 0, p)
		}
		return
	}

	pool := workerpool.NewPool[plugin.Plugin](maxWorkers, w.logger.Named("workerpool"))
	for _, p := range w.plugins {
		err := pool.Submit(workerpool.Job[plugin.Plugin]{
			Payload: p,
			Ctx:     ctx,
			Fn: func(ctx context.Context, worker int, p plugin.Plugin) error {
				w.runLifecycle(ctx, worker, p)
				return nil
			},
		})
		if err != nil {
			w.logger.Error("Failed to schedule plugin, running inline", lg.String("plugin", p.Name()), lg.Err(err))
			w.runLifecycle(ctx, 0, p)
		}
	}
	pool.Wait()
	w.logger.Debug("All plugin lifecycles completed")
}

// runLifecycle runs setup, run and teardown of p. A failed setup skips the
// other phases; teardown follows run whatever its outcome.
func (w *Workflow) runLifecycle(ctx context.Context, worker int, p plugin.Plugin) {
	name := p.Name()
	logger := w.logger.With(lg.Int("worker", worker), lg.String("plugin", name))
	ctx, span := w.tracer.Start(ctx, "plugin.lifecycle", trace.WithAttributes(
		attribute.String("plugin", name),
		attribute.Int("worker", worker),
	))
	defer span.End()

	if s, ok := p.(plugin.Setupper); ok {
		if !w.phase(ctx, logger, name, phaseSetup, result.Error, s.Setup) {
			return
		}
	}
	w.phase(ctx, logger, name, phaseRun, result.Error, p.Run)
	if t, ok := p.(plugin.Teardowner); ok {
		w.phase(ctx, logger, name, phaseTeardown, result.Warning, t.Teardown)
	}
}

func (w *Workflow) phase(ctx context.Context, logger lg.Logger, name, phase string, severity result.Severity, fn func(context.Context) error) bool {
	logger = logger.With(lg.String("phase", phase))
	logger.Debug("Plugin phase started")

	err := callPhase(lg.Attach(ctx, logger), fn)
	if err == nil {
		return true
	}
	logger.Error("Plugin phase failed", lg.Err(err))
	span := trace.SpanFromContext(ctx)
	span.RecordError(err, trace.WithAttributes(attribute.String("phase", phase)))
	if severity == result.Error {
		span.SetStatus(codes.Error, err.Error())
	}
	w.add(fmt.Sprintf("plugin:%s:%s", phase, name), severity, err.Error())
	return false
}

func callPhase(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn(ctx)
}

// ProcessResults formats the collected results and the buffered log text
// into a report and sends it through every notifier. Delivery failures are
// logged only.
func (w *Workflow) ProcessResults(ctx context.Context) {
	ctx, span := w.tracer.Start(ctx, "workflow.process_results")
	defer span.End()

	w.logger.Debug("Processing results for report")
	text := report.Format(w.results.All(), w.logs.String())
	if err := w.notify(ctx, text); err != nil {
		w.logger.Error("Failed to send report", lg.Err(err))
		span.RecordError(err)
		return
	}
	w.logger.Info("Report sent successfully.")
}

func (w *Workflow) notify(ctx context.Context, text string) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return w.notifier.Notify(ctx, report.Subject, text)
}

// RunAll runs the system update, the plugins sequentially and the result
// processing.
func (w *Workflow) RunAll(ctx context.Context) {
	ctx, span := w.tracer.Start(ctx, "workflow.run", trace.WithAttributes(attribute.String("run_id", w.runID)))
	defer span.End()

	w.logger.Info("Starting full workflow run")
	w.RunSystemUpdate(ctx)
	w.RunPlugins(ctx, false, workerpool.DefaultMaxWorkers)
	w.ProcessResults(ctx)
	w.logger.Info("Workflow run finished", lg.String("overall", w.Overall().String()))
}

// Results returns a copy of the results collected so far.
func (w *Workflow) Results() []result.Result { return w.results.All() }

// Overall returns the highest severity collected so far.
func (w *Workflow) Overall() result.Severity { return w.results.Overall() }

func (w *Workflow) RunID() string { return w.runID }

// Context returns the run context shared with every component.
func (w *Workflow) Context() *runctx.Context { return w.rc }

// Plugins returns the names of the instantiated plugins in execution order.
func (w *Workflow) Plugins() []string {
	names := make([]string, 0, len(w.plugins))
	for _, p := range w.plugins {
		names = append(names, p.Name())
	}
	return names
}

// Close releases notifiers and the command runner that hold connections
// and flushes the logger.
func (w *Workflow) Close() error {
	var errs []error
	for _, n := range w.notifiers {
		if c, ok := n.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close notifier %s: %w", n.Name(), err))
			}
		}
	}
	if c, ok := w.runner.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close command runner: %w", err))
		}
	}
	// stderr cannot be synced on every platform
	_ = w.logger.Sync()
	return errors.Join(errs...)
}

func (w *Workflow) add(step string, severity result.Severity, message string) {
	r := result.New(step, severity, message)
	w.results.Add(&r)
}
