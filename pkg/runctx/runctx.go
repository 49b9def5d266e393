// Package runctx provides the per-run state shared by every component of a
// workflow run.
package runctx

import (
	"github.com/andrej220/opsflow/pkg/executor"
	"github.com/andrej220/opsflow/pkg/pkgmgr"
	"github.com/andrej220/opsflow/pkg/result"
)

// Context carries the dry-run flag, the result sink and the command runner
// of one run. It is shared by reference and is immutable apart from the
// collector it writes to.
type Context struct {
	dryRun  bool
	runID   string
	results *result.Collector
	runner  executor.Runner
	pm      pkgmgr.PackageManager
}

type Option func(*Context)

// WithPackageManager makes pm available to plugins. pm must be safe for
// concurrent use, see pkgmgr.ThreadSafe.
func WithPackageManager(pm pkgmgr.PackageManager) Option {
	return func(c *Context) { c.pm = pm }
}

// WithRunID tags the context with an identifier for log correlation.
func WithRunID(id string) Option {
	return func(c *Context) { c.runID = id }
}

// New creates a Context. A nil collector is replaced by an empty one.
func New(dryRun bool, results *result.Collector, runner executor.Runner, opts ...Option) *Context {
	if results == nil {
		results = result.NewCollector()
	}
	c := &Context{dryRun: dryRun, results: results, runner: runner}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Context) DryRun() bool { return c.dryRun }

func (c *Context) RunID() string { return c.runID }

// Runner returns the command runner of this run.
func (c *Context) Runner() executor.Runner { return c.runner }

// PackageManager returns the shared package manager, nil when none is set.
func (c *Context) PackageManager() pkgmgr.PackageManager { return c.pm }

// AddResult records r. A nil result is ignored.
func (c *Context) AddResult(r *result.Result) {
	c.results.Add(r)
}

// AddResults records rs as one contiguous block.
func (c *Context) AddResults(rs []result.Result) {
	c.results.AddAll(rs)
}

// AllResults returns a copy of everything recorded so far.
func (c *Context) AllResults() []result.Result {
	return c.results.All()
}
