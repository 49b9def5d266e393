// Package pkgmgr defines the contract for system package managers.
package pkgmgr

import (
	"context"
	"sync"

	"github.com/andrej220/opsflow/pkg/result"
)

// PackageManager wraps a system-level package manager such as apt.
//
// Update, Upgrade and Install return a non-nil Result when the operation
// produced something worth reporting and an error when it could not be
// carried out at all.
type PackageManager interface {
	Update(ctx context.Context, dryRun bool) (*result.Result, error)
	Upgrade(ctx context.Context, dryRun bool) (*result.Result, error)
	// Install installs pkg at version, or at the candidate version when
	// version is empty.
	Install(ctx context.Context, pkg, version string) (*result.Result, error)
	// Installed returns the installed version of pkg, "" when not installed.
	Installed(ctx context.Context, pkg string) (string, error)
	// Candidate returns the version an install would pick, "" when none.
	Candidate(ctx context.Context, pkg string) (string, error)
}

var _ PackageManager = (*ThreadSafe)(nil)

// ThreadSafe serializes every call to the wrapped PackageManager.
type ThreadSafe struct {
	mu sync.Mutex
	pm PackageManager
}

// NewThreadSafe wraps pm. Wrapping an already wrapped manager returns it as is.
func NewThreadSafe(pm PackageManager) *ThreadSafe {
	if ts, ok := pm.(*ThreadSafe); ok {
		return ts
	}
	return &ThreadSafe{pm: pm}
}

func (t *ThreadSafe) Update(ctx context.Context, dryRun bool) (*result.Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pm.Update(ctx, dryRun)
}

func (t *ThreadSafe) Upgrade(ctx context.Context, dryRun bool) (*result.Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pm.Upgrade(ctx, dryRun)
}

func (t *ThreadSafe) Install(ctx context.Context, pkg, version string) (*result.Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pm.Install(ctx, pkg, version)
}

func (t *ThreadSafe) Installed(ctx context.Context, pkg string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pm.Installed(ctx, pkg)
}

func (t *ThreadSafe) Candidate(ctx context.Context, pkg string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pm.Candidate(ctx, pkg)
}
