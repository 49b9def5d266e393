// Package debian provides system probes for Debian and Ubuntu hosts.
package debian

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/andrej220/opsflow/internal/processor"
	"github.com/andrej220/opsflow/pkg/executor"
	"github.com/andrej220/opsflow/pkg/result"
	"github.com/andrej220/opsflow/pkg/system"
)

const (
	DefaultRebootFile    = "/var/run/reboot-required"
	DefaultOSReleaseFile = "/etc/os-release"
	DefaultReleaseURL    = "https://deb.debian.org/debian/dists/stable/Release"

	maxReleaseSize = 1 << 20
)

var (
	_ system.Probe = (*Debian)(nil)
	_ system.Probe = (*Ubuntu)(nil)
)

// Debian compares the local codename with the codename of the current
// Debian stable release.
type Debian struct {
	RebootFile    string
	OSReleaseFile string
	ReleaseURL    string
	Client        *http.Client
}

func NewDebian() *Debian {
	return &Debian{
		RebootFile:    DefaultRebootFile,
		OSReleaseFile: DefaultOSReleaseFile,
		ReleaseURL:    DefaultReleaseURL,
		Client:        &http.Client{Timeout: 5 * time.Second},
	}
}

// NewManager returns a system manager for Debian hosts.
func NewManager(opts ...system.Option) *system.Manager {
	return system.NewManager("debian", NewDebian(), opts...)
}

func (d *Debian) RebootRequired(_ context.Context, _ system.Runtime) (bool, error) {
	return fileExists(d.RebootFile)
}

// NewStableAvailable reports whether stable has moved past the local
// release. Lookup failures are recorded as results and answer false.
func (d *Debian) NewStableAvailable(ctx context.Context, rt system.Runtime) (bool, error) {
	latest := d.latestStable(ctx, rt)
	current := d.codename(rt)
	if latest == "" || current == "" {
		return false, nil
	}
	return !strings.EqualFold(latest, current), nil
}

func (d *Debian) codename(rt system.Runtime) string {
	codename, err := ReadOSRelease(d.OSReleaseFile, "VERSION_CODENAME")
	if err != nil {
		msg := fmt.Sprintf("Failed to read %s: %v", d.OSReleaseFile, err)
		report(rt, result.Error, msg)
		return ""
	}
	return codename
}

func (d *Debian) latestStable(ctx context.Context, rt system.Runtime) string {
	codename, err := d.fetchStableCodename(ctx)
	if err == nil {
		return codename
	}

	var netErr *fetchError
	if errors.As(err, &netErr) {
		report(rt, result.Warning, fmt.Sprintf("Failed to fetch the latest Debian version: %v", err))
	} else {
		report(rt, result.Error, fmt.Sprintf("Unexpected error fetching the Debian version: %v", err))
	}
	return ""
}

// fetchError marks failures to reach the release server.
type fetchError struct{ err error }

func (e *fetchError) Error() string { return e.err.Error() }
func (e *fetchError) Unwrap() error { return e.err }

func (d *Debian) fetchStableCodename(ctx context.Context) (string, error) {
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.ReleaseURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", &fetchError{err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", &fetchError{fmt.Errorf("GET %s: %s", d.ReleaseURL, resp.Status)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReleaseSize))
	if err != nil {
		return "", &fetchError{err}
	}
	kv, err := processor.ParseKeyValue(strings.Split(string(body), "\n"))
	if err != nil {
		return "", fmt.Errorf("parse Release file: %w", err)
	}
	codename := kv["Codename"]
	if codename == "" {
		return "", fmt.Errorf("no Codename in %s", d.ReleaseURL)
	}
	return codename, nil
}

// Ubuntu asks do-release-upgrade whether a new release is offered.
type Ubuntu struct {
	RebootFile string
}

func NewUbuntu() *Ubuntu {
	return &Ubuntu{RebootFile: DefaultRebootFile}
}

// NewUbuntuManager returns a system manager for Ubuntu hosts.
func NewUbuntuManager(opts ...system.Option) *system.Manager {
	return system.NewManager("ubuntu", NewUbuntu(), opts...)
}

func (u *Ubuntu) RebootRequired(_ context.Context, _ system.Runtime) (bool, error) {
	return fileExists(u.RebootFile)
}

func (u *Ubuntu) NewStableAvailable(ctx context.Context, rt system.Runtime) (bool, error) {
	out, err := rt.Context.Runner().Run(ctx, executor.Command{
		Args: []string{"do-release-upgrade", "-c"},
		Env:  map[string]string{"LANG": "C", "LC_ALL": "C"},
	})
	switch {
	case errors.Is(err, exec.ErrNotFound):
		report(rt, result.Warning, "do-release-upgrade command not found.")
		return false, nil
	case err != nil:
		report(rt, result.Error, fmt.Sprintf("Error checking for Ubuntu release: %v", err))
		return false, nil
	}
	return out.ExitCode == 0 && strings.Contains(strings.ToLower(out.Stdout), "new release"), nil
}

// ReadOSRelease returns the value of key in an os-release formatted file,
// "" when the key is absent.
func ReadOSRelease(path, key string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	prefix := key + "="
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, prefix) {
			return strings.Trim(strings.TrimPrefix(line, prefix), `"'`), nil
		}
	}
	return "", scanner.Err()
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

func report(rt system.Runtime, severity result.Severity, msg string) {
	if severity == result.Warning {
		rt.Logger.Warn(msg)
	} else {
		rt.Logger.Error(msg)
	}
	r := result.New(system.StepOSReleaseCheck, severity, msg)
	rt.Context.AddResult(&r)
}
