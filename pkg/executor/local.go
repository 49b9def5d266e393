package executor

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"

	"github.com/andrej220/opsflow/pkg/lg"
)

var _ Runner = (*Local)(nil)

// Local runs commands on this host.
type Local struct {
	base
}

// NewLocal returns a Runner backed by os/exec.
func NewLocal(dryRun bool, logger lg.Logger) *Local {
	l := &Local{}
	l.base = base{dryRun: dryRun, logger: logger, exec: execLocal}
	logger.Debug("CommandRunner configured", lg.Bool("dry_run", dryRun))
	return l
}

func execLocal(ctx context.Context, argv []string, env map[string]string, dir string) (Output, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Dir = dir
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), envList(env)...)
	}

	err := cmd.Run()
	out := Output{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return out, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		out.ExitCode = exitErr.ExitCode()
		return out, nil
	}
	out.ExitCode = -1
	return out, err
}
