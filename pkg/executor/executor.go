// Package executor is the command-execution facility shared by every
// component of a run. A Runner is configured once with the dry-run flag and a
// logger and then handed to plugins and system managers through the run
// context.
package executor

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/andrej220/opsflow/pkg/lg"
	"github.com/andrej220/opsflow/pkg/result"
)

// Command describes one program invocation.
type Command struct {
	Args []string
	// Env entries are added on top of the runner's base environment.
	Env map[string]string
	Dir string
	// Check turns a non-zero exit code into an *ExitError.
	Check bool
	// Sudo prefixes the invocation with sudo.
	Sudo bool
}

func (c Command) String() string {
	return strings.Join(c.Args, " ")
}

// argv returns the invocation and the environment left for the transport.
// Under sudo the environment goes through env(1) after sudo, because
// sudo resets the caller's environment.
func (c Command) argv() ([]string, map[string]string) {
	if !c.Sudo {
		return append([]string(nil), c.Args...), c.Env
	}
	argv := []string{"sudo"}
	if len(c.Env) > 0 {
		argv = append(argv, "env")
		argv = append(argv, envList(c.Env)...)
	}
	return append(argv, c.Args...), nil
}

// Output is what a finished command produced.
type Output struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Runner executes commands.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Output, error)
	// RunAsResult executes cmd without Check and returns an Error result
	// under step when it exits non-zero, nil otherwise.
	RunAsResult(ctx context.Context, cmd Command, step string) *result.Result
}

// ExitError reports a non-zero exit of a command run with Check set.
type ExitError struct {
	Args   []string
	Output Output
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("command %q exited with status %d: %s",
		strings.Join(e.Args, " "), e.Output.ExitCode, strings.TrimSpace(e.Output.Stderr))
}

// transport performs the actual invocation of argv.
type transport func(ctx context.Context, argv []string, env map[string]string, dir string) (Output, error)

// base holds the behaviour common to every runner: sudo handling, dry-run,
// tracing and exit-code checking.
type base struct {
	dryRun bool
	logger lg.Logger
	exec   transport
}

func (b *base) Run(ctx context.Context, cmd Command) (Output, error) {
	if len(cmd.Args) == 0 {
		return Output{}, fmt.Errorf("empty command")
	}

	argv, env := cmd.argv()
	logger := b.loggerFor(ctx).With(lg.String("cmd", strings.Join(argv, " ")))
	logger.Debug("RUN")

	if b.dryRun {
		logger.Info("Dry-run: skipping execution")
		return Output{}, nil
	}

	out, err := b.exec(ctx, argv, env, cmd.Dir)
	if err != nil {
		return out, fmt.Errorf("run %q: %w", strings.Join(argv, " "), err)
	}

	if s := strings.TrimSpace(out.Stdout); s != "" {
		logger.Debug("STDOUT", lg.String("stdout", s))
	}
	if s := strings.TrimSpace(out.Stderr); s != "" {
		logger.Debug("STDERR", lg.String("stderr", s))
	}

	if cmd.Check && out.ExitCode != 0 {
		return out, &ExitError{Args: argv, Output: out}
	}
	return out, nil
}

// loggerFor prefers the logger attached to ctx, so commands are logged with
// the fields of the component that runs them.
func (b *base) loggerFor(ctx context.Context) lg.Logger {
	return lg.FromContext(ctx, b.logger)
}

func (b *base) RunAsResult(ctx context.Context, cmd Command, step string) *result.Result {
	cmd.Check = false
	out, err := b.Run(ctx, cmd)
	if err == nil && out.ExitCode == 0 {
		return nil
	}

	var message string
	if err != nil {
		message = fmt.Sprintf("Command %s failed: %v", cmd, err)
	} else {
		message = fmt.Sprintf("Command %s failed: %s", cmd, strings.TrimSpace(out.Stderr))
	}
	b.loggerFor(ctx).Error(message, lg.String("step", step), lg.Int("exit_code", out.ExitCode))

	r := result.New(step, result.Error, message)
	return &r
}

// envList renders env in a stable KEY=VALUE order.
func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	list := make([]string, 0, len(keys))
	for _, k := range keys {
		list = append(list, k+"="+env[k])
	}
	return list
}
