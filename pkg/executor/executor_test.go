package executor

import (
	"context"
	"errors"
	"testing"

	"github.com/andrej220/opsflow/pkg/lg"
	"github.com/andrej220/opsflow/pkg/result"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type recordingTransport struct {
	calls [][]string
	env   []map[string]string
	out   Output
	err   error
}

func (r *recordingTransport) exec(_ context.Context, argv []string, env map[string]string, _ string) (Output, error) {
	r.calls = append(r.calls, argv)
	r.env = append(r.env, env)
	return r.out, r.err
}

func newFakeRunner(dryRun bool, tr *recordingTransport) *base {
	return &base{dryRun: dryRun, logger: lg.Discard, exec: tr.exec}
}

func TestRunPrefixesSudo(t *testing.T) {
	tr := &recordingTransport{}
	r := newFakeRunner(false, tr)

	_, err := r.Run(context.Background(), Command{Args: []string{"apt-get", "update"}, Sudo: true})
	require.NoError(t, err)
	require.Len(t, tr.calls, 1)
	assert.Equal(t, []string{"sudo", "apt-get", "update"}, tr.calls[0])
}

func TestRunDryRunSkipsExecution(t *testing.T) {
	tr := &recordingTransport{out: Output{ExitCode: 3}}
	r := newFakeRunner(true, tr)

	out, err := r.Run(context.Background(), Command{Args: []string{"reboot"}, Check: true})
	require.NoError(t, err)
	assert.Equal(t, Output{}, out)
	assert.Empty(t, tr.calls)
}

func TestRunCheckReturnsExitError(t *testing.T) {
	tr := &recordingTransport{out: Output{ExitCode: 100, Stderr: "E: locked\n"}}
	r := newFakeRunner(false, tr)

	out, err := r.Run(context.Background(), Command{Args: []string{"apt-get", "install"}, Check: true})
	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 100, exitErr.Output.ExitCode)
	assert.Equal(t, 100, out.ExitCode)
	assert.Contains(t, err.Error(), "E: locked")

	_, err = r.Run(context.Background(), Command{Args: []string{"apt-get", "install"}})
	assert.NoError(t, err)
}

func TestRunEmptyCommand(t *testing.T) {
	r := newFakeRunner(false, &recordingTransport{})
	_, err := r.Run(context.Background(), Command{})
	assert.Error(t, err)
}

func TestRunAsResult(t *testing.T) {
	tests := []struct {
		name    string
		out     Output
		err     error
		wantNil bool
		wantMsg string
	}{
		{name: "success", out: Output{ExitCode: 0}, wantNil: true},
		{name: "non-zero exit", out: Output{ExitCode: 1, Stderr: " boom \n"}, wantMsg: "Command false failed: boom"},
		{name: "transport failure", out: Output{ExitCode: -1}, err: errors.New("no such file"), wantMsg: "no such file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newFakeRunner(false, &recordingTransport{out: tt.out, err: tt.err})
			res := r.RunAsResult(context.Background(), Command{Args: []string{"false"}, Check: true}, "step-x")
			if tt.wantNil {
				assert.Nil(t, res)
				return
			}
			require.NotNil(t, res)
			assert.Equal(t, "step-x", res.Step)
			assert.Equal(t, result.Error, res.Severity)
			assert.Contains(t, res.Message, tt.wantMsg)
		})
	}
}

func TestLocalRunCapturesOutput(t *testing.T) {
	r := NewLocal(false, lg.Discard)

	out, err := r.Run(context.Background(), Command{
		Args: []string{"sh", "-c", "echo out; echo err >&2; exit 7"},
	})
	require.NoError(t, err)
	assert.Equal(t, 7, out.ExitCode)
	assert.Equal(t, "out\n", out.Stdout)
	assert.Equal(t, "err\n", out.Stderr)
}

func TestLocalRunPassesEnvAndDir(t *testing.T) {
	dir := t.TempDir()
	r := NewLocal(false, lg.Discard)

	out, err := r.Run(context.Background(), Command{
		Args: []string{"sh", "-c", "echo $OPSFLOW_TEST; pwd"},
		Env:  map[string]string{"OPSFLOW_TEST": "value"},
		Dir:  dir,
	})
	require.NoError(t, err)
	assert.Contains(t, out.Stdout, "value\n")
	assert.Contains(t, out.Stdout, dir)
}

func TestLocalRunMissingBinary(t *testing.T) {
	r := NewLocal(false, lg.Discard)
	out, err := r.Run(context.Background(), Command{Args: []string{"opsflow-no-such-binary"}})
	assert.Error(t, err)
	assert.Equal(t, -1, out.ExitCode)
}

func TestRemoteCommand(t *testing.T) {
	got := remoteCommand(
		[]string{"echo", "it's"},
		map[string]string{"B": "2", "A": "1"},
		"/tmp/x y",
	)
	assert.Equal(t, `cd '/tmp/x y' && env 'A=1' 'B=2' 'echo' 'it'"'"'s'`, got)
	assert.Equal(t, `'ls' ''`, remoteCommand([]string{"ls", ""}, nil, ""))
}

func TestSSHConfigValidation(t *testing.T) {
	_, err := SSHConfig{User: "root", Password: "x"}.clientConfig()
	assert.Error(t, err)

	_, err = SSHConfig{Host: "h", Password: "x"}.clientConfig()
	assert.Error(t, err)

	_, err = SSHConfig{Host: "h", User: "root"}.clientConfig()
	assert.Error(t, err)

	cfg, err := SSHConfig{Host: "h", User: "root", Password: "x", InsecureIgnoreHostKey: true}.clientConfig()
	require.NoError(t, err)
	assert.Equal(t, "root", cfg.User)

	assert.Equal(t, "h:22", SSHConfig{Host: "h"}.address())
	assert.Equal(t, "h:2222", SSHConfig{Host: "h:2222"}.address())
}

func TestRunSudoKeepsEnv(t *testing.T) {
	tr := &recordingTransport{}
	r := newFakeRunner(false, tr)

	_, err := r.Run(context.Background(), Command{
		Args: []string{"apt-get", "install", "-y", "vim"},
		Env:  map[string]string{"DEBIAN_FRONTEND": "noninteractive"},
		Sudo: true,
	})
	require.NoError(t, err)
	require.Len(t, tr.calls, 1)
	assert.Equal(t, []string{"sudo", "env", "DEBIAN_FRONTEND=noninteractive", "apt-get", "install", "-y", "vim"}, tr.calls[0])
	assert.Empty(t, tr.env[0])

	_, err = r.Run(context.Background(), Command{
		Args: []string{"apt-get", "update"},
		Env:  map[string]string{"DEBIAN_FRONTEND": "noninteractive"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"apt-get", "update"}, tr.calls[1])
	assert.Equal(t, map[string]string{"DEBIAN_FRONTEND": "noninteractive"}, tr.env[1])
}

func TestRunLogsWithContextLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	ctx := lg.Attach(context.Background(), lg.FromZap(zap.New(core)).With(lg.String("plugin", "disk")))
	r := newFakeRunner(false, &recordingTransport{out: Output{ExitCode: 2}})

	res := r.RunAsResult(ctx, Command{Args: []string{"df"}}, "disk:usage")
	require.NotNil(t, res)

	entries := logs.FilterField(zap.String("plugin", "disk")).All()
	require.Len(t, entries, 2)
	assert.Equal(t, "RUN", entries[0].Message)
	assert.Equal(t, zapcore.ErrorLevel, entries[1].Level)
}
