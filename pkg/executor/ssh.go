package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/andrej220/opsflow/pkg/lg"
	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/sync/errgroup"
)

var _ Runner = (*SSH)(nil)

// SSHConfig describes the remote host a run is executed against.
type SSHConfig struct {
	Host                  string        `yaml:"host" validate:"required"` // host or host:port
	User                  string        `yaml:"user" validate:"required"`
	KeyPath               string        `yaml:"key_path"`
	Password              string        `yaml:"password"`
	KnownHostsPath        string        `yaml:"known_hosts_path"`
	InsecureIgnoreHostKey bool          `yaml:"insecure_ignore_host_key"`
	Timeout               time.Duration `yaml:"timeout"`
	// SessionRetries bounds how often opening a session is retried.
	// Commands themselves are always executed once.
	SessionRetries uint64 `yaml:"session_retries"`
}

// SSH runs commands on a remote host over one shared connection. Sessions
// are opened through a circuit breaker.
type SSH struct {
	base
	client  *ssh.Client
	breaker *gobreaker.CircuitBreaker
	retries uint64
}

// NewSSH dials cfg.Host and returns a Runner executing commands there.
func NewSSH(cfg SSHConfig, dryRun bool, logger lg.Logger) (*SSH, error) {
	clientConfig, err := cfg.clientConfig()
	if err != nil {
		return nil, err
	}

	address := cfg.address()
	client, err := ssh.Dial("tcp", address, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", address, err)
	}

	cbs := gobreaker.Settings{
		Name:        "ssh-session:" + address,
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	}

	s := &SSH{
		client:  client,
		breaker: gobreaker.NewCircuitBreaker(cbs),
		retries: cfg.SessionRetries,
	}
	s.base = base{dryRun: dryRun, logger: logger.With(lg.String("host", address)), exec: s.execRemote}
	logger.Debug("CommandRunner configured", lg.Bool("dry_run", dryRun), lg.String("host", address))
	return s, nil
}

// Close releases the underlying connection.
func (s *SSH) Close() error {
	return s.client.Close()
}

func (s *SSH) execRemote(ctx context.Context, argv []string, env map[string]string, dir string) (Output, error) {
	sess, err := s.newSession(ctx)
	if err != nil {
		return Output{ExitCode: -1}, err
	}
	defer sess.Close()
	stop := context.AfterFunc(ctx, func() { sess.Close() })
	defer stop()

	stdout, err := sess.StdoutPipe()
	if err != nil {
		return Output{ExitCode: -1}, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		return Output{ExitCode: -1}, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := sess.Start(remoteCommand(argv, env, dir)); err != nil {
		return Output{ExitCode: -1}, fmt.Errorf("start command: %w", err)
	}

	var out Output
	var g errgroup.Group
	g.Go(func() error {
		b, err := io.ReadAll(stdout)
		out.Stdout = string(b)
		return err
	})
	g.Go(func() error {
		b, err := io.ReadAll(stderr)
		out.Stderr = string(b)
		return err
	})
	readErr := g.Wait()

	waitErr := sess.Wait()
	var exitErr *ssh.ExitError
	switch {
	case errors.As(waitErr, &exitErr):
		out.ExitCode = exitErr.ExitStatus()
	case waitErr != nil:
		out.ExitCode = -1
		return out, waitErr
	}
	if readErr != nil {
		return out, fmt.Errorf("read output: %w", readErr)
	}
	return out, nil
}

// newSession opens a session via the circuit breaker, retrying with
// exponential backoff up to the configured number of times.
func (s *SSH) newSession(ctx context.Context) (*ssh.Session, error) {
	var sess *ssh.Session
	operation := func() error {
		res, err := s.breaker.Execute(func() (any, error) {
			return s.client.NewSession()
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return backoff.Permanent(err)
		}
		if err != nil {
			return err
		}
		sess = res.(*ssh.Session)
		return nil
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     500 * time.Millisecond,
		MaxInterval:         5 * time.Second,
		Multiplier:          1.5,
		RandomizationFactor: 0.5,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()

	policy := backoff.WithContext(backoff.WithMaxRetries(b, s.retries), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}
	return sess, nil
}

func (c SSHConfig) address() string {
	host := strings.TrimSpace(c.Host)
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, "22")
}

func (c SSHConfig) clientConfig() (*ssh.ClientConfig, error) {
	if strings.TrimSpace(c.Host) == "" {
		return nil, fmt.Errorf("ssh host is required")
	}
	if c.User == "" {
		return nil, fmt.Errorf("ssh user is required")
	}

	var auth []ssh.AuthMethod
	if c.KeyPath != "" {
		key, err := os.ReadFile(c.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("unable to read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("unable to parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if c.Password != "" {
		auth = append(auth, ssh.Password(c.Password))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("ssh key path or password is required")
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if !c.InsecureIgnoreHostKey {
		path := c.KnownHostsPath
		if path == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("known hosts path not set and home dir unavailable")
			}
			path = filepath.Join(home, ".ssh", "known_hosts")
		}
		callback, err := knownhosts.New(path)
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
		hostKeyCallback = callback
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
		BannerCallback:  func(message string) error { return nil }, //ignore banner
	}, nil
}

// remoteCommand renders argv as a single shell line, applying env and dir.
func remoteCommand(argv []string, env map[string]string, dir string) string {
	var b strings.Builder
	if dir != "" {
		b.WriteString("cd ")
		b.WriteString(shellEscape(dir))
		b.WriteString(" && ")
	}
	if len(env) > 0 {
		b.WriteString("env")
		for _, kv := range envList(env) {
			b.WriteByte(' ')
			b.WriteString(shellEscape(kv))
		}
		b.WriteByte(' ')
	}
	for i, arg := range argv {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(shellEscape(arg))
	}
	return b.String()
}

func shellEscape(value string) string {
	if value == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(value, "'", `'"'"'`) + "'"
}
