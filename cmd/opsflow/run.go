package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/andrej220/opsflow/internal/tracing"
	"github.com/andrej220/opsflow/pkg/config"
	"github.com/andrej220/opsflow/pkg/executor"
	"github.com/andrej220/opsflow/pkg/lg"
	"github.com/andrej220/opsflow/pkg/pkgmgr"
	"github.com/andrej220/opsflow/pkg/pkgmgr/apt"
	"github.com/andrej220/opsflow/pkg/result"
	"github.com/andrej220/opsflow/pkg/system/debian"
	"github.com/andrej220/opsflow/pkg/workerpool"
	"github.com/andrej220/opsflow/pkg/workflow"
	"github.com/spf13/cobra"
)

const sshPasswordEnv = "OPSFLOW_SSH_PASSWORD"

type runOptions struct {
	configPath  string
	mongo       config.MongoConfig
	pluginDir   string
	notifierDir string
	parallel    bool
	workers     int
	system      string
	sudo        bool
	trace       bool
	ssh         executor.SSHConfig
}

func newRunCmd() *cobra.Command {
	o := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the system update, the plugins and deliver the report",
		Long: `Run a full maintenance workflow.

The exit status is 0 when no step reported an error, 1 when at least one
did and 2 when the run could not be started.

Examples:
  # Local run with plugin manifests
  opsflow run -c /etc/opsflow/config.yaml --plugins /etc/opsflow/plugins.d

  # Debian host over SSH, plugins on four workers
  opsflow run --system debian --ssh-host db1 --ssh-user ops --ssh-key ~/.ssh/id_ed25519 --parallel --workers 4

  # Configuration stored in MongoDB
  opsflow run --mongo-uri mongodb://localhost:27017 --mongo-db opsflow --mongo-collection configs --mongo-id prod`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.run(cmd)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&o.configPath, "config", "c", workflow.DefaultConfigPath, "configuration file (YAML or TOML)")
	f.StringVar(&o.mongo.URI, "mongo-uri", "", "load the configuration from MongoDB instead of a file")
	f.StringVar(&o.mongo.DBName, "mongo-db", "opsflow", "MongoDB database")
	f.StringVar(&o.mongo.CollName, "mongo-collection", "configs", "MongoDB collection")
	f.StringVar(&o.mongo.ID, "mongo-id", "", "_id of the configuration document")
	f.StringVar(&o.pluginDir, "plugins", "", "directory of plugin manifests")
	f.StringVar(&o.notifierDir, "notifiers", "", "directory of notifier manifests")
	f.BoolVar(&o.parallel, "parallel", false, "run plugins concurrently")
	f.IntVar(&o.workers, "workers", workerpool.DefaultMaxWorkers, "number of workers with --parallel")
	f.StringVar(&o.system, "system", "none", "system manager: debian, ubuntu or none")
	f.BoolVar(&o.sudo, "sudo", false, "run package manager commands through sudo")
	f.BoolVar(&o.trace, "trace", false, "print trace spans to stderr")
	f.StringVar(&o.ssh.Host, "ssh-host", "", "run commands on this host over SSH")
	f.StringVar(&o.ssh.User, "ssh-user", "root", "SSH user")
	f.StringVar(&o.ssh.KeyPath, "ssh-key", "", "SSH private key; the password is read from "+sshPasswordEnv)
	f.StringVar(&o.ssh.KnownHostsPath, "ssh-known-hosts", "", "known_hosts file (default ~/.ssh/known_hosts)")
	f.BoolVar(&o.ssh.InsecureIgnoreHostKey, "ssh-insecure", false, "skip host key verification")
	f.DurationVar(&o.ssh.Timeout, "ssh-timeout", 10*time.Second, "SSH connect timeout")
	f.Uint64Var(&o.ssh.SessionRetries, "ssh-retries", 3, "retries when opening an SSH session")
	cmd.MarkFlagsMutuallyExclusive("config", "mongo-uri")
	return cmd
}

func (o *runOptions) run(cmd *cobra.Command) error {
	ctx := cmd.Context()

	provider, err := tracing.NewProvider(tracing.Config{
		Enabled:  o.trace,
		Exporter: "stdout",
		Writer:   cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}
	defer provider.Shutdown(context.Background())

	opts, cleanup, err := o.workflowOptions()
	if err != nil {
		return err
	}
	defer cleanup()
	opts.Tracer = provider.Tracer()

	w, err := workflow.New(opts)
	if err != nil {
		return err
	}
	defer w.Close()

	if o.parallel {
		w.RunSystemUpdate(ctx)
		w.RunPlugins(ctx, true, o.workers)
		w.ProcessResults(ctx)
	} else {
		w.RunAll(ctx)
	}

	overall := w.Overall()
	fmt.Fprintf(cmd.OutOrStdout(), "Run %s finished with %s (%d results)\n", w.RunID(), overall, len(w.Results()))
	if overall >= result.Error {
		return &exitError{code: exitFailed}
	}
	return nil
}

func (o *runOptions) workflowOptions() (workflow.Options, func(), error) {
	cleanup := func() {}
	opts := workflow.Options{
		PluginDir:   o.pluginDir,
		NotifierDir: o.notifierDir,
	}

	if o.mongo.URI != "" {
		store, err := config.NewStore(config.MongoStore, &o.mongo)
		if err != nil {
			return opts, cleanup, fmt.Errorf("config store: %w", err)
		}
		if c, ok := store.(interface{ Close(context.Context) error }); ok {
			cleanup = func() { _ = c.Close(context.Background()) }
		}
		opts.ConfigStore = store
	} else {
		opts.ConfigPath = o.configPath
	}

	switch o.system {
	case "debian":
		opts.SystemManager = debian.NewManager()
	case "ubuntu":
		opts.SystemManager = debian.NewUbuntuManager()
	case "none", "":
	default:
		cleanup()
		return opts, func() {}, fmt.Errorf("unknown system %q, expected debian, ubuntu or none", o.system)
	}

	sudo := o.sudo
	opts.NewPackageManager = func(r executor.Runner) pkgmgr.PackageManager {
		var aptOpts []apt.Option
		if sudo {
			aptOpts = append(aptOpts, apt.WithSudo())
		}
		return apt.New(r, aptOpts...)
	}

	if o.ssh.Host != "" {
		sshCfg := o.ssh
		if sshCfg.Password == "" {
			sshCfg.Password = os.Getenv(sshPasswordEnv)
		}
		opts.NewRunner = func(dryRun bool, logger lg.Logger) (executor.Runner, error) {
			return executor.NewSSH(sshCfg, dryRun, logger)
		}
	}
	return opts, cleanup, nil
}
