// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package daemon wires the lightcid components together: storage,
// the runner, the scheduler, webhook and file-based pipeline sources,
// and the control API server.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/lightci/lightci/internal/artifacts"
	"github.com/lightci/lightci/internal/config"
	"github.com/lightci/lightci/internal/daemon/api"
	"github.com/lightci/lightci/internal/daemon/backend"
	"github.com/lightci/lightci/internal/daemon/backend/memory"
	"github.com/lightci/lightci/internal/daemon/backend/sqlite"
	"github.com/lightci/lightci/internal/daemon/metrics"
	"github.com/lightci/lightci/internal/daemon/pipelines"
	"github.com/lightci/lightci/internal/daemon/runner"
	"github.com/lightci/lightci/internal/daemon/scheduler"
	"github.com/lightci/lightci/internal/daemon/webhook"
	"github.com/lightci/lightci/internal/deploy"
	"github.com/lightci/lightci/internal/executor"
	internallog "github.com/lightci/lightci/internal/log"
	"github.com/lightci/lightci/internal/provision"
	"github.com/lightci/lightci/internal/sshkey"
	"github.com/lightci/lightci/internal/tracing"
	"github.com/lightci/lightci/internal/workspace"
)

// Options contains daemon options set at build time.
type Options struct {
	Version   string
	Commit    string
	BuildDate string
}

// Daemon is the lightcid daemon.
type Daemon struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	server  *http.Server
	ln      net.Listener
	pidFile string

	backend     backend.Backend
	runner      *runner.Runner
	scheduler   *scheduler.Scheduler
	webhooks    *webhook.Adapter
	files       *pipelines.Reconciler
	sweeper     *artifacts.Sweeper
	provisioner *provision.Provisioner
	keys        *sshkey.Service
	artifactsH  *api.ArtifactsHandler
	traces      *tracing.Provider

	sweepCancel context.CancelFunc

	mu      sync.Mutex
	started bool
}

// New creates a daemon from configuration. Construction wires every
// component; nothing starts running until Start.
func New(cfg *config.Config, opts Options) (*Daemon, error) {
	logger := internallog.WithComponent(internallog.New(internallog.FromEnv()), "daemon")

	be, err := newBackend(cfg)
	if err != nil {
		return nil, err
	}

	workspaces := workspace.NewManager(cfg.Workspace.Root)

	exec := executor.New(logger,
		executor.WithTimeout(cfg.Runner.StepTimeout),
		executor.WithConnectTimeout(cfg.Deploy.SSHConnectTimeout))

	store, err := newArtifactStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	collector := artifacts.NewCollector(store, be, cfg.Artifacts.RetentionDays, logger)
	sweeper := artifacts.NewSweeper(be, be, store, cfg.Artifacts.SweepInterval, logger)

	// AWS-backed deployment stack. Credential problems surface when a
	// deploy step actually runs, not at startup.
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}
	ec2Client := ec2.NewFromConfig(awsCfg)
	stsClient := sts.NewFromConfig(awsCfg)

	keys := sshkey.NewService(be, ec2Client, logger)
	resolver := sshkey.NewResolver(be, logger)

	provisioner := provision.New(ec2Client, stsClient, be, keys, provision.Options{
		Region:          cfg.AWS.Region,
		AMIID:           cfg.AWS.AMIID,
		InstanceType:    cfg.AWS.InstanceType,
		SecurityGroupID: cfg.AWS.SecurityGroupID,
		SubnetID:        cfg.AWS.SubnetID,
		KeyName:         cfg.AWS.KeyName,
		AppPort:         cfg.Deploy.AppPort,
	}, logger)

	// The runner publishes deploy progress to its event hub, but the
	// deployer is built first; notify binds late.
	var notify deploy.Notifier = func(deploy.Event) {}
	deployer := deploy.New(exec, resolver, provisioner, be, logger,
		deploy.WithNotifier(func(e deploy.Event) { notify(e) }))

	r := runner.New(runner.Config{
		MaxParallel: cfg.Runner.MaxConcurrentRuns,
		RunTimeout:  cfg.Runner.RunTimeout,
		StepTimeout: cfg.Runner.StepTimeout,
	}, be, workspaces, exec, collector, logger,
		runner.WithMetrics(metrics.New()),
		runner.WithDeployer(deployer))
	notify = r.DeploymentNotifier()

	sched := scheduler.New(r.StartRun, logger)

	webhooks, err := webhook.New(cfg.Webhook, be, r.StartRun, r.IsDraining, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to configure webhooks: %w", err)
	}

	var files *pipelines.Reconciler
	if cfg.PipelinesDir != "" {
		files = pipelines.New(cfg.PipelinesDir, be, sched, logger)
	}

	return &Daemon{
		cfg:         cfg,
		opts:        opts,
		logger:      logger,
		backend:     be,
		runner:      r,
		scheduler:   sched,
		webhooks:    webhooks,
		files:       files,
		sweeper:     sweeper,
		provisioner: provisioner,
		keys:        keys,
		artifactsH:  api.NewArtifactsHandler(be, be, be, collector, store, sweeper),
	}, nil
}

func newBackend(cfg *config.Config) (backend.Backend, error) {
	switch cfg.Backend.Type {
	case "sqlite":
		be, err := sqlite.New(sqlite.Config{Path: cfg.Backend.SQLite.Path, WAL: true})
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite backend: %w", err)
		}
		return be, nil
	default:
		return memory.New(), nil
	}
}

func newArtifactStore(cfg *config.Config, logger *slog.Logger) (artifacts.Store, error) {
	switch cfg.Artifacts.Storage {
	case "s3":
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
			awsconfig.WithRegion(cfg.AWS.Region))
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS configuration for artifact storage: %w", err)
		}
		return artifacts.NewS3Store(s3.NewFromConfig(awsCfg),
			cfg.Artifacts.S3.Bucket, cfg.Artifacts.S3.Prefix), nil
	default:
		store, err := artifacts.NewLocalStore(cfg.Artifacts.Root)
		if err != nil {
			return nil, fmt.Errorf("failed to open artifact store: %w", err)
		}
		return store, nil
	}
}

// Start starts the daemon and blocks until the context is cancelled
// or the server fails.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("daemon already started")
	}
	d.started = true
	d.mu.Unlock()

	if d.cfg.PIDFile != "" {
		if err := d.writePIDFile(); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		d.pidFile = d.cfg.PIDFile
	}

	traces, err := tracing.Setup(ctx, d.cfg.Observability, d.opts.Version)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	d.traces = traces

	// Runs left "running" by an unclean stop are failed before
	// anything new starts.
	if n, err := d.runner.ResumeInterrupted(ctx); err != nil {
		d.logger.Warn("failed to sweep interrupted runs", internallog.Error(err))
	} else if n > 0 {
		d.logger.Info("marked interrupted runs as failed", slog.Int("count", n))
	}

	if d.files != nil {
		if err := d.files.LoadAll(ctx); err != nil {
			return err
		}
		if err := d.files.Watch(ctx); err != nil {
			d.logger.Warn("pipeline file watching unavailable", internallog.Error(err))
		}
	}

	if err := d.scheduler.LoadAll(ctx, d.backend); err != nil {
		d.logger.Warn("failed to load schedules", internallog.Error(err))
	}
	d.scheduler.Start(ctx)

	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	d.sweepCancel = sweepCancel
	go d.sweeper.Run(sweepCtx)

	ln, err := net.Listen("tcp", d.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", d.cfg.Server.Addr, err)
	}
	d.mu.Lock()
	d.ln = ln
	d.mu.Unlock()

	router := api.NewRouter(api.RouterConfig{
		Version:   d.opts.Version,
		Commit:    d.opts.Commit,
		BuildDate: d.opts.BuildDate,
	}, d.runner, d.scheduler, d.logger)

	api.NewPipelinesHandler(d.backend, d.scheduler).RegisterRoutes(router.Mux())
	api.NewRunsHandler(d.runner, d.backend).RegisterRoutes(router.Mux())
	api.NewKeysHandler(d.keys, d.backend).RegisterRoutes(router.Mux())
	api.NewDeploymentsHandler(d.backend, d.provisioner).RegisterRoutes(router.Mux())
	d.artifactsH.RegisterRoutes(router.Mux())
	d.webhooks.Register(router.Mux())

	d.server = &http.Server{
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	d.logger.Info("lightcid starting",
		slog.String("version", d.opts.Version),
		slog.String("listen_addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := d.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Addr returns the bound listen address, or "" before Start has bound
// the listener. With Server.Addr port 0 this reports the chosen port.
func (d *Daemon) Addr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ln == nil {
		return ""
	}
	return d.ln.Addr().String()
}

// Shutdown drains active runs and stops every component. Trigger
// paths return 503 while the drain is in progress.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.started {
		return nil
	}

	d.logger.Info("graceful shutdown initiated",
		slog.Int("active_runs", d.runner.ActiveRunCount()))

	d.runner.StartDraining()
	if d.server != nil {
		d.server.SetKeepAlivesEnabled(false)
	}

	if err := d.runner.WaitForDrain(ctx, d.cfg.Runner.DrainTimeout); err != nil {
		d.logger.Warn("drain timeout exceeded",
			slog.Int("remaining_runs", d.runner.ActiveRunCount()),
			slog.Duration("drain_timeout", d.cfg.Runner.DrainTimeout))
	} else {
		d.logger.Info("all runs completed during drain")
	}

	d.scheduler.Stop()
	if d.files != nil {
		d.files.Stop()
	}
	if d.sweepCancel != nil {
		d.sweepCancel()
	}

	if d.server != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, d.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := d.server.Shutdown(shutdownCtx); err != nil {
			d.logger.Error("HTTP server shutdown error", internallog.Error(err))
		}
	}

	if d.traces != nil {
		traceCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.traces.Shutdown(traceCtx); err != nil {
			d.logger.Error("trace provider shutdown error", internallog.Error(err))
		}
	}

	if d.pidFile != "" {
		if err := os.Remove(d.pidFile); err != nil && !os.IsNotExist(err) {
			d.logger.Error("failed to remove PID file",
				internallog.Error(err),
				slog.String("path", d.pidFile))
		}
	}

	if err := d.backend.Close(); err != nil {
		d.logger.Error("failed to close backend", internallog.Error(err))
	}

	d.started = false
	d.logger.Info("daemon stopped")
	return nil
}

// writePIDFile writes the current process ID to the PID file.
func (d *Daemon) writePIDFile() error {
	dir := filepath.Dir(d.cfg.PIDFile)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	return os.WriteFile(d.cfg.PIDFile, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o600)
}
