package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"acsmconv/internal/api"
	"acsmconv/internal/config"
	"acsmconv/internal/jobs"
	"acsmconv/internal/library"
	"acsmconv/internal/logging"
	"acsmconv/internal/preflight"
	"acsmconv/internal/queue"
	"acsmconv/internal/workspace"
)

const shutdownTimeout = 10 * time.Second

// ErrAlreadyRunning is returned when another daemon holds the lock.
var ErrAlreadyRunning = errors.New("another acsmconv daemon instance is already running")

// Options wires a Daemon.
type Options struct {
	Config     *config.Config
	Store      *queue.Store
	Jobs       *jobs.Service
	Workspaces *workspace.Manager
	Library    *library.Library
	Logger     *slog.Logger
	// Gatherer backs /metrics; nil uses the default Prometheus registry.
	Gatherer prometheus.Gatherer
}

// Daemon serves the HTTP API and runs periodic housekeeping.
type Daemon struct {
	cfg        *config.Config
	store      *queue.Store
	jobs       *jobs.Service
	workspaces *workspace.Manager
	library    *library.Library
	logger     *slog.Logger
	gatherer   prometheus.Gatherer
	sweeper    *Sweeper

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	ready   chan struct{}
	mu      sync.Mutex
	addr    string
}

// New constructs a daemon with initialized dependencies.
func New(opts Options) (*Daemon, error) {
	if opts.Config == nil || opts.Store == nil || opts.Jobs == nil || opts.Workspaces == nil || opts.Library == nil {
		return nil, errors.New("daemon requires config, store, job service, workspaces, and library")
	}
	logger := logging.NewComponentLogger(opts.Logger, "daemon")
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	cfg := opts.Config
	lockPath := cfg.LockPath()
	return &Daemon{
		cfg:        cfg,
		store:      opts.Store,
		jobs:       opts.Jobs,
		workspaces: opts.Workspaces,
		library:    opts.Library,
		logger:     logger,
		gatherer:   gatherer,
		sweeper: &Sweeper{
			Library:           opts.Library,
			Workspaces:        opts.Workspaces,
			Uploads:           &jobs.Uploads{Dir: cfg.Paths.UploadDir, Jobs: opts.Store, Logger: logger},
			Jobs:              opts.Store,
			OutputRetention:   cfg.OutputRetention(),
			StaleWorkspaceAge: cfg.StaleWorkspaceAge(),
			JobRetention:      cfg.JobRetention(),
			Logger:            logger,
		},
		lockPath: lockPath,
		lock:     flock.New(lockPath),
		ready:    make(chan struct{}),
	}, nil
}

// Run takes the instance lock, recovers interrupted jobs, serves the API and
// sweeps on a ticker until ctx ends. Running jobs are cancelled on the way out.
func (d *Daemon) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return errors.New("daemon already running")
	}
	defer d.running.Store(false)

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return ErrAlreadyRunning
	}
	defer func() {
		if err := d.lock.Unlock(); err != nil {
			d.logger.Warn("failed to release daemon lock", logging.Error(err))
		}
	}()

	if recovered, err := d.jobs.Recover(ctx); err != nil {
		return fmt.Errorf("recover interrupted jobs: %w", err)
	} else if recovered > 0 {
		d.logger.Info("interrupted jobs marked failed", logging.Int("count", recovered))
	}
	d.sweeper.Run(ctx)

	listener, err := net.Listen("tcp", d.cfg.HTTP.Bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	server := &http.Server{
		Handler:           newRouter(d),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	d.mu.Lock()
	d.addr = listener.Addr().String()
	d.mu.Unlock()
	close(d.ready)

	d.logger.Info("acsmconv daemon started",
		logging.String(logging.FieldEventType, "daemon_started"),
		logging.String("address", d.Addr()),
		logging.String("lock", d.lockPath),
		logging.Int("max_concurrent_jobs", d.jobs.Stats().Limit),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		interval := d.cfg.SweepInterval()
		if interval <= 0 {
			<-gctx.Done()
			return nil
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				d.sweeper.Run(gctx)
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			d.logger.Warn("api server shutdown incomplete", logging.Error(err))
		}
		return d.jobs.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	d.logger.Info("acsmconv daemon stopped", logging.String(logging.FieldEventType, "daemon_stopped"))
	return err
}

// Ready is closed once the listener accepts connections.
func (d *Daemon) Ready() <-chan struct{} {
	return d.ready
}

// Addr returns the bound API address, or "" before Ready.
func (d *Daemon) Addr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.addr
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) api.Status {
	status := api.Status{
		Running:      d.running.Load(),
		PID:          os.Getpid(),
		DatabasePath: d.store.Path(),
		LockPath:     d.lockPath,
		OutputDir:    d.cfg.Paths.OutputDir,
		Activation:   api.ActivationStatus{Dir: d.cfg.Activation.Dir},
	}

	if act := d.jobs.Activation(); act != nil {
		status.Activation.Present = true
		status.Activation.DeviceID = act.DeviceID
	} else {
		status.Activation.Detail = preflight.CheckActivation(d.cfg.Activation.Dir).Detail
	}

	stats := d.jobs.Stats()
	status.Registry = api.RegistryStatus{Limit: stats.Limit, Running: stats.Running, Waiting: stats.Waiting}

	if summary, err := d.store.Health(ctx); err == nil {
		status.Jobs = api.JobCounts{
			Total:     summary.Total,
			Received:  summary.Received,
			Active:    summary.Active,
			Done:      summary.Done,
			Failed:    summary.Failed,
			Delivered: summary.Delivered,
		}
	} else {
		d.logger.Warn("job summary unavailable", logging.Error(err))
	}

	for _, dep := range preflight.CheckSystemDeps(ctx, d.cfg) {
		status.Dependencies = append(status.Dependencies, api.DependencyStatus{
			Name:        dep.Name,
			Command:     dep.Command,
			Description: dep.Description,
			Optional:    dep.Optional,
			Available:   dep.Available,
			Detail:      dep.Detail,
		})
	}

	live := d.workspaces.Live()
	status.Workspaces = make([]api.WorkspaceStatus, 0, len(live))
	for _, ws := range live {
		status.Workspaces = append(status.Workspaces, api.WorkspaceStatus{
			JobID:   ws.JobID,
			Path:    ws.Path,
			Created: ws.Created.UTC().Format(time.RFC3339),
		})
	}
	return status
}

// LockHeld reports whether some process holds the daemon lock at path.
func LockHeld(path string) (bool, error) {
	lock := flock.New(path)
	ok, err := lock.TryLock()
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	return false, lock.Unlock()
}
