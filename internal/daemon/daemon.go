// Package daemon wires every other package into the single long-running
// process: it owns the Unix socket HTTP API, the poller and janitor
// background loops, and the startup/shutdown sequencing, grounded on
// _examples/RevCBH-choo/internal/daemon/daemon.go's New/Start/Shutdown/
// gracefulShutdown/setupSocket shape.
package daemon

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	sdnotify "github.com/coreos/go-systemd/v22/daemon"

	"github.com/forrest-runner/forrest/internal/auth"
	"github.com/forrest-runner/forrest/internal/config"
	"github.com/forrest-runner/forrest/internal/events"
	"github.com/forrest-runner/forrest/internal/fleet"
	"github.com/forrest-runner/forrest/internal/history"
	"github.com/forrest-runner/forrest/internal/jobtracker"
	"github.com/forrest-runner/forrest/internal/launcher"
	"github.com/forrest-runner/forrest/internal/poller"
)

// socketFileMode is intentionally 0777, not the conventional 0600 a
// control-plane socket would get: the artifact upload path is dialed by
// a proxy running inside the guest's network namespace, which is not in
// the daemon's own group, so the socket has to be world-reachable.
const socketFileMode = 0o777

// shutdownTimeout bounds how long gracefulShutdown waits for in-flight
// HTTP requests to drain before forcing the listener closed.
const shutdownTimeout = 30 * time.Second

// eventBusCapacity is the per-subscriber buffer depth for the shared
// events.Bus: generous enough that a slow subscriber (history) doesn't
// lose a burst of events during normal operation, per internal/events'
// drop-oldest backpressure policy. The bus is handed only to the job
// tracker, so it carries job status events; fleet.New gives its machines
// no bus, so machine transitions are not published on it.
const eventBusCapacity = 256

// qemuBinary is the guest launcher's subprocess, assumed to be on PATH.
const qemuBinary = "qemu-system-x86_64"

// Daemon is the running process: every component New wires together,
// plus the bookkeeping Start/gracefulShutdown need.
type Daemon struct {
	cfg     *config.Config
	auth    *auth.Auth
	fleet   *fleet.Manager
	jobs    *jobtracker.Manager
	poller  *poller.Poller
	history *history.Log
	events  *events.Bus

	socketPath string
	listener   net.Listener
	server     *http.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// New reads and validates the configuration file at configPath, opens
// the audit trail database, and wires auth/fleet/jobtracker/poller
// together. The daemon is not yet listening; call Start to do that.
func New(configPath string) (*Daemon, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("daemon: load config: %w", err)
	}
	cfgFile := cfg.Get()

	if err := os.MkdirAll(cfgFile.Host.BaseDir, 0o755); err != nil {
		return nil, fmt.Errorf("daemon: create base_dir: %w", err)
	}

	a, err := auth.New(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("daemon: build auth cache: %w", err)
	}

	bus := events.NewBus(eventBusCapacity)

	historyPath := filepath.Join(cfgFile.Host.BaseDir, "history.db")
	hist, err := history.Open(historyPath)
	if err != nil {
		return nil, fmt.Errorf("daemon: open history database: %w", err)
	}

	l := launcher.NewQEMULauncher(qemuBinary, nil)
	fl := fleet.New(cfg, a, l)

	jobs := jobtracker.New(fl, bus)
	poll := poller.New(cfg, a, jobs)

	return &Daemon{
		cfg:        cfg,
		auth:       a,
		fleet:      fl,
		jobs:       jobs,
		poller:     poll,
		history:    hist,
		events:     bus,
		socketPath: filepath.Join(cfgFile.Host.BaseDir, "api.sock"),
		shutdownCh: make(chan struct{}),
	}, nil
}

// Start creates the Unix socket, launches the HTTP server, the poller,
// the janitor, and the history subscriber as goroutines, signals
// readiness, and blocks until ctx is cancelled or Shutdown is called.
func (d *Daemon) Start(ctx context.Context) error {
	listener, err := d.setupSocket()
	if err != nil {
		d.history.Close()
		return fmt.Errorf("daemon: setup socket: %w", err)
	}
	d.listener = listener

	d.server = &http.Server{Handler: d.routes()}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.server.Serve(d.listener); err != nil && err != http.ErrServerClosed {
			log.Printf("daemon: http server error: %v", err)
		}
	}()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.poller.Run(runCtx)
	}()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.fleet.RunJanitor(runCtx)
	}()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.history.Subscribe(d.events)
	}()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		events.Subscribe(d.events, events.LogHandler(events.LogConfig{}))
	}()

	log.Printf("daemon: listening on %s", d.socketPath)

	if ok, err := sdnotify.SdNotify(false, sdnotify.SdNotifyReady); err != nil {
		log.Printf("daemon: readiness notification failed: %v", err)
	} else if !ok {
		log.Print("daemon: no readiness notification socket configured, skipping")
	}

	select {
	case <-ctx.Done():
	case <-d.shutdownCh:
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	return d.gracefulShutdown(shutdownCtx)
}

// Shutdown requests an orderly stop. Safe to call multiple times and
// safe to call before Start returns.
func (d *Daemon) Shutdown() {
	d.shutdownOnce.Do(func() { close(d.shutdownCh) })
}

// gracefulShutdown stops accepting new connections, drains in-flight
// requests with a timeout, kills every live machine, waits for the
// background goroutines, and removes the socket file.
func (d *Daemon) gracefulShutdown(ctx context.Context) error {
	log.Print("daemon: shutting down")

	if d.server != nil {
		if err := d.server.Shutdown(ctx); err != nil {
			log.Printf("daemon: http server did not drain within timeout, forcing close: %v", err)
			d.server.Close()
		}
	}

	if d.cancel != nil {
		d.cancel()
	}

	d.fleet.KillAll()

	d.events.Close()

	d.wg.Wait()

	if err := d.history.Close(); err != nil {
		log.Printf("daemon: error closing history database: %v", err)
	}

	if err := os.Remove(d.socketPath); err != nil && !os.IsNotExist(err) {
		log.Printf("daemon: error removing socket file: %v", err)
	}

	log.Print("daemon: shutdown complete")
	return nil
}

// setupSocket removes any stale socket file and listens on a fresh one
// at socketFileMode.
func (d *Daemon) setupSocket() (net.Listener, error) {
	if err := os.Remove(d.socketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", d.socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}

	if err := os.Chmod(d.socketPath, socketFileMode); err != nil {
		listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	return listener, nil
}
