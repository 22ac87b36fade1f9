// Package daemon wires the components into a running process.
//
// Started as root, the process becomes the privileged monitor: it creates
// the privsep channel, re-executes itself as the hidden worker command with
// the channel on fd 3 and then only answers the worker's requests and
// forwards signals to it. Started as an ordinary user, a single process runs
// the worker with the monitor in-process.
package daemon

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"go.uber.org/zap"

	"mlvpn/internal/config"
	"mlvpn/internal/logger"
	"mlvpn/internal/privsep"
)

// ChannelFD is the descriptor the worker finds the privsep channel on.
const ChannelFD = 3

type Options struct {
	ConfigPath string
	// User, PIDFile and Name override the configuration when set.
	User    string
	PIDFile string
	Name    string
	Verbose int
	Debug   bool

	// Stderr receives console logging. Defaults to os.Stderr.
	Stderr io.Writer
}

// Args renders the options as worker command-line flags.
func (o Options) Args() []string {
	args := []string{"--config", o.ConfigPath}
	if o.User != "" {
		args = append(args, "--user", o.User)
	}
	if o.Name != "" {
		args = append(args, "--name", o.Name)
	}
	for i := 0; i < o.Verbose; i++ {
		args = append(args, "-v")
	}
	if o.Debug {
		args = append(args, "--debug")
	}
	return args
}

func (o Options) stderr() io.Writer {
	if o.Stderr != nil {
		return o.Stderr
	}
	return os.Stderr
}

// override applies command-line settings on top of cfg.
func (o Options) override(cfg *config.Config) {
	if o.User != "" {
		cfg.User = o.User
	}
	if o.PIDFile != "" {
		cfg.PIDFile = o.PIDFile
	}
	if o.Name != "" {
		cfg.Name = o.Name
	}
	cfg.LogLevel = logLevel(cfg.LogLevel, o.Verbose, o.Debug)
}

var levels = []string{"error", "warn", "info", "debug"}

// logLevel lowers the configured level by one step per -v.
func logLevel(level string, verbose int, debug bool) string {
	if debug {
		return "debug"
	}
	i := 2
	for j, l := range levels {
		if l == level {
			i = j
		}
	}
	i += verbose
	if i >= len(levels) {
		i = len(levels) - 1
	}
	return levels[i]
}

// Run starts the daemon and returns when it stops.
func Run(ctx context.Context, opts Options) error {
	path, err := filepath.Abs(opts.ConfigPath)
	if err != nil {
		return err
	}
	opts.ConfigPath = path
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	opts.override(cfg)

	if cfg.PIDFile != "" {
		if err := WritePIDFile(cfg.PIDFile); err != nil {
			return err
		}
		defer os.Remove(cfg.PIDFile)
	}

	if os.Geteuid() != 0 {
		return runStandalone(ctx, opts, cfg)
	}
	log, _ := logger.New(logger.Config{Level: cfg.LogLevel, Console: opts.stderr()})
	defer log.Sync()
	return runMonitor(ctx, opts, cfg, log.Named("monitor"))
}

// RunWorker is the entry point of the re-executed worker process.
func RunWorker(ctx context.Context, opts Options) error {
	f := os.NewFile(ChannelFD, "privsep")
	if f == nil {
		return errors.New("worker: privsep channel missing")
	}
	conn, err := privsep.FileConn(f)
	if err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	w := &worker{opts: opts, broker: privsep.NewClient(conn), drop: DropPrivileges}
	return w.main(ctx)
}

func runStandalone(ctx context.Context, opts Options, cfg *config.Config) error {
	boot, _ := logger.New(logger.Config{Level: cfg.LogLevel, Console: opts.stderr()})
	boot.Infow("not running as root, privilege separation disabled")
	mon := privsep.NewMonitor(privsep.Local{}, privsep.MonitorConfig{ConfigPath: opts.ConfigPath, LogPath: cfg.LogFile}, boot)
	w := &worker{opts: opts, broker: privsep.InProcess(mon), standalone: true}
	return w.main(ctx)
}

func runMonitor(ctx context.Context, opts Options, cfg *config.Config, log *zap.SugaredLogger) error {
	monEnd, workerEnd, err := privsep.Socketpair()
	if err != nil {
		return err
	}
	exe, err := os.Executable()
	if err != nil {
		monEnd.Close()
		workerEnd.Close()
		return err
	}
	cmd := exec.Command(exe, append([]string{"worker"}, opts.Args()...)...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{workerEnd}
	if err := cmd.Start(); err != nil {
		monEnd.Close()
		workerEnd.Close()
		return fmt.Errorf("start worker: %w", err)
	}
	workerEnd.Close()
	log.Infow("worker started", "pid", cmd.Process.Pid)

	waited := make(chan error, 1)
	go func() { waited <- cmd.Wait() }()

	conn, err := privsep.FileConn(monEnd)
	if err != nil {
		_ = cmd.Process.Kill()
		<-waited
		return err
	}
	mon := privsep.NewMonitor(privsep.Local{}, privsep.MonitorConfig{
		ConfigPath: opts.ConfigPath,
		LogPath:    cfg.LogFile,
	}, log)
	served := make(chan error, 1)
	go func() { served <- mon.Serve(conn) }()

	sigs := make(chan os.Signal, 4)
	signal.Notify(sigs, syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigs)

	done := ctx.Done()
	for {
		select {
		case sig := <-sigs:
			log.Debugw("forwarding signal", "signal", sig)
			_ = cmd.Process.Signal(sig)
		case <-done:
			done = nil
			_ = cmd.Process.Signal(syscall.SIGTERM)
		case err := <-served:
			served = nil
			if err != nil {
				log.Errorw("privsep channel closed, stopping worker", "error", err)
				_ = cmd.Process.Signal(syscall.SIGTERM)
			}
		case err := <-waited:
			if err != nil {
				return fmt.Errorf("worker: %w", err)
			}
			log.Infow("worker exited")
			return nil
		}
	}
}

// WritePIDFile records the current pid at path. An existing file naming a
// live process is an error; a stale one is replaced.
func WritePIDFile(path string) error {
	if b, err := os.ReadFile(path); err == nil {
		if pid, err := strconv.Atoi(string(bytes.TrimSpace(b))); err == nil && pid > 0 && processAlive(pid) {
			return fmt.Errorf("pidfile %s: process %d is running", path, pid)
		}
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

