package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"mlvpn/internal/config"
	"mlvpn/internal/control"
	"mlvpn/internal/engine"
	"mlvpn/internal/frame"
	"mlvpn/internal/logger"
	"mlvpn/internal/transport"
	"mlvpn/internal/tuntap"
)

// Broker is the worker's view of the monitor. *privsep.Client implements it.
type Broker interface {
	OpenConfig(path string) (*os.File, error)
	OpenLog(path string) (*os.File, error)
	OpenTun(mode, name string, mtu int) (*os.File, string, error)
	GetAddrInfo(host string, port int) ([]netip.AddrPort, error)
	SetRunningState() error
	InitScript(path string) error
	RunScript(args ...string) error
	Close() error
}

type worker struct {
	opts       Options
	broker     Broker
	standalone bool
	drop       func(user string) error

	cfg      *config.Config
	log      *zap.SugaredLogger
	level    zap.AtomicLevel
	logFile  *logger.Reopenable
	rotating *lumberjack.Logger
	dev      *tuntap.Device
	eng      *engine.Engine
	ctl      *control.Server
	ctlLn    net.Listener
}

func (w *worker) main(ctx context.Context) error {
	defer w.broker.Close()
	if err := w.setup(); err != nil {
		w.close()
		return err
	}
	defer w.close()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGHUP, syscall.SIGUSR1)
	defer signal.Stop(sigs)
	return w.run(ctx, sigs)
}

// setup performs the startup sequence. Everything needing privileges
// happens before the drop; any failure is fatal.
func (w *worker) setup() error {
	cfg, err := w.loadConfig()
	if err != nil {
		return err
	}
	w.cfg = cfg

	var sink io.Writer
	if cfg.LogFile != "" {
		if w.standalone {
			w.rotating = logger.NewRotatingFile(cfg.LogFile)
			sink = w.rotating
		} else {
			f, err := w.broker.OpenLog(cfg.LogFile)
			if err != nil {
				return fmt.Errorf("open log: %w", err)
			}
			w.logFile = logger.NewReopenable(f)
			sink = w.logFile
		}
	}
	lc := logger.Config{Level: cfg.LogLevel, Console: w.opts.stderr()}
	if sink != nil {
		lc.File = sink
	}
	w.log, w.level = logger.New(lc)
	w.log = w.log.Named(cfg.Name)
	w.log.Infow("starting", "config", w.opts.ConfigPath, "tunnels", len(cfg.Tunnels),
		"privsep", !w.standalone)

	mode := frame.ModeTUN
	if cfg.Interface.Mode == "tap" {
		mode = frame.ModeTAP
	}
	if w.dev, err = tuntap.Open(w.broker, mode, cfg.Interface.Name, cfg.Interface.MTU); err != nil {
		return err
	}
	w.log.Infow("device ready", "dev", w.dev.Name(), "mode", mode, "mtu", w.dev.MTU())

	if cfg.StatusCommand != "" {
		if err := w.broker.InitScript(cfg.StatusCommand); err != nil {
			return fmt.Errorf("status_command: %w", err)
		}
	}
	tlsp, err := transport.LoadTLS(cfg)
	if err != nil {
		return err
	}
	sockets, err := engine.OpenListeners(cfg, tlsp)
	if err != nil {
		return err
	}
	if cfg.Control.Bind != "" {
		if w.ctlLn, err = control.Listen(cfg.Control.Bind); err != nil {
			closeSockets(sockets)
			return err
		}
	}

	if !w.standalone {
		if err := w.dropPrivileges(); err != nil {
			closeSockets(sockets)
			return err
		}
	}
	if err := w.broker.SetRunningState(); err != nil {
		closeSockets(sockets)
		return fmt.Errorf("enter running state: %w", err)
	}

	opts := engine.Options{
		Config:   cfg,
		Device:   w.dev,
		Resolver: w.broker,
		TLS:      tlsp,
		Sockets:  sockets,
		Log:      w.log,
	}
	if cfg.StatusCommand != "" {
		opts.Scripts = w.broker
	}
	if w.eng, err = engine.New(opts); err != nil {
		closeSockets(sockets)
		return err
	}
	if w.ctlLn != nil {
		w.ctl = control.New(w.eng, w.log)
	}
	return nil
}

func (w *worker) dropPrivileges() error {
	if w.cfg.User == "" {
		w.log.Warnw("no user configured, keeping root privileges")
		return nil
	}
	if err := w.drop(w.cfg.User); err != nil {
		return err
	}
	w.log.Infow("privileges dropped", "user", w.cfg.User)
	return nil
}

func (w *worker) loadConfig() (*config.Config, error) {
	f, err := w.broker.OpenConfig(w.opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	cfg, err := config.Parse(f)
	if err != nil {
		return nil, err
	}
	w.opts.override(cfg)
	return cfg, nil
}

// run drives the engine until ctx ends or the engine fails. SIGHUP reloads
// the configuration and SIGUSR1 reopens the log file.
func (w *worker) run(ctx context.Context, sigs <-chan os.Signal) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	engErr := make(chan error, 1)
	go func() { engErr <- w.eng.Run(ctx) }()
	if w.ctl != nil {
		go func() {
			if err := w.ctl.Serve(w.ctlLn); err != nil {
				w.log.Errorw("control api stopped", "error", err)
			}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			w.log.Infow("shutting down")
			err := <-engErr
			w.shutdownControl()
			return err
		case err := <-engErr:
			w.shutdownControl()
			if err != nil {
				w.log.Errorw("engine stopped", "error", err)
			}
			return err
		case sig := <-sigs:
			switch sig {
			case syscall.SIGHUP:
				if err := w.reload(ctx); err != nil {
					w.log.Errorw("reload failed, keeping current configuration", "error", err)
				}
			case syscall.SIGUSR1:
				if err := w.reopenLog(); err != nil {
					w.log.Errorw("log reopen failed", "error", err)
				}
			}
		}
	}
}

func (w *worker) reload(ctx context.Context) error {
	cfg, err := w.loadConfig()
	if err != nil {
		return err
	}
	if err := w.eng.Reconfigure(ctx, cfg); err != nil {
		return err
	}
	if lvl, err := zapcore.ParseLevel(cfg.LogLevel); err == nil {
		w.level.SetLevel(lvl)
	}
	w.cfg.LogLevel = cfg.LogLevel
	return nil
}

func (w *worker) reopenLog() error {
	switch {
	case w.rotating != nil:
		return w.rotating.Rotate()
	case w.logFile != nil:
		f, err := w.broker.OpenLog(w.cfg.LogFile)
		if err != nil {
			return err
		}
		if err := w.logFile.Swap(f); err != nil {
			return err
		}
		w.log.Infow("log file reopened", "path", w.cfg.LogFile)
	}
	return nil
}

func (w *worker) shutdownControl() {
	if w.ctl == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := w.ctl.Shutdown(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		w.log.Warnw("control api shutdown", "error", err)
	}
}

func (w *worker) close() {
	if w.ctl == nil && w.ctlLn != nil {
		w.ctlLn.Close()
	}
	if w.dev != nil {
		w.dev.Close()
	}
	if w.log != nil {
		_ = w.log.Sync()
	}
	if w.logFile != nil {
		w.logFile.Close()
	}
	if w.rotating != nil {
		w.rotating.Close()
	}
}

func closeSockets(sockets map[string]*engine.ServerSocket) {
	for _, s := range sockets {
		_ = s.Close()
	}
}
