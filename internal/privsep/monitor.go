package privsep

import (
	"errors"
	"io"
	"net"
	"net/netip"
	"os"
	"strconv"
	"sync"

	"go.uber.org/zap"
)

// Executor performs the privileged operations themselves. The monitor
// decides whether a request may reach it.
type Executor interface {
	OpenConfig(path string) (*os.File, error)
	OpenTun(mode, name string, mtu int) (*os.File, string, error)
	OpenLog(path string) (*os.File, error)
	GetAddrInfo(host string, port int) ([]netip.AddrPort, error)
	CheckScript(path string) error
	RunScript(path string, args []string) error
}

type MonitorConfig struct {
	// ConfigPath and LogPath are the only files OpenConfig and OpenLog will
	// open. An empty LogPath disables OpenLog.
	ConfigPath string
	LogPath    string
}

// Monitor serves privileged requests. Before SetRunningState every operation
// is allowed; afterwards only the ones a running worker legitimately needs:
// re-reading the config, reopening the log, resolving peers and running the
// status script.
type Monitor struct {
	exec Executor
	cfg  MonitorConfig
	log  *zap.SugaredLogger

	mu      sync.Mutex
	running bool
	script  string
}

func NewMonitor(exec Executor, cfg MonitorConfig, log *zap.SugaredLogger) *Monitor {
	return &Monitor{exec: exec, cfg: cfg, log: log.Named("privsep")}
}

var runningOps = map[Op]bool{
	OpOpenConfig:  true,
	OpOpenLog:     true,
	OpGetAddrInfo: true,
	OpRunScript:   true,
}

func (m *Monitor) allowed(op Op) bool {
	return !m.running || runningOps[op]
}

// Running reports whether the worker has entered the running state.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Handle executes one well-formed request. The returned file, if any, is
// owned by the caller.
func (m *Monitor) Handle(req Request) (Reply, *os.File) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, known := req.Op.argc(); !known {
		m.log.Warnw("unknown operation", "op", req.Op)
		return failReply(CodeUnknownOp, "unknown operation %d", uint8(req.Op)), nil
	}
	if !m.allowed(req.Op) {
		m.log.Warnw("operation refused in running state", "op", req.Op)
		return failReply(CodeNotPermitted, "%s not permitted in running state", req.Op), nil
	}

	arg := func(i int) string { return string(req.Args[i]) }
	switch req.Op {
	case OpOpenConfig:
		if arg(0) != m.cfg.ConfigPath {
			return failReply(CodeNotPermitted, "config path %q not permitted", arg(0)), nil
		}
		return m.file(m.exec.OpenConfig(arg(0)))

	case OpOpenLog:
		if m.cfg.LogPath == "" || arg(0) != m.cfg.LogPath {
			return failReply(CodeNotPermitted, "log path %q not permitted", arg(0)), nil
		}
		return m.file(m.exec.OpenLog(arg(0)))

	case OpOpenTun:
		mode, name := arg(0), arg(1)
		if mode != "tun" && mode != "tap" {
			return failReply(CodeFailed, "invalid device mode %q", mode), nil
		}
		mtu, err := strconv.Atoi(arg(2))
		if err != nil {
			return failReply(CodeFailed, "invalid mtu %q", arg(2)), nil
		}
		f, dev, err := m.exec.OpenTun(mode, name, mtu)
		if err != nil {
			return failReply(CodeFailed, "%v", err), nil
		}
		m.log.Infow("device opened", "dev", dev, "mode", mode)
		return okReply(dev), f

	case OpGetAddrInfo:
		port, err := strconv.Atoi(arg(1))
		if err != nil || port < 0 || port > 65535 {
			return failReply(CodeFailed, "invalid port %q", arg(1)), nil
		}
		addrs, err := m.exec.GetAddrInfo(arg(0), port)
		if err != nil {
			return failReply(CodeFailed, "%v", err), nil
		}
		values := make([]string, len(addrs))
		for i, a := range addrs {
			values[i] = a.String()
		}
		return okReply(values...), nil

	case OpSetRunningState:
		m.running = true
		m.log.Infow("worker entered running state")
		return okReply(), nil

	case OpInitScript:
		if err := m.exec.CheckScript(arg(0)); err != nil {
			return failReply(CodeFailed, "%v", err), nil
		}
		m.script = arg(0)
		return okReply(), nil

	case OpRunScript:
		if m.script == "" {
			return failReply(CodeFailed, "no status script registered"), nil
		}
		args := make([]string, len(req.Args))
		for i := range req.Args {
			args[i] = arg(i)
		}
		if err := m.exec.RunScript(m.script, args); err != nil {
			m.log.Warnw("status script failed", "args", args, "error", err)
			return failReply(CodeFailed, "%v", err), nil
		}
		return okReply(), nil
	}
	return failReply(CodeUnknownOp, "unknown operation %d", uint8(req.Op)), nil
}

func (m *Monitor) file(f *os.File, err error) (Reply, *os.File) {
	if err != nil {
		return failReply(CodeFailed, "%v", err), nil
	}
	return okReply(), f
}

// Serve answers requests from conn until the worker closes it. A malformed
// request ends the session with ErrMalformed after closing the channel.
func (m *Monitor) Serve(conn *net.UnixConn) error {
	defer conn.Close()
	for {
		msg, stray, err := recv(conn)
		if stray != nil {
			stray.Close()
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		req, err := ParseRequest(msg)
		if err != nil {
			m.log.Errorw("malformed request, closing channel", "len", len(msg))
			return err
		}
		reply, f := m.Handle(req)
		b, err := reply.MarshalBinary()
		if err == nil {
			err = send(conn, b, f)
		}
		if f != nil {
			f.Close()
		}
		if err != nil {
			return err
		}
	}
}
