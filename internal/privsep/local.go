package privsep

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/exec"
	"time"

	"github.com/songgao/water"
	"golang.org/x/sys/unix"
)

const (
	ResolveTimeout = 10 * time.Second
	ScriptTimeout  = 30 * time.Second
)

// Local performs the privileged operations in the calling process.
type Local struct{}

func (Local) OpenConfig(path string) (*os.File, error) {
	return os.Open(path)
}

func (Local) OpenLog(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o640)
}

// OpenTun allocates a TUN or TAP device and sets its MTU. The returned file
// is in non-blocking mode.
func (Local) OpenTun(mode, name string, mtu int) (*os.File, string, error) {
	cfg := water.Config{DeviceType: water.TUN}
	if mode == "tap" {
		cfg.DeviceType = water.TAP
	}
	cfg.PlatformSpecificParams.Name = name
	ifce, err := water.New(cfg)
	if err != nil {
		return nil, "", fmt.Errorf("open %s %s: %w", mode, name, err)
	}
	f, ok := ifce.ReadWriteCloser.(*os.File)
	if !ok {
		ifce.Close()
		return nil, "", fmt.Errorf("open %s: device is %T, not a file", mode, ifce.ReadWriteCloser)
	}
	if mtu > 0 {
		if err := setMTU(ifce.Name(), mtu); err != nil {
			f.Close()
			return nil, "", fmt.Errorf("set mtu on %s: %w", ifce.Name(), err)
		}
	}
	return f, ifce.Name(), nil
}

func setMTU(name string, mtu int) error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return err
	}
	defer unix.Close(fd)
	ifr, err := unix.NewIfreq(name)
	if err != nil {
		return err
	}
	ifr.SetUint32(uint32(mtu))
	return unix.IoctlIfreq(fd, unix.SIOCSIFMTU, ifr)
}

func (Local) GetAddrInfo(host string, port int) ([]netip.AddrPort, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ResolveTimeout)
	defer cancel()
	ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}
	out := make([]netip.AddrPort, 0, len(ips))
	for _, ip := range ips {
		out = append(out, netip.AddrPortFrom(ip.Unmap(), uint16(port)))
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no address for %s", host)
	}
	return out, nil
}

// CheckScript accepts a regular, executable file that is not writable by
// group or others.
func (Local) CheckScript(path string) error {
	st, err := os.Stat(path)
	if err != nil {
		return err
	}
	mode := st.Mode()
	if !mode.IsRegular() {
		return fmt.Errorf("%s: not a regular file", path)
	}
	if mode.Perm()&0o111 == 0 {
		return fmt.Errorf("%s: not executable", path)
	}
	if mode.Perm()&0o022 != 0 {
		return fmt.Errorf("%s: writable by group or others", path)
	}
	return nil
}

func (Local) RunScript(path string, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), ScriptTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, path, args...).CombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("%s exited with %d: %s", path, exitErr.ExitCode(), trim(out))
		}
		return err
	}
	return nil
}

func trim(b []byte) string {
	const limit = 256
	if len(b) > limit {
		b = b[:limit]
	}
	return string(b)
}
