package privsep

import (
	"fmt"
	"io"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// Socketpair creates the monitor/worker channel. The worker end is meant to
// be inherited by the re-executed worker process through exec.Cmd.ExtraFiles.
func Socketpair() (monitor, worker *os.File, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("privsep: socketpair: %w", err)
	}
	return os.NewFile(uintptr(fds[0]), "privsep-monitor"), os.NewFile(uintptr(fds[1]), "privsep-worker"), nil
}

// FileConn turns one end of the channel into a connection. f is closed.
func FileConn(f *os.File) (*net.UnixConn, error) {
	defer f.Close()
	c, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("privsep: channel: %w", err)
	}
	uc, ok := c.(*net.UnixConn)
	if !ok {
		c.Close()
		return nil, fmt.Errorf("privsep: channel is %T, not a unix socket", c)
	}
	return uc, nil
}

// send writes one message, attaching file's descriptor when file is set.
func send(conn *net.UnixConn, msg []byte, file *os.File) error {
	if file == nil {
		_, _, err := conn.WriteMsgUnix(msg, nil, nil)
		return err
	}
	// Control keeps the descriptor in its current (possibly non-blocking)
	// mode, unlike Fd.
	rc, err := file.SyscallConn()
	if err != nil {
		return err
	}
	var werr error
	if err := rc.Control(func(fd uintptr) {
		_, _, werr = conn.WriteMsgUnix(msg, unix.UnixRights(int(fd)), nil)
	}); err != nil {
		return err
	}
	return werr
}

// recv reads one message and the descriptor attached to it, if any. A
// zero-length read is the peer closing the channel.
func recv(conn *net.UnixConn) ([]byte, *os.File, error) {
	buf := make([]byte, MaxMessage+1)
	oob := make([]byte, unix.CmsgSpace(4*4))
	n, oobn, flags, _, err := conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return nil, nil, err
	}
	fds, err := parseRights(oob[:oobn])
	if err != nil {
		return nil, nil, err
	}
	if flags&(unix.MSG_TRUNC|unix.MSG_CTRUNC) != 0 || n > MaxMessage {
		closeAll(fds)
		return nil, nil, ErrMalformed
	}
	if n == 0 && len(fds) == 0 {
		return nil, nil, io.EOF
	}
	var file *os.File
	if len(fds) > 0 {
		file = os.NewFile(uintptr(fds[0]), "privsep-fd")
		closeAll(fds[1:])
	}
	return buf[:n], file, nil
}

func parseRights(oob []byte) ([]int, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("privsep: control message: %w", err)
	}
	var fds []int
	for i := range msgs {
		rights, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			continue
		}
		fds = append(fds, rights...)
	}
	return fds, nil
}

func closeAll(fds []int) {
	for _, fd := range fds {
		_ = unix.Close(fd)
	}
}
