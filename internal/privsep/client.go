package privsep

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"strconv"
	"sync"
)

type roundTripper func(Request) (Reply, *os.File, error)

// Client issues privileged requests on behalf of the worker. It is safe for
// concurrent use; requests are serialized.
type Client struct {
	mu    sync.Mutex
	rt    roundTripper
	close func() error
}

// NewClient talks to a monitor process over conn.
func NewClient(conn *net.UnixConn) *Client {
	return &Client{
		rt: func(req Request) (Reply, *os.File, error) {
			b, err := req.MarshalBinary()
			if err != nil {
				return Reply{}, nil, err
			}
			if err := send(conn, b, nil); err != nil {
				return Reply{}, nil, fmt.Errorf("privsep: send %s: %w", req.Op, err)
			}
			msg, f, err := recv(conn)
			if err != nil {
				return Reply{}, nil, fmt.Errorf("privsep: %s: monitor channel: %w", req.Op, err)
			}
			reply, err := ParseReply(msg)
			if err != nil {
				if f != nil {
					f.Close()
				}
				return Reply{}, nil, err
			}
			return reply, f, nil
		},
		close: conn.Close,
	}
}

// InProcess runs requests directly against m, without a second process.
// Used when the daemon is not started as root.
func InProcess(m *Monitor) *Client {
	return &Client{
		rt: func(req Request) (Reply, *os.File, error) {
			reply, f := m.Handle(req)
			return reply, f, nil
		},
		close: func() error { return nil },
	}
}

func (c *Client) call(op Op, args ...string) (Reply, *os.File, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	reply, f, err := c.rt(newRequest(op, args...))
	if err != nil {
		return Reply{}, nil, err
	}
	if err := reply.Err(op); err != nil {
		if f != nil {
			f.Close()
		}
		return Reply{}, nil, err
	}
	return reply, f, nil
}

func (c *Client) callFile(op Op, args ...string) (*os.File, Reply, error) {
	reply, f, err := c.call(op, args...)
	if err != nil {
		return nil, Reply{}, err
	}
	if f == nil {
		return nil, Reply{}, fmt.Errorf("privsep %s: %w", op, ErrNoDescriptor)
	}
	return f, reply, nil
}

func (c *Client) OpenConfig(path string) (*os.File, error) {
	f, _, err := c.callFile(OpOpenConfig, path)
	return f, err
}

func (c *Client) OpenLog(path string) (*os.File, error) {
	f, _, err := c.callFile(OpOpenLog, path)
	return f, err
}

// OpenTun allocates the virtual device and returns it with the name the
// kernel assigned.
func (c *Client) OpenTun(mode, name string, mtu int) (*os.File, string, error) {
	f, reply, err := c.callFile(OpOpenTun, mode, name, strconv.Itoa(mtu))
	if err != nil {
		return nil, "", err
	}
	if len(reply.Values) != 1 {
		f.Close()
		return nil, "", fmt.Errorf("privsep %s: %w", OpOpenTun, ErrMalformed)
	}
	return f, string(reply.Values[0]), nil
}

func (c *Client) GetAddrInfo(host string, port int) ([]netip.AddrPort, error) {
	reply, _, err := c.call(OpGetAddrInfo, host, strconv.Itoa(port))
	if err != nil {
		return nil, err
	}
	out := make([]netip.AddrPort, 0, len(reply.Values))
	for _, v := range reply.Values {
		ap, err := netip.ParseAddrPort(string(v))
		if err != nil {
			return nil, fmt.Errorf("privsep %s: %w", OpGetAddrInfo, ErrMalformed)
		}
		out = append(out, ap)
	}
	return out, nil
}

func (c *Client) SetRunningState() error {
	_, _, err := c.call(OpSetRunningState)
	return err
}

func (c *Client) InitScript(path string) error {
	_, _, err := c.call(OpInitScript, path)
	return err
}

// RunScript runs the registered status script with args.
func (c *Client) RunScript(args ...string) error {
	_, _, err := c.call(OpRunScript, args...)
	return err
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.close()
}
