package control

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"mlvpn/internal/engine"
)

// Client talks to the control API of a running daemon.
type Client struct {
	http *http.Client
	ws   *websocket.Dialer
	base string
}

// NewClient returns a client for bind, using the same address syntax as
// Listen.
func NewClient(bind string) *Client {
	tr := &http.Transport{}
	ws := &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	base := "http://" + bind
	if path, ok := socketPath(bind); ok {
		dial := func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", path)
		}
		tr.DialContext = dial
		ws.NetDialContext = dial
		base = "http://mlvpn"
	}
	return &Client{http: &http.Client{Transport: tr, Timeout: 10 * time.Second}, ws: ws, base: base}
}

// Watch follows the /stats stream, calling fn for every snapshot until ctx
// ends or the daemon closes the stream.
func (c *Client) Watch(ctx context.Context, fn func(engine.Snapshot)) error {
	url := "ws" + strings.TrimPrefix(c.base, "http") + "/stats"
	conn, _, err := c.ws.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("control: %w", err)
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	for {
		_, b, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("control: %w", err)
		}
		var snap engine.Snapshot
		if err := json.Unmarshal(b, &snap); err != nil {
			return fmt.Errorf("control: %w", err)
		}
		if ctx.Err() != nil {
			return nil
		}
		fn(snap)
	}
}

func (c *Client) Status(ctx context.Context) (engine.Snapshot, error) {
	var snap engine.Snapshot
	err := c.do(ctx, http.MethodGet, "/status", &snap)
	return snap, err
}

func (c *Client) Reset(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/tunnels/"+name+"/reset", nil)
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(b, &e) == nil && e.Error != "" {
			return fmt.Errorf("control: %s", e.Error)
		}
		return fmt.Errorf("control: %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(b, out)
}
