// Package control serves the status and remote-control API of a running
// daemon over HTTP, on a unix socket or a TCP address.
//
//	GET  /status               JSON snapshot of the engine
//	POST /tunnels/{name}/reset force a tunnel down
//	GET  /stats                websocket pushing a snapshot every second
package control

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"mlvpn/internal/engine"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// StatsInterval is the push period of the /stats stream.
const StatsInterval = time.Second

// Engine is the part of the engine the API drives.
type Engine interface {
	Snapshot(ctx context.Context) (engine.Snapshot, error)
	Reset(ctx context.Context, name string) error
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Server struct {
	eng      Engine
	log      *zap.SugaredLogger
	srv      *http.Server
	interval time.Duration
}

func New(eng Engine, log *zap.SugaredLogger) *Server {
	s := &Server{eng: eng, log: log.Named("control"), interval: StatsInterval}
	s.srv = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /tunnels/{name}/reset", s.handleReset)
	mux.HandleFunc("GET /stats", s.handleStats)
	return mux
}

// Listen binds the control address. A value starting with "/" or "unix:" is
// a unix socket path; a stale socket file is replaced.
func Listen(bind string) (net.Listener, error) {
	if path, ok := socketPath(bind); ok {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("control: %w", err)
		}
		ln, err := net.Listen("unix", path)
		if err != nil {
			return nil, fmt.Errorf("control: %w", err)
		}
		if err := os.Chmod(path, 0o660); err != nil {
			ln.Close()
			return nil, fmt.Errorf("control: %w", err)
		}
		return ln, nil
	}
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return nil, fmt.Errorf("control: %w", err)
	}
	return ln, nil
}

func socketPath(bind string) (string, bool) {
	if p, ok := strings.CutPrefix(bind, "unix:"); ok {
		return p, true
	}
	return bind, strings.HasPrefix(bind, "/")
}

// Serve answers requests on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.log.Infow("control api listening", "addr", ln.Addr())
	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.eng.Snapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	err := s.eng.Reset(r.Context(), name)
	switch {
	case errors.Is(err, engine.ErrUnknownTunnel):
		writeError(w, http.StatusNotFound, err)
		return
	case err != nil:
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	s.log.Infow("tunnel reset requested", "tunnel", name, "remote", r.RemoteAddr)
	writeJSON(w, http.StatusOK, map[string]string{"tunnel": name, "result": "reset"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	// Reading detects the peer closing; nothing it sends is used.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		snap, err := s.eng.Snapshot(ctx)
		if err != nil {
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "engine stopped"))
			return
		}
		b, err := json.Marshal(snap)
		if err != nil {
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
