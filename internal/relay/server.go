// Package relay implements the rendezvous server: it pairs one host
// connection with any number of client connections under a shared room
// code and routes opaque request/response/emit envelopes between them.
// The relay never touches the controlled application.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/obsbridge/obsbridge/internal/metrics"
	"github.com/obsbridge/obsbridge/internal/protocol"
)

const (
	// writeTimeout bounds a single envelope write so one stalled peer
	// cannot wedge another connection's handler.
	writeTimeout = 10 * time.Second

	readLimit = 1 << 20 // max envelope frame size
)

// Config holds relay server configuration.
type Config struct {
	MaxConnections int // 0 = unlimited
	Logger         *slog.Logger
	Metrics        *metrics.Metrics // optional; nil disables metrics
}

// Server is the relay rendezvous point. It owns its registry instance;
// there is no process-global room state.
type Server struct {
	registry *Registry
	logger   *slog.Logger
	metrics  *metrics.Metrics
	sem      *connSemaphore
}

// NewServer creates a relay server with an empty room registry.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		registry: NewRegistry(),
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		sem:      newConnSemaphore(cfg.MaxConnections),
	}
}

// Registry exposes the room table, primarily for tests.
func (s *Server) Registry() *Registry {
	return s.registry
}

// conn is a single persistent duplex channel, owned by its accept
// handler for its lifetime. The write mutex serializes forwards from
// other connections' handlers with this handler's own status replies.
type conn struct {
	ws      *websocket.Conn
	remote  string
	writeMu sync.Mutex
}

// send writes one envelope, bounded by writeTimeout.
func (c *conn) send(ctx context.Context, env protocol.Envelope) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.Write(ctx, websocket.MessageText, env.Encode())
}

// ServeHTTP upgrades the request to a websocket and runs the
// connection's receive loop until the peer disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.sem.tryAcquire(r.Context()) {
		s.logger.Warn("max connections reached, rejecting", "remote", r.RemoteAddr)
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	defer s.sem.release()

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer func() { _ = ws.CloseNow() }()
	ws.SetReadLimit(readLimit)

	c := &conn{ws: ws, remote: r.RemoteAddr}
	s.metrics.ConnectionOpened()
	defer s.metrics.ConnectionClosed()

	s.handleConn(r.Context(), c)
	_ = ws.Close(websocket.StatusNormalClosure, "done")
}

// handleConn processes envelopes until the receive loop terminates by
// any cause. Registry cleanup runs on every exit path; that is the only
// cleanup path in the persistent-connection design.
func (s *Server) handleConn(ctx context.Context, c *conn) {
	defer s.registry.Remove(c)

	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			s.logger.Debug("connection closed", "remote", c.remote, "error", err)
			return
		}
		s.route(ctx, c, protocol.Decode(data))
	}
}

// route dispatches one inbound envelope. Every envelope that is not
// itself a status_response is answered with exactly one status_response
// carrying the original correlation id. Errors from one connection's
// handling never escape into another connection's state.
func (s *Server) route(ctx context.Context, c *conn, env protocol.Envelope) {
	if env.IsInvalid() || env.Code == "" {
		s.sendStatus(ctx, c, env, protocol.StatusBadRequest, "improperly formatted message")
		return
	}
	s.metrics.MessageRouted(string(env.Type))

	switch env.Type {
	case protocol.KindServerSubscribe:
		if err := s.registry.SetHost(env.Code, c); err != nil {
			s.sendStatus(ctx, c, env, protocol.StatusBadRequest, "room already has a host")
			return
		}
		s.metrics.SetRooms(s.registry.RoomCount())
		s.logger.Info("host joined room", "room", env.Code, "remote", c.remote)
		s.sendStatus(ctx, c, env, protocol.StatusOK, fmt.Sprintf("joined room %q as host", env.Code))

	case protocol.KindClientSubscribe:
		switch err := s.registry.AddClient(env.Code, c); {
		case errors.Is(err, ErrUnknownRoom):
			s.sendStatus(ctx, c, env, protocol.StatusInvalidRoom, "invalid room code")
		case errors.Is(err, ErrAlreadyJoined):
			s.sendStatus(ctx, c, env, protocol.StatusAlreadyJoined, fmt.Sprintf("already in room %q as client", env.Code))
		default:
			s.logger.Info("client joined room", "room", env.Code, "remote", c.remote)
			s.sendStatus(ctx, c, env, protocol.StatusOK, fmt.Sprintf("joined room %q as client", env.Code))
		}

	case protocol.KindAwaitRequest:
		s.forwardToHost(ctx, c, env, "forwarded")

	case protocol.KindEmitRequest:
		s.forwardToHost(ctx, c, env, "emitted")

	case protocol.KindAwaitResponse:
		if !s.registry.IsHost(env.Code, c) {
			s.sendStatus(ctx, c, env, protocol.StatusInvalidRoom, "invalid room code")
			return
		}
		for _, client := range s.registry.Clients(env.Code) {
			if err := client.send(ctx, env); err != nil {
				// A dead client cannot be notified; detach it so the
				// room does not retain the stale reference.
				s.logger.Warn("broadcast to client failed", "room", env.Code, "error", err)
				s.metrics.ForwardError(string(env.Type))
				s.registry.Remove(client)
			}
		}
		s.sendStatus(ctx, c, env, protocol.StatusOK, "broadcasted")

	case protocol.KindStatusResponse:
		// Status responses are replies; the relay never answers them.
		s.logger.Debug("dropping unexpected status_response", "room", env.Code, "remote", c.remote)
	}
}

// forwardToHost routes an await or emit request envelope verbatim to
// the room's host. The 200 ack means "the host will process this", not
// the eventual result.
func (s *Server) forwardToHost(ctx context.Context, c *conn, env protocol.Envelope, verb string) {
	if !s.registry.IsClient(env.Code, c) {
		s.sendStatus(ctx, c, env, protocol.StatusInvalidRoom, "invalid room code")
		return
	}
	host := s.registry.Host(env.Code)
	if host == nil {
		s.sendStatus(ctx, c, env, protocol.StatusInvalidRoom, "room has no host")
		return
	}
	if err := host.send(ctx, env); err != nil {
		s.logger.Warn("forward to host failed", "room", env.Code, "error", err)
		s.metrics.ForwardError(string(env.Type))
		s.registry.Remove(host)
		s.sendStatus(ctx, c, env, protocol.StatusInvalidRoom, "room has no host")
		return
	}
	s.sendStatus(ctx, c, env, protocol.StatusOK, verb)
}

func (s *Server) sendStatus(ctx context.Context, c *conn, env protocol.Envelope, code int, message string) {
	s.metrics.StatusSent(code)
	if err := c.send(ctx, protocol.Status(env.Code, env.ID, code, message)); err != nil {
		s.logger.Debug("status reply failed", "remote", c.remote, "error", err)
	}
}

// ListenAndServe serves the relay on ln until ctx is cancelled, then
// shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle("/ws", s)

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		close(shutdownDone)
	}()

	s.logger.Info("relay listening", "addr", ln.Addr())
	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	if ctx.Err() != nil {
		<-shutdownDone
	}
	return nil
}
