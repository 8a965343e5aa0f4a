package proxy

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/obsbridge/obsbridge/internal/obsws"
	"github.com/obsbridge/obsbridge/internal/protocol"
)

// HostConfig holds proxied host adapter configuration.
type HostConfig struct {
	RelayURL string
	RoomCode string

	// OBS is the real control-plane client routed requests are
	// executed against.
	OBS obsws.Client

	// StatusTimeout bounds each wait for a relay status ack.
	// Defaults to 5s.
	StatusTimeout time.Duration

	// DialTimeout is the total retry budget for the relay dial
	// (0 = single attempt).
	DialTimeout time.Duration

	Logger *slog.Logger
}

// Host is the proxied host adapter running alongside the controlled
// application. It receives routed requests from the relay, executes
// them against the real control-plane client, and returns results for
// awaited requests. The host never initiates control-plane calls of its
// own accord.
type Host struct {
	cfg       HostConfig
	link      *link
	connected atomic.Bool
}

// NewHost creates a proxied host adapter for the given relay and room
// code.
func NewHost(cfg HostConfig) *Host {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.StatusTimeout == 0 {
		cfg.StatusTimeout = defaultStatusTimeout
	}
	return &Host{cfg: cfg}
}

// Connect establishes the real control-plane connection and the relay
// channel, then claims the host role for the room. Both must succeed.
// On a relay-side failure the already-opened control-plane connection
// is left to the caller to dispose; Connect reports false cleanly.
func (h *Host) Connect(ctx context.Context) bool {
	if err := h.cfg.OBS.Connect(ctx); err != nil {
		h.cfg.Logger.Error("obs connect failed", "error", err)
		return false
	}

	l, err := dialLinkWithTimeout(ctx, h.cfg.RelayURL, h.cfg.DialTimeout, h.cfg.Logger)
	if err != nil {
		h.cfg.Logger.Error("relay dial failed", "url", h.cfg.RelayURL, "error", err)
		return false
	}

	st, ok := l.sendAwaitStatus(ctx, protocol.New(h.cfg.RoomCode, protocol.KindServerSubscribe), h.cfg.StatusTimeout)
	if !ok || !st.OK() {
		if ok {
			h.cfg.Logger.Error("server subscribe rejected", "code", st.StatusCode, "message", st.Message)
		}
		l.close()
		return false
	}

	h.link = l
	h.connected.Store(true)
	h.cfg.Logger.Info("hosting room", "room", h.cfg.RoomCode)
	return true
}

// Connected reports whether the adapter believes the relay path is up.
func (h *Host) Connected() bool {
	return h.connected.Load() && h.link != nil && h.link.connected.Load()
}

// Update drains pending routed requests without blocking and services
// each against the control-plane client: awaited requests produce an
// await_response envelope with the same correlation id; emitted
// requests are fired without reply. A dead relay channel degrades the
// adapter to not-connected; the caller is expected to Connect again.
func (h *Host) Update(ctx context.Context) {
	if !h.Connected() {
		h.connected.Store(false)
		return
	}

	for _, env := range h.link.drainUnsolicited() {
		switch env.Type {
		case protocol.KindAwaitRequest:
			h.serveAwait(ctx, env)
		case protocol.KindEmitRequest:
			h.serveEmit(ctx, env)
		default:
			h.cfg.Logger.Debug("dropping unexpected routed frame", "kind", env.Type)
		}
	}

	if !h.link.connected.Load() {
		h.connected.Store(false)
	}
}

func (h *Host) serveAwait(ctx context.Context, env protocol.Envelope) {
	var p protocol.RequestPayload
	if err := env.Payload(&p); err != nil {
		h.cfg.Logger.Warn("malformed routed request", "error", err)
		return
	}

	resp, err := h.cfg.OBS.Call(ctx, obsws.Request{Type: p.RequestType, Data: p.RequestData})
	if err != nil {
		h.cfg.Logger.Error("obs call failed", "requestType", p.RequestType, "error", err)
		resp = obsws.RequestResponse{
			Type:   p.RequestType,
			Status: obsws.RequestStatus{Result: false, Code: 0, Comment: err.Error()},
		}
	}

	out := protocol.Envelope{
		Code: env.Code,
		ID:   env.ID, // the client matches the result by the request's own id
		Type: protocol.KindAwaitResponse,
	}.WithPayload(protocol.ResponsePayload{
		RequestType: resp.Type,
		RequestStatus: protocol.ResponseStatus{
			Result:  resp.Status.Result,
			Code:    resp.Status.Code,
			Comment: resp.Status.Comment,
		},
		ResponseData: resp.Data,
	})

	if st, ok := h.link.sendAwaitStatus(ctx, out, h.cfg.StatusTimeout); !ok {
		h.connected.Store(false)
	} else if !st.OK() {
		h.cfg.Logger.Error("response broadcast rejected", "code", st.StatusCode, "message", st.Message)
	}
}

func (h *Host) serveEmit(ctx context.Context, env protocol.Envelope) {
	var p protocol.RequestPayload
	if err := env.Payload(&p); err != nil {
		h.cfg.Logger.Warn("malformed routed request", "error", err)
		return
	}
	if err := h.cfg.OBS.Emit(ctx, obsws.Request{Type: p.RequestType, Data: p.RequestData}); err != nil {
		h.cfg.Logger.Error("obs emit failed", "requestType", p.RequestType, "error", err)
	}
}

// Close tears down the relay channel. The control-plane connection is
// owned by the caller.
func (h *Host) Close() {
	h.connected.Store(false)
	if h.link != nil {
		h.link.close()
	}
}
