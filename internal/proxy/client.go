package proxy

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/obsbridge/obsbridge/internal/conn"
	"github.com/obsbridge/obsbridge/internal/obsws"
	"github.com/obsbridge/obsbridge/internal/protocol"
)

// ClientConfig holds proxied client adapter configuration.
type ClientConfig struct {
	RelayURL string
	RoomCode string

	// StatusTimeout bounds each wait for a relay status ack.
	// Defaults to 5s.
	StatusTimeout time.Duration

	// ResponseTimeout bounds the outer wait for an awaited result.
	// Defaults to 5s.
	ResponseTimeout time.Duration

	// DialTimeout is the total retry budget for the relay dial
	// (0 = single attempt).
	DialTimeout time.Duration

	Logger *slog.Logger
}

// Client is the proxied client adapter: it implements the
// application-facing connection contract by translating calls into
// await/emit envelopes sent to the relay.
type Client struct {
	cfg  ClientConfig
	link *link

	queueMu sync.Mutex
	queue   []obsws.Request

	connected atomic.Bool
}

var _ conn.Connection = (*Client)(nil)

// NewClient creates a proxied client adapter for the given relay and
// room code.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.StatusTimeout == 0 {
		cfg.StatusTimeout = defaultStatusTimeout
	}
	if cfg.ResponseTimeout == 0 {
		cfg.ResponseTimeout = defaultResponseTimeout
	}
	return &Client{cfg: cfg}
}

// Connect opens the relay channel and joins the room as a client.
func (c *Client) Connect(ctx context.Context) bool {
	l, err := dialLinkWithTimeout(ctx, c.cfg.RelayURL, c.cfg.DialTimeout, c.cfg.Logger)
	if err != nil {
		c.cfg.Logger.Error("relay dial failed", "url", c.cfg.RelayURL, "error", err)
		return false
	}

	st, ok := l.sendAwaitStatus(ctx, protocol.New(c.cfg.RoomCode, protocol.KindClientSubscribe), c.cfg.StatusTimeout)
	if !ok || !st.OK() {
		if ok {
			c.cfg.Logger.Error("client subscribe rejected", "code", st.StatusCode, "message", st.Message)
		}
		l.close()
		return false
	}

	c.link = l
	c.connected.Store(true)
	c.cfg.Logger.Info("joined room as client", "room", c.cfg.RoomCode)
	return true
}

// Connected reports whether the adapter believes the relay path is up.
func (c *Client) Connected() bool {
	return c.connected.Load() && c.link != nil && c.link.connected.Load()
}

// Request sends an awaited request through the relay and blocks for the
// host's result. It returns nil on any failure; a transport-level
// failure additionally degrades the adapter to not-connected so the
// owning application knows to re-establish.
func (c *Client) Request(ctx context.Context, req obsws.Request) *obsws.RequestResponse {
	if !c.Connected() {
		return nil
	}

	env := requestEnvelope(c.cfg.RoomCode, protocol.KindAwaitRequest, req)

	// The response waiter must exist before the relay can forward the
	// request, or a fast host could answer into the void.
	ch, cancel := c.link.registerResponse(env.ID)
	defer cancel()

	st, ok := c.link.sendAwaitStatus(ctx, env, c.cfg.StatusTimeout)
	if !ok {
		c.connected.Store(false)
		return nil
	}
	if !st.OK() {
		c.cfg.Logger.Error("request rejected by relay", "code", st.StatusCode, "message", st.Message)
		return nil
	}

	resp, ok := c.link.awaitResponse(ctx, ch, c.cfg.ResponseTimeout)
	if !ok {
		c.connected.Store(false)
		return nil
	}

	var p protocol.ResponsePayload
	if err := resp.Payload(&p); err != nil {
		c.cfg.Logger.Error("malformed awaited response", "error", err)
		return nil
	}
	return &obsws.RequestResponse{
		Type: p.RequestType,
		Status: obsws.RequestStatus{
			Result:  p.RequestStatus.Result,
			Code:    p.RequestStatus.Code,
			Comment: p.RequestStatus.Comment,
		},
		Data: p.ResponseData,
	}
}

// QueueRequest buffers a request for the next Update.
func (c *Client) QueueRequest(req obsws.Request) {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	c.queue = append(c.queue, req)
}

// Update drains stale inbound frames, then sends every queued request
// as a fire-and-forget emit. The queue is cleared regardless of
// individual failures: a failed emit is logged, not retried.
func (c *Client) Update(ctx context.Context) {
	if !c.Connected() {
		c.connected.Store(false)
		return
	}

	// Anything sitting in the unsolicited queue is a broadcast response
	// with no interested waiter left.
	if stale := c.link.drainUnsolicited(); len(stale) > 0 {
		c.cfg.Logger.Debug("discarded stale frames", "count", len(stale))
	}

	c.queueMu.Lock()
	pending := c.queue
	c.queue = nil
	c.queueMu.Unlock()

	for _, req := range pending {
		env := requestEnvelope(c.cfg.RoomCode, protocol.KindEmitRequest, req)
		st, ok := c.link.sendAwaitStatus(ctx, env, c.cfg.StatusTimeout)
		if !ok {
			c.connected.Store(false)
			return
		}
		if !st.OK() {
			c.cfg.Logger.Error("emit rejected by relay", "code", st.StatusCode, "message", st.Message)
		}
	}
}

// Close tears down the relay channel.
func (c *Client) Close() {
	c.connected.Store(false)
	if c.link != nil {
		c.link.close()
	}
}

func requestEnvelope(code string, kind protocol.Kind, req obsws.Request) protocol.Envelope {
	return protocol.New(code, kind).WithPayload(protocol.RequestPayload{
		RequestType: req.Type,
		RequestData: req.Data,
	})
}
