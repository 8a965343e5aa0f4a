package conn

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/obsbridge/obsbridge/internal/obsws"
)

// Direct forwards the connection contract straight to a control-plane
// client, with no relay in between.
type Direct struct {
	client  obsws.Client
	onError ErrorHandler
	logger  *slog.Logger

	queueMu sync.Mutex
	queue   []obsws.Request

	connected atomic.Bool
}

var _ Connection = (*Direct)(nil)

// NewDirect wraps a control-plane client. onError may be nil.
func NewDirect(client obsws.Client, onError ErrorHandler, logger *slog.Logger) *Direct {
	if logger == nil {
		logger = slog.Default()
	}
	return &Direct{client: client, onError: onError, logger: logger}
}

// Connect establishes the control-plane connection.
func (d *Direct) Connect(ctx context.Context) bool {
	if err := d.client.Connect(ctx); err != nil {
		d.logger.Error("connect failed", "error", err)
		d.connected.Store(false)
		return false
	}
	d.connected.Store(true)
	return true
}

// Connected reports whether the last Connect succeeded.
func (d *Direct) Connected() bool {
	return d.connected.Load()
}

// Request issues an awaited call. Unsuccessful responses are routed to
// the error handler and reported as nil.
func (d *Direct) Request(ctx context.Context, req obsws.Request) *obsws.RequestResponse {
	resp, err := d.client.Call(ctx, req)
	if err != nil {
		d.logger.Error("call failed", "requestType", req.Type, "error", err)
		d.connected.Store(false)
		return nil
	}
	if !resp.OK() {
		if d.onError != nil {
			d.onError(resp)
		}
		return nil
	}
	return &resp
}

// QueueRequest buffers a request for the next Update.
func (d *Direct) QueueRequest(req obsws.Request) {
	d.queueMu.Lock()
	defer d.queueMu.Unlock()
	d.queue = append(d.queue, req)
}

// Update drains the queue, calling each request and routing failed
// responses to the error handler. The queue is cleared regardless of
// individual failures.
func (d *Direct) Update(ctx context.Context) {
	d.queueMu.Lock()
	pending := d.queue
	d.queue = nil
	d.queueMu.Unlock()

	for _, req := range pending {
		resp, err := d.client.Call(ctx, req)
		if err != nil {
			d.logger.Error("queued call failed", "requestType", req.Type, "error", err)
			d.connected.Store(false)
			return
		}
		if !resp.OK() && d.onError != nil {
			d.onError(resp)
		}
	}
}
