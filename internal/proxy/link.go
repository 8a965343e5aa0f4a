// Package proxy implements the two proxied connection adapters: the
// client adapter used by the remote controller and the host adapter
// colocated with the controlled application. Both speak the relay
// envelope protocol over one persistent websocket.
package proxy

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/obsbridge/obsbridge/internal/protocol"
)

const (
	// defaultStatusTimeout bounds the wait for the relay's per-envelope
	// status acknowledgement.
	defaultStatusTimeout = 5 * time.Second

	// defaultResponseTimeout bounds the outer wait for an awaited
	// result after the status ack was consumed.
	defaultResponseTimeout = 5 * time.Second

	// unsolicitedBuffer is the intake queue for frames no waiter is
	// registered for: routed requests on the host side, stale
	// broadcasts on the client side.
	unsolicitedBuffer = 256
)

// link is the per-connection demultiplexer over one relay websocket.
// The protocol multiplexes two logically distinct reply types on the
// stream: an immediate status acknowledgement and a possibly much later
// actual result, distinguished only by kind and correlation id. The
// read pump tags each inbound frame and hands it to whichever waiter is
// registered; frames nobody waits for land in the unsolicited queue.
type link struct {
	ws     *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	mu        sync.Mutex
	statuses  map[int64]chan protocol.Envelope
	responses map[int64]chan protocol.Envelope

	unsolicited chan protocol.Envelope
	closed      chan struct{}
	connected   atomic.Bool
}

// dialLink opens the relay channel and starts the read pump.
func dialLink(ctx context.Context, url string, logger *slog.Logger) (*link, error) {
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	l := &link{
		ws:          ws,
		logger:      logger,
		statuses:    make(map[int64]chan protocol.Envelope),
		responses:   make(map[int64]chan protocol.Envelope),
		unsolicited: make(chan protocol.Envelope, unsolicitedBuffer),
		closed:      make(chan struct{}),
	}
	l.connected.Store(true)
	go l.readLoop()
	return l, nil
}

// readLoop runs until the channel closes by any cause, then marks the
// link disconnected and releases every waiter.
func (l *link) readLoop() {
	defer func() {
		l.connected.Store(false)
		close(l.closed)
	}()
	for {
		_, data, err := l.ws.Read(context.Background())
		if err != nil {
			l.logger.Debug("relay channel closed", "error", err)
			return
		}
		env := protocol.Decode(data)
		if env.IsInvalid() {
			l.logger.Warn("dropping malformed relay frame")
			continue
		}
		l.dispatch(env)
	}
}

func (l *link) dispatch(env protocol.Envelope) {
	l.mu.Lock()
	var ch chan protocol.Envelope
	if env.Type == protocol.KindStatusResponse {
		ch = l.statuses[env.ID]
	} else {
		ch = l.responses[env.ID]
	}
	l.mu.Unlock()

	if ch != nil {
		ch <- env
		return
	}
	select {
	case l.unsolicited <- env:
	default:
		l.logger.Warn("unsolicited queue full, dropping frame", "kind", env.Type)
	}
}

// send writes one envelope to the relay.
func (l *link) send(ctx context.Context, env protocol.Envelope) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.ws.Write(ctx, websocket.MessageText, env.Encode())
}

// sendAwaitStatus sends env and waits for the relay's status response
// with the same correlation id, discarding nothing: unrelated frames
// keep flowing to their own waiters. On timeout or channel close the
// link is marked disconnected and ok is false.
func (l *link) sendAwaitStatus(ctx context.Context, env protocol.Envelope, timeout time.Duration) (protocol.StatusPayload, bool) {
	ch := make(chan protocol.Envelope, 1)
	l.mu.Lock()
	l.statuses[env.ID] = ch
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		delete(l.statuses, env.ID)
		l.mu.Unlock()
	}()

	if err := l.send(ctx, env); err != nil {
		l.logger.Error("relay send failed", "error", err)
		l.connected.Store(false)
		return protocol.StatusPayload{}, false
	}

	select {
	case resp := <-ch:
		var st protocol.StatusPayload
		if err := resp.Payload(&st); err != nil {
			l.logger.Error("malformed status response", "error", err)
			return protocol.StatusPayload{}, false
		}
		return st, true
	case <-l.closed:
		l.logger.Error("relay channel closed while awaiting status")
		return protocol.StatusPayload{}, false
	case <-ctx.Done():
		l.connected.Store(false)
		return protocol.StatusPayload{}, false
	case <-time.After(timeout):
		l.logger.Error("timed out waiting for status response")
		l.connected.Store(false)
		return protocol.StatusPayload{}, false
	}
}

// registerResponse reserves a waiter for the actual result of an
// awaited request. It must be called before the request is sent, so a
// fast host cannot answer before the waiter exists. The returned cancel
// must always run.
func (l *link) registerResponse(id int64) (<-chan protocol.Envelope, func()) {
	ch := make(chan protocol.Envelope, 1)
	l.mu.Lock()
	l.responses[id] = ch
	l.mu.Unlock()
	return ch, func() {
		l.mu.Lock()
		delete(l.responses, id)
		l.mu.Unlock()
	}
}

// awaitResponse waits on a previously registered response waiter. On
// timeout or channel close the link is marked disconnected and ok is
// false.
func (l *link) awaitResponse(ctx context.Context, ch <-chan protocol.Envelope, timeout time.Duration) (protocol.Envelope, bool) {
	select {
	case env := <-ch:
		return env, true
	case <-l.closed:
		l.logger.Error("relay channel closed while awaiting response")
		return protocol.Envelope{}, false
	case <-ctx.Done():
		l.connected.Store(false)
		return protocol.Envelope{}, false
	case <-time.After(timeout):
		l.logger.Error("never received awaited response")
		l.connected.Store(false)
		return protocol.Envelope{}, false
	}
}

// drainUnsolicited returns every queued frame without blocking.
func (l *link) drainUnsolicited() []protocol.Envelope {
	var out []protocol.Envelope
	for {
		select {
		case env := <-l.unsolicited:
			out = append(out, env)
		default:
			return out
		}
	}
}

func (l *link) close() {
	l.connected.Store(false)
	_ = l.ws.Close(websocket.StatusNormalClosure, "done")
}
