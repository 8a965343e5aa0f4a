package relay

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/obsbridge/obsbridge/internal/protocol"
)

const testTimeout = 5 * time.Second

// startRelay spins up a relay server on an httptest listener and
// returns its ws:// URL.
func startRelay(t *testing.T) string {
	t.Helper()
	srv := NewServer(Config{
		Logger: slog.New(slog.DiscardHandler),
	})
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

// peer is a raw protocol-speaking websocket for driving the relay in
// tests.
type peer struct {
	t  *testing.T
	ws *websocket.Conn
}

func dialPeer(t *testing.T, url string) *peer {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	t.Cleanup(func() { _ = ws.CloseNow() })
	return &peer{t: t, ws: ws}
}

func (p *peer) send(env protocol.Envelope) {
	p.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := p.ws.Write(ctx, websocket.MessageText, env.Encode()); err != nil {
		p.t.Fatalf("send: %v", err)
	}
}

func (p *peer) sendRaw(frame string) {
	p.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := p.ws.Write(ctx, websocket.MessageText, []byte(frame)); err != nil {
		p.t.Fatalf("send raw: %v", err)
	}
}

func (p *peer) recv() protocol.Envelope {
	p.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	_, data, err := p.ws.Read(ctx)
	if err != nil {
		p.t.Fatalf("recv: %v", err)
	}
	return protocol.Decode(data)
}

// roundTrip sends env and reads frames until the status response with
// the matching correlation id arrives.
func (p *peer) roundTrip(env protocol.Envelope) protocol.StatusPayload {
	p.t.Helper()
	p.send(env)
	for {
		got := p.recv()
		if got.Type != protocol.KindStatusResponse || got.ID != env.ID {
			continue
		}
		var st protocol.StatusPayload
		if err := got.Payload(&st); err != nil {
			p.t.Fatalf("status payload: %v", err)
		}
		return st
	}
}

func (p *peer) subscribe(kind protocol.Kind, room string, wantCode int) {
	p.t.Helper()
	st := p.roundTrip(protocol.New(room, kind))
	if st.StatusCode != wantCode {
		p.t.Fatalf("%s to %q = %d (%s), want %d", kind, room, st.StatusCode, st.Message, wantCode)
	}
}

func TestHostExclusivity(t *testing.T) {
	url := startRelay(t)

	h1 := dialPeer(t, url)
	h1.subscribe(protocol.KindServerSubscribe, "abc123", protocol.StatusOK)

	h2 := dialPeer(t, url)
	h2.subscribe(protocol.KindServerSubscribe, "abc123", protocol.StatusBadRequest)

	// Once the first host disconnects, the room can be hosted again.
	// Cleanup runs when the relay notices the close, so poll briefly.
	_ = h1.ws.Close(websocket.StatusNormalClosure, "bye")
	deadline := time.Now().Add(testTimeout)
	for {
		st := h2.roundTrip(protocol.New("abc123", protocol.KindServerSubscribe))
		if st.StatusCode == protocol.StatusOK {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("room never became hostable again, last status %d", st.StatusCode)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestClientSubscribe(t *testing.T) {
	url := startRelay(t)

	c := dialPeer(t, url)
	c.subscribe(protocol.KindClientSubscribe, "never-subscribed", protocol.StatusInvalidRoom)

	h := dialPeer(t, url)
	h.subscribe(protocol.KindServerSubscribe, "abc123", protocol.StatusOK)

	c.subscribe(protocol.KindClientSubscribe, "abc123", protocol.StatusOK)
	c.subscribe(protocol.KindClientSubscribe, "abc123", protocol.StatusAlreadyJoined)
}

func TestMalformedEnvelope(t *testing.T) {
	url := startRelay(t)
	p := dialPeer(t, url)

	p.sendRaw("this is not an envelope")
	got := p.recv()
	if got.Type != protocol.KindStatusResponse {
		t.Fatalf("reply kind = %q, want status_response", got.Type)
	}
	var st protocol.StatusPayload
	if err := got.Payload(&st); err != nil {
		t.Fatalf("status payload: %v", err)
	}
	if st.StatusCode != protocol.StatusBadRequest {
		t.Errorf("status = %d, want 400", st.StatusCode)
	}

	// The connection survives the bad frame.
	p.subscribe(protocol.KindServerSubscribe, "still-alive", protocol.StatusOK)
}

func TestMissingRoomCode(t *testing.T) {
	url := startRelay(t)
	p := dialPeer(t, url)

	st := p.roundTrip(protocol.New("", protocol.KindServerSubscribe))
	if st.StatusCode != protocol.StatusBadRequest {
		t.Errorf("status = %d, want 400", st.StatusCode)
	}
}

func TestForwardRequiresRole(t *testing.T) {
	url := startRelay(t)

	h := dialPeer(t, url)
	h.subscribe(protocol.KindServerSubscribe, "abc123", protocol.StatusOK)

	// A connection that never joined as client cannot route requests.
	stranger := dialPeer(t, url)
	for _, kind := range []protocol.Kind{protocol.KindAwaitRequest, protocol.KindEmitRequest} {
		st := stranger.roundTrip(protocol.New("abc123", kind))
		if st.StatusCode != protocol.StatusInvalidRoom {
			t.Errorf("%s from non-client = %d, want 401", kind, st.StatusCode)
		}
	}

	// A client cannot broadcast responses; only the host can.
	c := dialPeer(t, url)
	c.subscribe(protocol.KindClientSubscribe, "abc123", protocol.StatusOK)
	st := c.roundTrip(protocol.New("abc123", protocol.KindAwaitResponse))
	if st.StatusCode != protocol.StatusInvalidRoom {
		t.Errorf("await_response from client = %d, want 401", st.StatusCode)
	}
}

func TestForwardAndBroadcast(t *testing.T) {
	url := startRelay(t)

	h := dialPeer(t, url)
	h.subscribe(protocol.KindServerSubscribe, "abc123", protocol.StatusOK)

	c1 := dialPeer(t, url)
	c1.subscribe(protocol.KindClientSubscribe, "abc123", protocol.StatusOK)
	c2 := dialPeer(t, url)
	c2.subscribe(protocol.KindClientSubscribe, "abc123", protocol.StatusOK)

	// Client request is forwarded to the host verbatim.
	req := protocol.New("abc123", protocol.KindAwaitRequest).WithPayload(protocol.RequestPayload{
		RequestType: "Ping",
	})
	st := c1.roundTrip(req)
	if st.StatusCode != protocol.StatusOK {
		t.Fatalf("await_request status = %d (%s)", st.StatusCode, st.Message)
	}

	routed := h.recv()
	if routed.Type != protocol.KindAwaitRequest || routed.ID != req.ID || routed.Code != "abc123" {
		t.Fatalf("host received %+v, want forwarded request %d", routed, req.ID)
	}

	// Host response is broadcast to every client in the room.
	resp := protocol.Envelope{
		Code: "abc123",
		ID:   routed.ID,
		Type: protocol.KindAwaitResponse,
	}.WithPayload(protocol.ResponsePayload{
		RequestType:   "Ping",
		RequestStatus: protocol.ResponseStatus{Result: true, Code: 100},
		ResponseData:  map[string]any{"pong": true},
	})
	st = h.roundTrip(resp)
	if st.StatusCode != protocol.StatusOK {
		t.Fatalf("await_response status = %d (%s)", st.StatusCode, st.Message)
	}

	for i, c := range []*peer{c1, c2} {
		got := c.recv()
		if got.Type != protocol.KindAwaitResponse || got.ID != req.ID {
			t.Errorf("client %d received %+v, want broadcast of %d", i+1, got, req.ID)
		}
	}
}

func TestEmitForwardedWithoutResult(t *testing.T) {
	url := startRelay(t)

	h := dialPeer(t, url)
	h.subscribe(protocol.KindServerSubscribe, "abc123", protocol.StatusOK)
	c := dialPeer(t, url)
	c.subscribe(protocol.KindClientSubscribe, "abc123", protocol.StatusOK)

	emit := protocol.New("abc123", protocol.KindEmitRequest).WithPayload(protocol.RequestPayload{
		RequestType: "TriggerStudioModeTransition",
	})
	st := c.roundTrip(emit)
	if st.StatusCode != protocol.StatusOK {
		t.Fatalf("emit status = %d (%s)", st.StatusCode, st.Message)
	}

	routed := h.recv()
	if routed.Type != protocol.KindEmitRequest || routed.ID != emit.ID {
		t.Fatalf("host received %+v, want forwarded emit %d", routed, emit.ID)
	}
}

func TestRequestAfterHostGone(t *testing.T) {
	url := startRelay(t)

	h := dialPeer(t, url)
	h.subscribe(protocol.KindServerSubscribe, "abc123", protocol.StatusOK)
	c := dialPeer(t, url)
	c.subscribe(protocol.KindClientSubscribe, "abc123", protocol.StatusOK)

	_ = h.ws.Close(websocket.StatusNormalClosure, "bye")

	// The client stays subscribed; its requests fail once cleanup has
	// detached the host.
	deadline := time.Now().Add(testTimeout)
	for {
		st := c.roundTrip(protocol.New("abc123", protocol.KindAwaitRequest))
		if st.StatusCode == protocol.StatusInvalidRoom {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("request still forwarded after host disconnect, status %d", st.StatusCode)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestStatusResponseNotAnswered(t *testing.T) {
	url := startRelay(t)
	p := dialPeer(t, url)

	// The relay drops inbound status responses rather than answering
	// them, which would loop forever.
	p.send(protocol.Status("abc123", 99, protocol.StatusOK, "spurious"))

	// The next real envelope's ack is the first frame we see.
	sub := protocol.New("abc123", protocol.KindServerSubscribe)
	st := p.roundTrip(sub)
	if st.StatusCode != protocol.StatusOK {
		t.Fatalf("subscribe after spurious status = %d", st.StatusCode)
	}
}

func TestCorrelationAcrossClients(t *testing.T) {
	url := startRelay(t)

	h := dialPeer(t, url)
	h.subscribe(protocol.KindServerSubscribe, "abc123", protocol.StatusOK)
	c1 := dialPeer(t, url)
	c1.subscribe(protocol.KindClientSubscribe, "abc123", protocol.StatusOK)
	c2 := dialPeer(t, url)
	c2.subscribe(protocol.KindClientSubscribe, "abc123", protocol.StatusOK)

	req1 := protocol.New("abc123", protocol.KindAwaitRequest)
	req2 := protocol.New("abc123", protocol.KindAwaitRequest)
	c1.roundTrip(req1)
	c2.roundTrip(req2)

	// Answer in reverse order: each broadcast still carries its own id,
	// and both clients observe both (filtering is the adapter's job).
	for _, id := range []int64{req2.ID, req1.ID} {
		st := h.roundTrip(protocol.Envelope{Code: "abc123", ID: id, Type: protocol.KindAwaitResponse})
		if st.StatusCode != protocol.StatusOK {
			t.Fatalf("broadcast %d status = %d", id, st.StatusCode)
		}
	}

	for _, c := range []*peer{c1, c2} {
		first := c.recv()
		second := c.recv()
		if first.ID != req2.ID || second.ID != req1.ID {
			t.Errorf("broadcast order = %d, %d; want %d, %d", first.ID, second.ID, req2.ID, req1.ID)
		}
	}
}

func TestMaxConnections(t *testing.T) {
	srv := NewServer(Config{
		MaxConnections: 1,
		Logger:         slog.New(slog.DiscardHandler),
	})
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	url := "ws" + strings.TrimPrefix(ts.URL, "http")

	p := dialPeer(t, url)
	p.subscribe(protocol.KindServerSubscribe, "abc123", protocol.StatusOK)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if _, _, err := websocket.Dial(ctx, url, nil); err == nil {
		t.Fatal("second connection should be rejected at the limit")
	}
}
