package obsws

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// obs-websocket v5 opcodes (the subset this client speaks).
const (
	opHello           = 0
	opIdentify        = 1
	opIdentified      = 2
	opEvent           = 5
	opRequest         = 6
	opRequestResponse = 7
)

const rpcVersion = 1

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultCallTimeout      = 15 * time.Second
)

// ErrNotConnected is returned by Call and Emit before a successful
// Connect or after the connection dropped.
var ErrNotConnected = errors.New("obsws: not connected")

// opEnvelope is the obs-websocket wire envelope: an opcode plus data.
type opEnvelope struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d"`
}

type helloData struct {
	RPCVersion     int `json:"rpcVersion"`
	Authentication *struct {
		Challenge string `json:"challenge"`
		Salt      string `json:"salt"`
	} `json:"authentication"`
}

type identifyData struct {
	RPCVersion     int    `json:"rpcVersion"`
	Authentication string `json:"authentication,omitempty"`
}

type requestData struct {
	RequestType string         `json:"requestType"`
	RequestID   string         `json:"requestId"`
	RequestData map[string]any `json:"requestData,omitempty"`
}

type requestResponseData struct {
	RequestType   string `json:"requestType"`
	RequestID     string `json:"requestId"`
	RequestStatus struct {
		Result  bool   `json:"result"`
		Code    int    `json:"code"`
		Comment string `json:"comment"`
	} `json:"requestStatus"`
	ResponseData map[string]any `json:"responseData"`
}

// WebSocketClient talks to a single obs-websocket endpoint. Responses
// are demultiplexed by request id, so calls may be issued from multiple
// goroutines.
type WebSocketClient struct {
	url      string
	password string
	logger   *slog.Logger

	callTimeout time.Duration

	writeMu sync.Mutex
	ws      *websocket.Conn

	mu      sync.Mutex
	pending map[string]chan requestResponseData
	closed  chan struct{}
}

// NewWebSocketClient creates a client for the given obs-websocket URL.
// password may be empty when the endpoint has authentication disabled.
func NewWebSocketClient(url, password string, logger *slog.Logger) *WebSocketClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketClient{
		url:         url,
		password:    password,
		logger:      logger,
		callTimeout: defaultCallTimeout,
		pending:     make(map[string]chan requestResponseData),
	}
}

// Connect dials the endpoint and completes the Hello/Identify/Identified
// handshake, then starts the response read pump.
func (c *WebSocketClient) Connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, defaultHandshakeTimeout)
	defer cancel()
	ws, _, err := websocket.Dial(dialCtx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial obs: %w", err)
	}

	hello, err := readOp[helloData](dialCtx, ws, opHello)
	if err != nil {
		_ = ws.CloseNow()
		return fmt.Errorf("read hello: %w", err)
	}

	ident := identifyData{RPCVersion: rpcVersion}
	if hello.Authentication != nil {
		ident.Authentication = authResponse(c.password, hello.Authentication.Salt, hello.Authentication.Challenge)
	}
	if err := writeOp(dialCtx, ws, opIdentify, ident); err != nil {
		_ = ws.CloseNow()
		return fmt.Errorf("send identify: %w", err)
	}

	if _, err := readOp[json.RawMessage](dialCtx, ws, opIdentified); err != nil {
		_ = ws.CloseNow()
		return fmt.Errorf("identify rejected: %w", err)
	}

	c.mu.Lock()
	if c.ws != nil {
		_ = c.ws.CloseNow() // reconnect replaces any previous channel
	}
	c.ws = ws
	c.closed = make(chan struct{})
	c.mu.Unlock()

	go c.readLoop(ws, c.closed)

	c.logger.Info("connected to obs", "url", c.url)
	return nil
}

// Call issues a request and waits for the correlated response.
func (c *WebSocketClient) Call(ctx context.Context, req Request) (RequestResponse, error) {
	ws, closed := c.conn()
	if ws == nil {
		return RequestResponse{}, ErrNotConnected
	}

	id := uuid.NewString()
	ch := make(chan requestResponseData, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(ctx, ws, opRequest, requestData{
		RequestType: req.Type,
		RequestID:   id,
		RequestData: req.Data,
	}); err != nil {
		return RequestResponse{}, fmt.Errorf("send request: %w", err)
	}

	select {
	case resp := <-ch:
		return RequestResponse{
			Type: resp.RequestType,
			Status: RequestStatus{
				Result:  resp.RequestStatus.Result,
				Code:    resp.RequestStatus.Code,
				Comment: resp.RequestStatus.Comment,
			},
			Data: resp.ResponseData,
		}, nil
	case <-closed:
		return RequestResponse{}, ErrNotConnected
	case <-ctx.Done():
		return RequestResponse{}, ctx.Err()
	case <-time.After(c.callTimeout):
		return RequestResponse{}, fmt.Errorf("request %s: timed out", req.Type)
	}
}

// Emit issues a request without waiting for the result. The response
// obs sends anyway is dropped by the read pump.
func (c *WebSocketClient) Emit(ctx context.Context, req Request) error {
	ws, _ := c.conn()
	if ws == nil {
		return ErrNotConnected
	}
	return c.write(ctx, ws, opRequest, requestData{
		RequestType: req.Type,
		RequestID:   uuid.NewString(),
		RequestData: req.Data,
	})
}

// Close tears down the connection. Pending calls fail with
// ErrNotConnected.
func (c *WebSocketClient) Close() error {
	c.mu.Lock()
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()
	if ws == nil {
		return nil
	}
	return ws.Close(websocket.StatusNormalClosure, "done")
}

func (c *WebSocketClient) conn() (*websocket.Conn, chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws, c.closed
}

func (c *WebSocketClient) write(ctx context.Context, ws *websocket.Conn, op int, v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeOp(ctx, ws, op, v)
}

// readLoop delivers request responses to their waiting callers and
// drops everything else (events, responses to emitted requests).
func (c *WebSocketClient) readLoop(ws *websocket.Conn, closed chan struct{}) {
	defer close(closed)
	for {
		_, data, err := ws.Read(context.Background())
		if err != nil {
			c.mu.Lock()
			if c.ws == ws {
				c.ws = nil
			}
			c.mu.Unlock()
			c.logger.Debug("obs connection closed", "error", err)
			return
		}

		var env opEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("invalid obs message", "error", err)
			continue
		}
		if env.Op != opRequestResponse {
			continue
		}

		var resp requestResponseData
		if err := json.Unmarshal(env.D, &resp); err != nil {
			c.logger.Warn("invalid obs response", "error", err)
			continue
		}

		c.mu.Lock()
		ch := c.pending[resp.RequestID]
		c.mu.Unlock()
		if ch != nil {
			ch <- resp
		}
	}
}

// authResponse computes the obs-websocket v5 identify authentication
// string: base64(sha256(base64(sha256(password+salt)) + challenge)).
func authResponse(password, salt, challenge string) string {
	secretHash := sha256.Sum256([]byte(password + salt))
	secret := base64.StdEncoding.EncodeToString(secretHash[:])
	authHash := sha256.Sum256([]byte(secret + challenge))
	return base64.StdEncoding.EncodeToString(authHash[:])
}

func writeOp(ctx context.Context, ws *websocket.Conn, op int, v any) error {
	d, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data, _ := json.Marshal(opEnvelope{Op: op, D: d}) // fixed shape, cannot fail
	return ws.Write(ctx, websocket.MessageText, data)
}

// readOp reads frames until one with the wanted opcode arrives,
// skipping events that may interleave.
func readOp[T any](ctx context.Context, ws *websocket.Conn, want int) (T, error) {
	var zero T
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return zero, err
		}
		var env opEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return zero, fmt.Errorf("invalid message: %w", err)
		}
		if env.Op == opEvent {
			continue
		}
		if env.Op != want {
			return zero, fmt.Errorf("unexpected opcode %d, want %d", env.Op, want)
		}
		var d T
		if err := json.Unmarshal(env.D, &d); err != nil {
			return zero, fmt.Errorf("invalid payload: %w", err)
		}
		return d, nil
	}
}
