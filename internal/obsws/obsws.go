// Package obsws is a minimal obs-websocket v5 client: connect and
// identify, then issue requests either awaited (Call) or fire-and-forget
// (Emit). It implements only the request/response slice of the protocol;
// events are ignored.
package obsws

import "context"

// Request is a control-plane request.
type Request struct {
	Type string
	Data map[string]any
}

// RequestStatus describes how the controlled application handled a
// request.
type RequestStatus struct {
	Result  bool
	Code    int
	Comment string
}

// RequestResponse is the full result of an awaited request.
type RequestResponse struct {
	Type   string
	Status RequestStatus
	Data   map[string]any
}

// OK reports whether the request succeeded.
func (r RequestResponse) OK() bool {
	return r.Status.Result
}

// Client is the control-plane RPC surface the adapters consume.
type Client interface {
	// Connect establishes the connection and completes the identify
	// handshake.
	Connect(ctx context.Context) error

	// Call issues a request and waits for its response.
	Call(ctx context.Context, req Request) (RequestResponse, error)

	// Emit issues a request without waiting for a result.
	Emit(ctx context.Context, req Request) error

	// Close tears down the connection.
	Close() error
}
