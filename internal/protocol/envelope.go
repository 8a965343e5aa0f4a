// Package protocol defines the wire format for the obsbridge relay protocol.
//
// Every message over a relay channel is a single JSON text frame carrying
// an Envelope. The relay routes envelopes between a room's host and its
// clients without looking inside Data; the only envelopes the relay
// constructs content for are status responses.
package protocol

import (
	"encoding/binary"
	"encoding/json"

	"github.com/google/uuid"
)

// Kind discriminates the routing behavior of an envelope.
type Kind string

const (
	// KindServerSubscribe claims the host role for a room.
	KindServerSubscribe Kind = "server_subscribe"

	// KindClientSubscribe joins a room as a client.
	KindClientSubscribe Kind = "client_subscribe"

	// KindAwaitRequest is a client request whose sender waits for a
	// correlated KindAwaitResponse.
	KindAwaitRequest Kind = "await_request"

	// KindAwaitResponse carries the host's result for an await request;
	// the relay broadcasts it to every client in the room.
	KindAwaitResponse Kind = "await_response"

	// KindEmitRequest is a fire-and-forget client request.
	KindEmitRequest Kind = "emit_request"

	// KindStatusResponse is the relay's per-envelope acknowledgement.
	KindStatusResponse Kind = "status_response"
)

// Valid reports whether k is one of the defined message kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindServerSubscribe, KindClientSubscribe, KindAwaitRequest,
		KindAwaitResponse, KindEmitRequest, KindStatusResponse:
		return true
	}
	return false
}

// Envelope is the wire message unit. Field names match the protocol
// exactly; Data is opaque to the relay.
type Envelope struct {
	// Code identifies the target room. Empty is invalid.
	Code string `json:"code"`

	// ID is the correlation id matching a reply to its originator.
	// Generated by the sender; unique within a room's in-flight window.
	ID int64 `json:"msgId"`

	// Type selects routing behavior.
	Type Kind `json:"msgType"`

	// HasData indicates whether Data carries a payload.
	HasData bool `json:"hasData"`

	// Data is the payload, meaningful only to the endpoints.
	Data json.RawMessage `json:"data"`
}

// New builds an envelope for a room with a fresh correlation id.
func New(code string, kind Kind) Envelope {
	return Envelope{Code: code, ID: NewID(), Type: kind}
}

// NewID returns a random positive correlation id.
func NewID() int64 {
	id := uuid.New()
	return int64(binary.BigEndian.Uint64(id[:8]) >> 1)
}

// Invalid returns the sentinel produced when decoding fails. Callers
// detect it by Type == "" and reject the frame uniformly instead of
// tearing down the connection loop.
func Invalid() Envelope {
	return Envelope{ID: -1}
}

// IsInvalid reports whether e is the decode-failure sentinel.
func (e Envelope) IsInvalid() bool {
	return e.Type == ""
}

// Decode parses a single text frame. A malformed frame or an unknown
// message kind yields the Invalid sentinel, never an error.
func Decode(data []byte) Envelope {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Invalid()
	}
	if !e.Type.Valid() {
		return Invalid()
	}
	return e
}

// Encode serializes the envelope to a single text frame. Encoding is
// total for well-formed envelopes.
func (e Envelope) Encode() []byte {
	data, _ := json.Marshal(e) // fixed fields and pre-encoded Data, cannot fail
	return data
}

// WithPayload returns a copy of e carrying v as its payload. A value
// that cannot be marshalled leaves the envelope without a payload.
func (e Envelope) WithPayload(v any) Envelope {
	data, err := json.Marshal(v)
	if err != nil {
		return e
	}
	e.HasData = true
	e.Data = data
	return e
}

// Payload unmarshals the envelope's payload into v. An envelope without
// a payload leaves v at its zero value.
func (e Envelope) Payload(v any) error {
	if !e.HasData || len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}
