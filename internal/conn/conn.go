// Package conn defines the application-facing connection contract and
// the direct (non-proxied) implementation that talks straight to the
// controlled application. The proxied client adapter implements the
// same contract, so the consumer is agnostic to which transport is
// active.
package conn

import (
	"context"

	"github.com/obsbridge/obsbridge/internal/obsws"
)

// ErrorHandler receives failed control-plane responses from queued
// requests.
type ErrorHandler func(obsws.RequestResponse)

// Connection is the contract consumed by the controller surface.
type Connection interface {
	// Connect establishes the transport. It reports success rather
	// than returning an error; failure detail goes to the log.
	Connect(ctx context.Context) bool

	// Request issues an awaited request and returns its result, or nil
	// on any failure.
	Request(ctx context.Context, req obsws.Request) *obsws.RequestResponse

	// QueueRequest buffers a fire-and-forget request for the next
	// Update.
	QueueRequest(req obsws.Request)

	// Update is the periodic pump: it flushes queued requests and
	// services transport housekeeping.
	Update(ctx context.Context)
}
