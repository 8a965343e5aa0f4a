package proxy

import (
	"context"
	"log/slog"
	"time"
)

const (
	dialRetryBase = 1 * time.Second
	dialRetryMax  = 30 * time.Second
)

// dialLinkWithTimeout dials the relay, retrying with exponential
// backoff (1s→2s→4s, capped at 30s) until dialTimeout is exhausted or
// the context is cancelled. dialTimeout=0 means a single attempt with
// no retries.
func dialLinkWithTimeout(ctx context.Context, url string, dialTimeout time.Duration, logger *slog.Logger) (*link, error) {
	if dialTimeout == 0 {
		return dialLink(ctx, url, logger)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	delay := dialRetryBase
	var lastErr error
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			logger.Debug("retrying relay dial", "attempt", attempt, "delay", delay)
			select {
			case <-timeoutCtx.Done():
				return nil, lastErr // budget exhausted before retry
			case <-time.After(delay):
			}
			delay = min(delay*2, dialRetryMax)
		}
		l, err := dialLink(timeoutCtx, url, logger)
		if err == nil {
			return l, nil
		}
		lastErr = err
		logger.Debug("relay dial attempt failed", "attempt", attempt+1, "error", err)
		if timeoutCtx.Err() != nil {
			break // budget exhausted during dial
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, timeoutCtx.Err()
}
