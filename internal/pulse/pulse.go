// Package pulse consumes the backend's energy pulse stream. Pulses are opaque
// to the client; a listener hands each one to a single handler.
package pulse

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// ErrAlreadyListening is returned when Listen is called while another Listen
// on the same listener is still running.
var ErrAlreadyListening = errors.New("pulse: already listening")

// Pulse is one message from the stream.
type Pulse struct {
	Payload  []byte
	Source   string // "ws" or "mqtt"
	Topic    string // MQTT topic, empty for WebSocket
	Received time.Time
}

// Handler receives pulses. It is called from the listener's goroutine and
// should not block for long.
type Handler func(Pulse)

// Listener is a single-subscriber pulse stream. Listen blocks until ctx is
// done.
type Listener interface {
	Listen(ctx context.Context, h Handler) error
}

// single admits one Listen at a time.
type single struct {
	active atomic.Bool
}

func (s *single) acquire() error {
	if !s.active.CompareAndSwap(false, true) {
		return ErrAlreadyListening
	}
	return nil
}

func (s *single) release() { s.active.Store(false) }

// backoffDelay returns the reconnection delay for attempt n: base, 2*base,
// 4*base, ... capped at max.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= 30 {
		return max
	}
	delay := base << uint(attempt)
	if delay <= 0 || delay > max {
		return max
	}
	return delay
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
