package pulse

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"nhooyr.io/websocket"
)

const readLimit = 64 * 1024

// WebSocketListener reads pulses from a WebSocket endpoint and reconnects
// with capped exponential backoff when the stream drops.
type WebSocketListener struct {
	url          string
	header       http.Header
	base         time.Duration
	reconnectMax time.Duration
	logger       *slog.Logger
	now          func() time.Time

	single
}

// NewWebSocket creates a listener for url. reconnectMax caps the backoff
// between reconnection attempts.
func NewWebSocket(url string, reconnectMax time.Duration, logger *slog.Logger) *WebSocketListener {
	if logger == nil {
		logger = slog.Default()
	}
	if reconnectMax <= 0 {
		reconnectMax = 30 * time.Second
	}
	return &WebSocketListener{
		url:          url,
		header:       http.Header{},
		base:         time.Second,
		reconnectMax: reconnectMax,
		logger:       logger.With("component", "pulse"),
		now:          time.Now,
	}
}

// SetToken sends token as a bearer credential on every (re)connect.
func (w *WebSocketListener) SetToken(token string) {
	if token == "" {
		w.header.Del("Authorization")
		return
	}
	w.header.Set("Authorization", "Bearer "+token)
}

// Listen streams pulses to h until ctx is done. Dial and read failures are
// logged and retried; Listen only returns early with ErrAlreadyListening.
func (w *WebSocketListener) Listen(ctx context.Context, h Handler) error {
	if err := w.acquire(); err != nil {
		return err
	}
	defer w.release()

	attempt := 0
	for {
		connected, err := w.session(ctx, h)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			attempt = 0
		}
		delay := backoffDelay(attempt, w.base, w.reconnectMax)
		w.logger.Warn("[NET] pulse stream lost, reconnecting", "error", err, "attempt", attempt+1, "delay", delay)
		attempt++
		if !sleep(ctx, delay) {
			return nil
		}
	}
}

// session runs one connection. connected reports whether the dial succeeded.
func (w *WebSocketListener) session(ctx context.Context, h Handler) (connected bool, err error) {
	conn, _, err := websocket.Dial(ctx, w.url, &websocket.DialOptions{HTTPHeader: w.header.Clone()})
	if err != nil {
		return false, fmt.Errorf("pulse: dial %s: %w", w.url, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(readLimit)
	w.logger.Info("[NET] pulse stream connected", "url", w.url)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return true, fmt.Errorf("pulse: read: %w", err)
		}
		h(Pulse{Payload: data, Source: "ws", Received: w.now()})
	}
}

var _ Listener = (*WebSocketListener)(nil)
