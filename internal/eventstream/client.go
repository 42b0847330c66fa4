package eventstream

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"golang.org/x/time/rate"
)

// maxBackoff is the ceiling the reconnect loop's exponential delay never
// exceeds (§4.3's reconnect policy).
const maxBackoff = 30 * time.Second

// Client dials a runtime's event-stream endpoint and feeds every decoded
// Message to a Handler, reconnecting with exponential backoff on any stream
// error other than explicit host-requested cancellation.
type Client struct {
	url     string
	token   string
	handler *Handler
	logger  *slog.Logger
}

// NewClient builds a Client. token, if non-empty, is sent as a bearer
// Authorization header on dial.
func NewClient(url, token string, handler *Handler, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{url: url, token: token, handler: handler, logger: logger}
}

// Run dials and consumes the stream until ctx is cancelled. A stream error
// reconnects with backoff; ctx cancellation (the host requesting a clean
// shutdown) exits without reconnecting.
func (c *Client) Run(ctx context.Context) error {
	limiter := rate.NewLimiter(rate.Every(time.Second), 1)
	backoff := time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if err := limiter.Wait(ctx); err != nil {
			return nil
		}

		connectedAt := time.Now()
		err := c.consumeOnce(ctx)
		if err == nil || errors.Is(err, context.Canceled) {
			return nil
		}
		if time.Since(connectedAt) > maxBackoff {
			backoff = time.Second
		}

		c.logger.Warn("eventstream_client_reconnecting", "url", c.url, "error", err, "backoff", backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (c *Client) consumeOnce(ctx context.Context) error {
	opts := &websocket.DialOptions{}
	if c.token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + c.token}}
	}
	conn, _, err := websocket.Dial(ctx, c.url, opts)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	for {
		var msg Message
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return err
		}
		if err := c.handler.Handle(ctx, msg); err != nil {
			c.logger.Error("eventstream_handle_failed", "run_id", msg.RunID, "error", err)
		}
	}
}
