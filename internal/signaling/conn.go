package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/TakTek-App/TakTek-App/internal/metrics"
	"github.com/TakTek-App/TakTek-App/internal/ratelimit"
)

const (
	wsWriteWait = 5 * time.Second
	closeWait   = 1 * time.Second
)

// conn is one client socket. The reader runs on the HTTP handler goroutine;
// a writer goroutine drains out so the hub never touches the socket.
type conn struct {
	id  string
	ws  *websocket.Conn
	out *sendQueue
	log *slog.Logger

	closeOnce   sync.Once
	closeCode   int
	closeReason string

	done chan struct{}
}

func newConn(id string, ws *websocket.Conn, queueFrames int, log *slog.Logger) *conn {
	return &conn{
		id:   id,
		ws:   ws,
		out:  newSendQueue(queueFrames),
		log:  log,
		done: make(chan struct{}),
	}
}

// send queues an encoded frame. It reports false when the frame was dropped.
func (c *conn) send(frame []byte) bool {
	return c.out.Enqueue(frame)
}

func (c *conn) sendEvent(event string, data any) bool {
	frame, err := json.Marshal(outbound{Event: event, Data: data})
	if err != nil {
		c.log.Error("encode outbound event", "event", event, "err", err)
		return false
	}
	return c.send(frame)
}

// fail reports an error event then closes with the given close code.
func (c *conn) fail(code, message string, closeCode int, closeReason string) {
	c.sendEvent(EventError, errorEvent{Code: code, Message: message})
	c.closeWith(closeCode, closeReason)
}

// closeWith stops accepting frames. The writer flushes what is queued, sends
// the close frame and closes the socket.
func (c *conn) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		c.out.Close()
	})
}

func (c *conn) writeLoop() {
	defer close(c.done)
	defer c.ws.Close()

	for {
		frame, ok := c.out.Dequeue()
		if !ok {
			break
		}
		_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
			c.log.Debug("websocket write failed", "conn_id", c.id, "err", err)
			c.closeWith(websocket.CloseAbnormalClosure, "")
			return
		}
	}
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(c.closeCode, c.closeReason), time.Now().Add(closeWait))
}

func (c *conn) pingLoop(interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

type readConfig struct {
	maxMessageBytes int64
	idleTimeout     time.Duration
	limiter         *ratelimit.TokenBucket
	validator       *validator
	metrics         *metrics.Metrics
}

// readLoop delivers decoded envelopes to deliver until the socket fails or a
// policy violation closes it. It always leaves the connection closing.
func (c *conn) readLoop(ctx context.Context, cfg readConfig, deliver func(Envelope)) {
	c.ws.SetReadLimit(cfg.maxMessageBytes)

	extend := func() {
		if cfg.idleTimeout > 0 {
			_ = c.ws.SetReadDeadline(time.Now().Add(cfg.idleTimeout))
		}
	}
	extend()
	c.ws.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, websocket.ErrReadLimit):
				cfg.metrics.Inc(metrics.MessageTooLarge)
				c.closeWith(websocket.CloseMessageTooBig, "message too large")
			case isTimeout(err):
				c.closeWith(websocket.CloseNormalClosure, "idle timeout")
			default:
				c.closeWith(websocket.CloseNormalClosure, "")
			}
			return
		}
		extend()

		// Limit after reading so the client reliably observes the close
		// code instead of a reset caused by unread data.
		if cfg.limiter != nil && !cfg.limiter.Allow(1) {
			cfg.metrics.Inc(metrics.RateLimited)
			c.fail("rate_limited", "rate limit exceeded", websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			c.fail("bad_message", "expected text message", websocket.CloseUnsupportedData, "expected text message")
			return
		}

		env, err := decodeEnvelope(data)
		if err == nil {
			err = cfg.validator.Validate(ctx, env.Event, env.Data)
		}
		if err != nil {
			cfg.metrics.Inc(metrics.BadMessage)
			if env.Event == EventSendLocation {
				cfg.metrics.Inc(metrics.LocationMalformed)
			}
			perr := asProtocolError(err)
			c.log.Debug("bad message", "conn_id", c.id, "event", env.Event, "err", perr.Message)
			c.sendEvent(EventError, errorEvent{Code: perr.Code, Message: perr.Message})
			continue
		}
		deliver(env)
	}
}

func decodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, badMessage("invalid frame: %v", err)
	}
	if env.Event == "" {
		return Envelope{}, badMessage("missing event")
	}
	return env, nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
