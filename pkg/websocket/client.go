// Package websocket provides a self-healing WebSocket client for venue
// stream feeds. The client dials, pumps every frame into a handler, and
// redials after any read or heartbeat failure until stopped.
package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"perp_trader/internal/core"
	"perp_trader/pkg/telemetry"
)

// MessageHandler consumes one raw frame. It runs on the read loop, so a slow
// handler delays the frames behind it.
type MessageHandler func(message []byte)

const (
	defaultReconnectWait = 5 * time.Second
	defaultPingInterval  = 30 * time.Second
	defaultPingWait      = 10 * time.Second
	defaultPongWait      = 60 * time.Second

	stopDrainTimeout = 5 * time.Second
)

// Client keeps one stream subscription alive. Subscriptions ride on the URL
// (combined-stream query parameters), so recovering from a dead connection
// is just redialing the same URL.
type Client struct {
	url       string
	onMessage MessageHandler
	logger    core.ILogger

	reconnectWait time.Duration

	mu           sync.Mutex
	conn         *websocket.Conn
	pingInterval time.Duration
	pingWait     time.Duration
	pongWait     time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	tracer     trace.Tracer
	frames     metric.Int64Counter
	dials      metric.Int64Counter
	handleTime metric.Float64Histogram
}

// NewClient builds a client for one stream URL. Nothing is dialed until
// Start.
func NewClient(url string, handler MessageHandler, logger core.ILogger) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	meter := telemetry.GetMeter("websocket")
	frames, _ := meter.Int64Counter("websocket_frames_total",
		metric.WithDescription("Frames delivered to the message handler"))
	dials, _ := meter.Int64Counter("websocket_dials_total",
		metric.WithDescription("Dial attempts, including redials"))
	handleTime, _ := meter.Float64Histogram("websocket_handle_seconds",
		metric.WithDescription("Time spent in the message handler per frame"))

	return &Client{
		url:           url,
		onMessage:     handler,
		logger:        logger,
		reconnectWait: defaultReconnectWait,
		pingInterval:  defaultPingInterval,
		pingWait:      defaultPingWait,
		pongWait:      defaultPongWait,
		ctx:           ctx,
		cancel:        cancel,
		tracer:        telemetry.GetTracer("websocket"),
		frames:        frames,
		dials:         dials,
		handleTime:    handleTime,
	}
}

// SetPingConfig overrides the heartbeat timings. Must be called before
// Start. An interval of zero disables client pings entirely.
func (c *Client) SetPingConfig(interval, wait, pongWait time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pingInterval = interval
	c.pingWait = wait
	c.pongWait = pongWait
}

// Start dials in the background and keeps the connection alive until Stop.
func (c *Client) Start() {
	c.wg.Add(1)
	go c.run()
}

// Stop tears the connection down and waits for the read and heartbeat
// goroutines to drain.
func (c *Client) Stop() {
	c.cancel()
	c.closeConn()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(stopDrainTimeout):
		if c.logger != nil {
			c.logger.Warn("WebSocket client stopped with goroutines still draining", "url", c.url)
		}
	}
}

func (c *Client) run() {
	defer c.wg.Done()

	for c.ctx.Err() == nil {
		if err := c.dial(); err != nil {
			if c.ctx.Err() != nil {
				return
			}
			if c.logger != nil {
				c.logger.Error("WebSocket dial failed", "url", c.url, "error", err)
			}
			if !c.sleep(c.reconnectWait) {
				return
			}
			continue
		}

		c.mu.Lock()
		interval := c.pingInterval
		c.mu.Unlock()

		heartbeatCtx, stopHeartbeat := context.WithCancel(c.ctx)
		if interval > 0 {
			c.wg.Add(1)
			go c.heartbeat(heartbeatCtx)
		}

		c.consume()
		stopHeartbeat()

		if c.ctx.Err() != nil {
			return
		}
		if c.logger != nil {
			c.logger.Warn("WebSocket connection lost, redialing", "url", c.url)
		}
		if !c.sleep(c.reconnectWait) {
			return
		}
	}
}

// sleep waits for d unless the client is stopped first.
func (c *Client) sleep(d time.Duration) bool {
	select {
	case <-c.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// dial opens the connection and arms the pong-driven read deadline. The
// deadline is what turns a silent venue into a read error.
func (c *Client) dial() error {
	ctx, span := c.tracer.Start(c.ctx, "WS Dial",
		trace.WithAttributes(attribute.String("ws.url", c.url)))
	defer span.End()

	c.dials.Add(ctx, 1)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		span.RecordError(err)
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ctx.Err() != nil {
		conn.Close()
		return c.ctx.Err()
	}

	pongWait := c.pongWait
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	c.conn = conn
	return nil
}

// heartbeat pings the venue on an interval. A failed ping closes the
// connection, which bounces the read loop into a redial.
func (c *Client) heartbeat(ctx context.Context) {
	defer c.wg.Done()

	c.mu.Lock()
	interval, wait := c.pingInterval, c.pingWait
	c.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn == nil {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wait)); err != nil {
				c.closeConn()
				return
			}
		}
	}
}

// consume delivers frames to the handler until the connection dies.
func (c *Client) consume() {
	defer c.closeConn()

	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}

		c.frames.Add(c.ctx, 1)
		if c.onMessage == nil {
			continue
		}
		start := time.Now()
		c.onMessage(message)
		c.handleTime.Record(c.ctx, time.Since(start).Seconds())
	}
}

func (c *Client) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}
