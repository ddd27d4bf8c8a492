package exchange

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	handshakeTimeout      = 10 * time.Second
	writeTimeout          = 10 * time.Second
	pingInterval          = 30 * time.Second
	pongTimeout           = 60 * time.Second
	initialReconnectDelay = time.Second
	maxReconnectDelay     = time.Minute
)

// subscribeMessage is the frame sent upstream to start or stop a symbol feed.
type subscribeMessage struct {
	Type   string `json:"type"` // "subscribe" or "unsubscribe"
	Symbol string `json:"symbol"`
}

// WSClient maintains one WebSocket connection to the exchange and delivers
// every inbound frame to the configured handler. It reconnects with
// exponential backoff and replays the current subscription set after every
// reconnect, so subscribers never notice a dropped connection.
type WSClient struct {
	cfg     Config
	onFrame func([]byte)

	mu      sync.Mutex
	conn    *websocket.Conn
	symbols map[string]struct{}
}

// NewWSClient creates a client delivering raw inbound frames to onFrame.
// onFrame is called from the read loop and must not block.
func NewWSClient(cfg Config, onFrame func([]byte)) *WSClient {
	return &WSClient{
		cfg:     cfg,
		onFrame: onFrame,
		symbols: make(map[string]struct{}),
	}
}

// Subscribe opens the upstream feed for one symbol. The subscription is
// remembered and replayed after reconnects. Subscribing an already
// subscribed symbol is a no-op.
func (c *WSClient) Subscribe(symbol string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.symbols[symbol]; ok {
		return nil
	}
	c.symbols[symbol] = struct{}{}
	return c.sendLocked(subscribeMessage{Type: "subscribe", Symbol: symbol})
}

// Unsubscribe closes the upstream feed for one symbol.
func (c *WSClient) Unsubscribe(symbol string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.symbols[symbol]; !ok {
		return nil
	}
	delete(c.symbols, symbol)
	return c.sendLocked(subscribeMessage{Type: "unsubscribe", Symbol: symbol})
}

// sendLocked writes one control message if a connection is up. With no
// connection the message is skipped: the subscription set is replayed on the
// next (re)connect. Callers must hold c.mu.
func (c *WSClient) sendLocked(msg subscribeMessage) error {
	if c.conn == nil {
		return nil
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	if err := c.conn.WriteJSON(msg); err != nil {
		return err
	}
	return nil
}

// Run connects and keeps reading until the context is cancelled, redialing
// with exponential backoff after every connection failure.
func (c *WSClient) Run(ctx context.Context) {
	delay := initialReconnectDelay
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := c.handleConnection(ctx); err != nil {
			slog.Error("exchange websocket disconnected",
				"error", err, "reconnect_in", delay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay *= 2
			if delay > maxReconnectDelay {
				delay = maxReconnectDelay
			}
			continue
		}
		delay = initialReconnectDelay
	}
}

// handleConnection manages a single connection lifecycle: dial, replay
// subscriptions, pump pings, read until failure.
func (c *WSClient) handleConnection(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.cfg.WSURL, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := conn.Close(); err != nil {
			slog.Warn("failed to close websocket", "error", err)
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	c.mu.Lock()
	c.conn = conn
	symbols := make([]string, 0, len(c.symbols))
	for s := range c.symbols {
		symbols = append(symbols, s)
	}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	slog.Info("exchange websocket connected", "url", c.cfg.WSURL, "symbols", len(symbols))
	for _, s := range symbols {
		b, _ := json.Marshal(subscribeMessage{Type: "subscribe", Symbol: s})
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
			return err
		}
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.pingLoop(connCtx, conn)

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		c.onFrame(frame)
	}
}

func (c *WSClient) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
