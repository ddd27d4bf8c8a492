// Package handler provides the downstream WebSocket endpoint of the stream
// feature.
package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"candle_backend/internal/feature/candles/domain/entity"
	"candle_backend/internal/feature/stream"
	"candle_backend/internal/feature/stream/transport/http/dto"
)

const writeTimeout = 10 * time.Second

// SubscriptionRouter is the router interface the handler consumes.
type SubscriptionRouter interface {
	Register() *stream.Consumer
	Remove(consumerID string)
	Subscribe(consumerID, symbol string, g entity.Granularity) error
	Unsubscribe(consumerID, symbol string, g entity.Granularity)
	NotifyError(consumerID, msg string)
}

// StreamHandler upgrades downstream clients to WebSocket and bridges their
// subscriptions into the router.
type StreamHandler struct {
	router   SubscriptionRouter
	upgrader websocket.Upgrader
}

// NewStreamHandler creates a StreamHandler over the given router.
func NewStreamHandler(router SubscriptionRouter) *StreamHandler {
	return &StreamHandler{
		router: router,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// StreamHandler serves the streaming endpoint.
//
// Clients send {"type":"subscribe","symbol":"BTC-USD","granularity":"1m"}
// control frames and receive candle and ticker pushes for every series they
// subscribed. Endpoint: GET /ws
func (h *StreamHandler) StreamHandler(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer func() {
		if err := conn.Close(); err != nil {
			slog.Warn("failed to close websocket", "error", err)
		}
	}()

	consumer := h.router.Register()
	defer h.router.Remove(consumer.ID)

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.writeLoop(conn, consumer)
	}()

	h.readLoop(conn, consumer)

	// Removing the consumer closes its event channel, which ends the write
	// loop; wait for it before closing the connection.
	h.router.Remove(consumer.ID)
	<-done
}

// readLoop consumes control frames until the client disconnects. It never
// writes to the connection itself: error notices go through the consumer's
// event channel so writeLoop stays the connection's only writer.
func (h *StreamHandler) readLoop(conn *websocket.Conn, consumer *stream.Consumer) {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg dto.ClientMessage
		if err := json.Unmarshal(frame, &msg); err != nil {
			h.router.NotifyError(consumer.ID, "malformed control frame")
			continue
		}

		g := entity.Granularity(msg.Granularity)
		switch msg.Type {
		case "subscribe":
			if err := h.router.Subscribe(consumer.ID, msg.Symbol, g); err != nil {
				h.router.NotifyError(consumer.ID, err.Error())
			}
		case "unsubscribe":
			h.router.Unsubscribe(consumer.ID, msg.Symbol, g)
		default:
			h.router.NotifyError(consumer.ID, "unknown control frame type")
		}
	}
}

// writeLoop pushes router events to the client until the consumer's channel
// closes.
func (h *StreamHandler) writeLoop(conn *websocket.Conn, consumer *stream.Consumer) {
	for ev := range consumer.Events() {
		var payload any
		switch {
		case ev.Candle != nil:
			payload = dto.CandleMessage{
				Type:        stream.FrameTypeCandle,
				Symbol:      ev.Candle.Symbol,
				Granularity: ev.Candle.Granularity.String(),
				Time:        ev.Candle.Time.Unix(),
				Open:        ev.Candle.Open.String(),
				High:        ev.Candle.High.String(),
				Low:         ev.Candle.Low.String(),
				Close:       ev.Candle.Close.String(),
				Volume:      ev.Candle.Volume.String(),
			}
		case ev.Tick != nil:
			payload = dto.TickerMessage{
				Type:   stream.FrameTypeTicker,
				Symbol: ev.Tick.Symbol,
				Price:  ev.Tick.Price.String(),
				Time:   ev.Tick.Time.Unix(),
			}
		case ev.Type == stream.FrameTypeError:
			payload = dto.ErrorMessage{Type: stream.FrameTypeError, Error: ev.Err}
		default:
			continue
		}

		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(payload); err != nil {
			return
		}
	}
}
