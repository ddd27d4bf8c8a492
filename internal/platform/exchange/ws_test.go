package exchange

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wsTestServer upgrades every request, records inbound control messages and
// pushes one trade frame back per received subscribe.
func wsTestServer(t *testing.T) (*httptest.Server, chan subscribeMessage) {
	t.Helper()
	received := make(chan subscribeMessage, 16)
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, frame, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg subscribeMessage
			if err := json.Unmarshal(frame, &msg); err != nil {
				continue
			}
			received <- msg
			if msg.Type == "subscribe" {
				trade := `{"type":"trade","symbol":"` + msg.Symbol +
					`","price":"100.5","size":"0.25","time":1714521600,"sequence":1}`
				if err := conn.WriteMessage(websocket.TextMessage, []byte(trade)); err != nil {
					return
				}
			}
		}
	}))
	return srv, received
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWSClient_SubscribeDeliversFrames(t *testing.T) {
	srv, received := wsTestServer(t)
	defer srv.Close()

	frames := make(chan []byte, 16)
	c := NewWSClient(Config{WSURL: wsURL(srv)}, func(frame []byte) {
		frames <- append([]byte(nil), frame...)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	// Subscriptions made before the dial completes are replayed once the
	// connection is up.
	require.NoError(t, c.Subscribe("BTC-USD"))

	select {
	case msg := <-received:
		assert.Equal(t, subscribeMessage{Type: "subscribe", Symbol: "BTC-USD"}, msg)
	case <-time.After(2 * time.Second):
		t.Fatal("server never received subscribe")
	}

	select {
	case frame := <-frames:
		assert.Contains(t, string(frame), `"type":"trade"`)
		assert.Contains(t, string(frame), `"symbol":"BTC-USD"`)
	case <-time.After(2 * time.Second):
		t.Fatal("handler never received trade frame")
	}
}

func TestWSClient_SubscribeIsIdempotent(t *testing.T) {
	srv, received := wsTestServer(t)
	defer srv.Close()

	c := NewWSClient(Config{WSURL: wsURL(srv)}, func([]byte) {})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	require.NoError(t, c.Subscribe("ETH-USD"))
	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("server never received subscribe")
	}

	require.NoError(t, c.Subscribe("ETH-USD"))
	select {
	case msg := <-received:
		t.Fatalf("duplicate subscribe reached the server: %+v", msg)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWSClient_UnsubscribeSendsControlMessage(t *testing.T) {
	srv, received := wsTestServer(t)
	defer srv.Close()

	c := NewWSClient(Config{WSURL: wsURL(srv)}, func([]byte) {})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	require.NoError(t, c.Subscribe("BTC-USD"))
	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("server never received subscribe")
	}

	require.NoError(t, c.Unsubscribe("BTC-USD"))
	select {
	case msg := <-received:
		assert.Equal(t, subscribeMessage{Type: "unsubscribe", Symbol: "BTC-USD"}, msg)
	case <-time.After(2 * time.Second):
		t.Fatal("server never received unsubscribe")
	}
}
