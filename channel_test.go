package rethink

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/gorilla/websocket"

	"github.com/go-playground/assert/v2"
)

// a backend stub that acks every request and pushes one change event on the
// table channel after a register
func newTestBackend(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		for {
			_, message, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if len(message) == 0 {
				// ping
				continue
			}

			var parts []json.RawMessage
			if err := json.Unmarshal(message, &parts); err != nil || len(parts) < 3 {
				continue
			}
			var name string
			json.Unmarshal(parts[0], &name)
			var ackId string
			json.Unmarshal(parts[2], &ackId)

			ackBytes, _ := json.Marshal([]any{ackFrameName, ackId, map[string]any{"msj": "ok"}})
			if err := ws.WriteMessage(websocket.TextMessage, ackBytes); err != nil {
				return
			}

			if name == registerMessageName {
				eventBytes, _ := json.Marshal([]any{"messages", map[string]any{
					"new_val": map[string]any{"id": "a"},
				}})
				if err := ws.WriteMessage(websocket.TextMessage, eventBytes); err != nil {
					return
				}
			}
		}
	}))
}

func testChannelConfig(server *httptest.Server) *Config {
	return &Config{
		Host:     strings.TrimPrefix(server.URL, "http://"),
		Database: "appdb",
		APIKey:   "key123",
	}
}

func TestWebsocketChannelRequestAck(t *testing.T) {
	server := newTestBackend(t)
	defer server.Close()

	channel, err := DialChangeChannelWithDefaults(context.Background(), testChannelConfig(server))
	assert.Equal(t, err, nil)
	defer channel.Close()

	ackBytes, err := channel.Request(context.Background(), registerMessageName, []any{
		testChannelConfig(server),
		&registerScope{Table: "messages"},
	})
	assert.Equal(t, err, nil)

	ack := &registerAck{}
	err = json.Unmarshal(ackBytes, ack)
	assert.Equal(t, err, nil)
	assert.Equal(t, ack.Err, "")
	assert.Equal(t, ack.Msj, "ok")
}

func TestWebsocketChannelListen(t *testing.T) {
	server := newTestBackend(t)
	defer server.Close()

	channel, err := DialChangeChannelWithDefaults(context.Background(), testChannelConfig(server))
	assert.Equal(t, err, nil)
	defer channel.Close()

	events := make(chan []byte, 8)
	stopListen := channel.Listen("messages", func(payload []byte) {
		events <- payload
	})
	defer stopListen()

	_, err = channel.Request(context.Background(), registerMessageName, []any{})
	assert.Equal(t, err, nil)

	select {
	case payload := <-events:
		event, err := parseChangeEvent(payload)
		assert.Equal(t, err, nil)
		assert.Equal(t, event.Type, ChangeInserted)
		assert.Equal(t, event.NewValue.Id(), "a")
	case <-time.After(testTimeout):
		t.Fatal("Timeout waiting for change event.")
	}
}

func TestWebsocketChannelRequestCancel(t *testing.T) {
	// a backend that never acks
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	channel, err := DialChangeChannelWithDefaults(context.Background(), testChannelConfig(server))
	assert.Equal(t, err, nil)
	defer channel.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = channel.Request(ctx, registerMessageName, []any{})
	assert.NotEqual(t, err, nil)
}

func TestWebsocketChannelDialError(t *testing.T) {
	config := &Config{}
	_, err := DialChangeChannelWithDefaults(context.Background(), config)
	assert.NotEqual(t, err, nil)
}
