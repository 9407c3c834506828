package rethink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/gorilla/websocket"

	"github.com/golang/glog"

	"github.com/oklog/ulid/v2"
)

const channelSendBufferSize = 8

const ackFrameName = "ack"

// ChangeChannel is the bidirectional event channel to the backend: named
// messages pushed per table, plus a request/acknowledge call pattern.
// Reconnection and backoff are the transport's concern, not modeled here.
type ChangeChannel interface {
	// Request sends a named message and blocks for its acknowledgement.
	Request(ctx context.Context, name string, payload any) (json.RawMessage, error)
	// Listen registers a handler for a named event and returns its
	// deregistration function. Handlers run serially in arrival order.
	Listen(name string, handler func(payload []byte)) func()
	Close() error
}

// ChannelDialer opens a change channel for a backend. Injectable for tests.
type ChannelDialer func(ctx context.Context, config *Config) (ChangeChannel, error)

type ChannelSettings struct {
	WsHandshakeTimeout time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	PingTimeout        time.Duration
	AckTimeout         time.Duration
}

func DefaultChannelSettings() *ChannelSettings {
	return &ChannelSettings{
		WsHandshakeTimeout: 2 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        30 * time.Second,
		PingTimeout:        5 * time.Second,
		AckTimeout:         15 * time.Second,
	}
}

// frames are json arrays:
//
//	[name, payload]         event push
//	[name, payload, ackId]  request
//	["ack", ackId, payload] acknowledgement
type websocketChannel struct {
	ctx    context.Context
	cancel context.CancelFunc

	ws       *websocket.Conn
	settings *ChannelSettings

	send chan []byte

	mutex       sync.Mutex
	handlers    map[string]map[ulid.ULID]func([]byte)
	pendingAcks map[string]chan json.RawMessage
}

func DialChangeChannelWithDefaults(ctx context.Context, config *Config) (ChangeChannel, error) {
	return DialChangeChannel(ctx, config, DefaultChannelSettings())
}

func DialChangeChannel(ctx context.Context, config *Config, settings *ChannelSettings) (ChangeChannel, error) {
	wsUrl := config.WebSocketURL()
	if wsUrl == "" {
		return nil, errors.New("missing host for change channel")
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, wsUrl, nil)
	if err != nil {
		return nil, err
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	channel := &websocketChannel{
		ctx:         cancelCtx,
		cancel:      cancel,
		ws:          ws,
		settings:    settings,
		send:        make(chan []byte, channelSendBufferSize),
		handlers:    map[string]map[ulid.ULID]func([]byte){},
		pendingAcks: map[string]chan json.RawMessage{},
	}
	go channel.writePump()
	go channel.readPump()
	return channel, nil
}

func (self *websocketChannel) writePump() {
	defer self.cancel()

	for {
		select {
		case <-self.ctx.Done():
			return
		case frameBytes, ok := <-self.send:
			if !ok {
				return
			}
			self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := self.ws.WriteMessage(websocket.TextMessage, frameBytes); err != nil {
				// a deadline timeout cannot be recovered on a websocket
				glog.Infof("[ch]-> error = %s\n", err)
				return
			}
			glog.V(2).Infof("[ch]->\n")
		case <-time.After(self.settings.PingTimeout):
			self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := self.ws.WriteMessage(websocket.TextMessage, make([]byte, 0)); err != nil {
				return
			}
		}
	}
}

func (self *websocketChannel) readPump() {
	defer self.cancel()

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := self.ws.ReadMessage()
		if err != nil {
			glog.Infof("[ch]<- error = %s\n", err)
			return
		}

		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			if len(message) == 0 {
				// ping
				glog.V(2).Infof("[ch]ping<-\n")
				continue
			}
			self.dispatch(message)
		default:
			glog.V(2).Infof("[ch]other=%d<-\n", messageType)
		}
	}
}

func (self *websocketChannel) dispatch(message []byte) {
	var parts []json.RawMessage
	if err := json.Unmarshal(message, &parts); err != nil || len(parts) < 2 {
		glog.Infof("[ch]malformed frame<-\n")
		return
	}
	var name string
	if err := json.Unmarshal(parts[0], &name); err != nil {
		glog.Infof("[ch]malformed frame name<-\n")
		return
	}

	if name == ackFrameName {
		var ackId string
		if err := json.Unmarshal(parts[1], &ackId); err != nil {
			return
		}
		var payload json.RawMessage
		if len(parts) >= 3 {
			payload = parts[2]
		}
		self.mutex.Lock()
		ack, ok := self.pendingAcks[ackId]
		delete(self.pendingAcks, ackId)
		self.mutex.Unlock()
		if ok {
			ack <- payload
		}
		return
	}

	self.mutex.Lock()
	handlers := make([]func([]byte), 0, len(self.handlers[name]))
	for _, handler := range self.handlers[name] {
		handlers = append(handlers, handler)
	}
	self.mutex.Unlock()

	glog.V(2).Infof("[ch]%s<-\n", name)
	for _, handler := range handlers {
		handler(parts[1])
	}
}

func (self *websocketChannel) Request(ctx context.Context, name string, payload any) (json.RawMessage, error) {
	ackId := ulid.Make().String()
	frameBytes, err := json.Marshal([]any{name, payload, ackId})
	if err != nil {
		return nil, err
	}

	ack := make(chan json.RawMessage, 1)
	self.mutex.Lock()
	self.pendingAcks[ackId] = ack
	self.mutex.Unlock()
	defer func() {
		self.mutex.Lock()
		delete(self.pendingAcks, ackId)
		self.mutex.Unlock()
	}()

	select {
	case <-self.ctx.Done():
		return nil, errors.New("channel closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	case self.send <- frameBytes:
	}

	select {
	case <-self.ctx.Done():
		return nil, errors.New("channel closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	case payload := <-ack:
		return payload, nil
	case <-time.After(self.settings.AckTimeout):
		return nil, fmt.Errorf("%s: ack timeout", name)
	}
}

func (self *websocketChannel) Listen(name string, handler func(payload []byte)) func() {
	handlerId := ulid.Make()
	self.mutex.Lock()
	if self.handlers[name] == nil {
		self.handlers[name] = map[ulid.ULID]func([]byte){}
	}
	self.handlers[name][handlerId] = handler
	self.mutex.Unlock()

	return func() {
		self.mutex.Lock()
		delete(self.handlers[name], handlerId)
		self.mutex.Unlock()
	}
}

func (self *websocketChannel) Close() error {
	self.cancel()
	return self.ws.Close()
}
