package canvassync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/gorilla/websocket"
)

const transportBufferSize = 32

// the primary, low-latency, bidirectional channel to the backend.
// emits mutation frames outward and receives object/presence/connection
// lifecycle events inward.
type MutationTransport interface {
	// delivers one mutation and waits for the backend ack
	SendMutation(ctx context.Context, mutation *PendingMutation) error
	// the backend's own view of the canvas object set, used for
	// consistency validation after reconnect
	ObjectSet(ctx context.Context) ([]*CanvasObject, error)
	IsConnected() bool
}

type CanvasTransportSettings struct {
	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	ReconnectTimeout   time.Duration
	// attempts before emitting reconnection_exhausted
	MaxReconnectAttempts int
	// idle period after exhaustion before the cycle restarts
	ExhaustedIdleTimeout time.Duration
	PingTimeout          time.Duration
	WriteTimeout         time.Duration
	ReadTimeout          time.Duration
	AckTimeout           time.Duration
}

func DefaultCanvasTransportSettings() *CanvasTransportSettings {
	return &CanvasTransportSettings{
		WsHandshakeTimeout:   2 * time.Second,
		AuthTimeout:          2 * time.Second,
		ReconnectTimeout:     5 * time.Second,
		MaxReconnectAttempts: 5,
		ExhaustedIdleTimeout: 60 * time.Second,
		PingTimeout:          1 * time.Second,
		WriteTimeout:         5 * time.Second,
		ReadTimeout:          15 * time.Second,
		AckTimeout:           5 * time.Second,
	}
}

type CanvasTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	transportUrl string
	canvasId     Id
	auth         *ClientAuth

	settings *CanvasTransportSettings

	remoteEvents     chan<- RemoteEvent
	connectionEvents chan<- ConnectionEvent

	stateLock sync.Mutex
	connected bool
	send      chan []byte
	// message id -> ack waiter
	ackWaiters map[Id]chan error
	// message id -> object set waiter
	syncWaiters map[Id]chan []*CanvasObject
}

func NewCanvasTransportWithDefaults(
	ctx context.Context,
	transportUrl string,
	canvasId Id,
	auth *ClientAuth,
	remoteEvents chan<- RemoteEvent,
	connectionEvents chan<- ConnectionEvent,
) *CanvasTransport {
	return NewCanvasTransport(
		ctx,
		transportUrl,
		canvasId,
		auth,
		remoteEvents,
		connectionEvents,
		DefaultCanvasTransportSettings(),
	)
}

func NewCanvasTransport(
	ctx context.Context,
	transportUrl string,
	canvasId Id,
	auth *ClientAuth,
	remoteEvents chan<- RemoteEvent,
	connectionEvents chan<- ConnectionEvent,
	settings *CanvasTransportSettings,
) *CanvasTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	transport := &CanvasTransport{
		ctx:              cancelCtx,
		cancel:           cancel,
		transportUrl:     transportUrl,
		canvasId:         canvasId,
		auth:             auth,
		settings:         settings,
		remoteEvents:     remoteEvents,
		connectionEvents: connectionEvents,
		send:             make(chan []byte, transportBufferSize),
		ackWaiters:       map[Id]chan error{},
		syncWaiters:      map[Id]chan []*CanvasObject{},
	}
	go transport.run()
	return transport
}

func (self *CanvasTransport) run() {
	defer self.cancel()

	clientId, _ := self.auth.ClientId()

	authBytes, err := json.Marshal(map[string]any{
		"by_jwt":      self.auth.ByJwt,
		"app_version": self.auth.AppVersion,
		"instance_id": self.auth.InstanceId.String(),
		"canvas_id":   self.canvasId.String(),
	})
	if err != nil {
		return
	}

	first := true
	attempt := 0
	for {
		connect := func() (*websocket.Conn, error) {
			dialer := &websocket.Dialer{
				HandshakeTimeout: self.settings.WsHandshakeTimeout,
			}
			ws, _, err := dialer.DialContext(self.ctx, self.transportUrl, nil)
			if err != nil {
				return nil, err
			}

			success := false
			defer func() {
				if !success {
					ws.Close()
				}
			}()

			ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, authBytes); err != nil {
				return nil, err
			}
			ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
			if _, message, err := ws.ReadMessage(); err != nil {
				return nil, err
			} else {
				// verify the auth echo
				var echo wireMessage
				if err := json.Unmarshal(message, &echo); err != nil || echo.Error != "" {
					return nil, fmt.Errorf("auth response error: %s", echo.Error)
				}
			}

			success = true
			return ws, nil
		}

		if !first {
			attempt += 1
			self.emitConnectionEvent(ConnectionEvent{
				Type:      EventReconnectionAttempt,
				Attempt:   attempt,
				EventTime: time.Now(),
			})
		}

		ws, err := connect()
		if err != nil {
			glog.Infof("[t]connect error %s = %s\n", clientId, err)
			if !first {
				self.emitConnectionEvent(ConnectionEvent{
					Type:      EventReconnectionFailed,
					Attempt:   attempt,
					Err:       err,
					EventTime: time.Now(),
				})
			}
			idle := self.settings.ReconnectTimeout
			if !first && self.settings.MaxReconnectAttempts <= attempt {
				self.emitConnectionEvent(ConnectionEvent{
					Type:      EventReconnectionExhausted,
					Attempt:   attempt,
					Err:       err,
					EventTime: time.Now(),
				})
				// restart the cycle after a longer idle
				attempt = 0
				idle = self.settings.ExhaustedIdleTimeout
			}
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(idle):
				continue
			}
		}

		first = false
		attempt = 0
		self.setConnected(true)
		self.emitConnectionEvent(ConnectionEvent{
			Type:      EventConnectionRestored,
			EventTime: time.Now(),
		})

		self.handle(ws, clientId)

		self.setConnected(false)
		self.failWaiters(ErrNotConnected)
		self.emitConnectionEvent(ConnectionEvent{
			Type:      EventConnectionLost,
			EventTime: time.Now(),
		})

		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.ReconnectTimeout):
		}
	}
}

func (self *CanvasTransport) handle(ws *websocket.Conn, clientId Id) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case message, ok := <-self.send:
				if !ok {
					return
				}

				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
					// a websocket deadline timeout cannot be recovered
					glog.Infof("[ts]%s-> error = %s\n", clientId, err)
					return
				}
				glog.V(2).Infof("[ts]%s->\n", clientId)
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, make([]byte, 0)); err != nil {
					return
				}
			}
		}
	}()

	for {
		select {
		case <-handleCtx.Done():
			return
		default:
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		_, message, err := ws.ReadMessage()
		if err != nil {
			glog.Infof("[tr]%s<- error = %s\n", clientId, err)
			return
		}

		if 0 == len(message) {
			// ping
			glog.V(2).Infof("[tr]ping %s<-\n", clientId)
			continue
		}

		var wireMsg wireMessage
		if err := json.Unmarshal(message, &wireMsg); err != nil {
			glog.Infof("[tr]bad message %s<- = %s\n", clientId, err)
			continue
		}
		self.receiveMessage(&wireMsg)
	}
}

func (self *CanvasTransport) receiveMessage(wireMsg *wireMessage) {
	switch wireMsg.Type {
	case wireTypeAck:
		self.stateLock.Lock()
		waiter, ok := self.ackWaiters[wireMsg.MessageId]
		if ok {
			delete(self.ackWaiters, wireMsg.MessageId)
		}
		self.stateLock.Unlock()
		if ok {
			var err error
			if wireMsg.Error != "" {
				err = NewValidationError("%s", wireMsg.Error)
			}
			select {
			case waiter <- err:
			default:
			}
		}
	case wireTypeSync:
		self.stateLock.Lock()
		waiter, ok := self.syncWaiters[wireMsg.MessageId]
		if ok {
			delete(self.syncWaiters, wireMsg.MessageId)
		}
		self.stateLock.Unlock()
		if ok {
			select {
			case waiter <- wireMsg.Objects:
			default:
			}
		}
	case wireTypeObjectCreated, wireTypeObjectUpdated, wireTypeObjectDeleted:
		event := RemoteEvent{
			Type:      RemoteEventType(wireMsg.Type),
			ObjectId:  wireMsg.ObjectId,
			Object:    wireMsg.Object,
			UserId:    wireMsg.UserId,
			EventTime: time.Now(),
		}
		if event.Object != nil && event.ObjectId == (Id{}) {
			event.ObjectId = event.Object.ObjectId
		}
		self.emitRemoteEvent(event)
	case wireTypePresence:
		self.emitRemoteEvent(RemoteEvent{
			Type:      EventPresence,
			UserId:    wireMsg.UserId,
			Presence:  wireMsg.Presence,
			EventTime: time.Now(),
		})
	default:
		glog.V(2).Infof("[tr]other=%s\n", wireMsg.Type)
	}
}

func (self *CanvasTransport) emitRemoteEvent(event RemoteEvent) {
	select {
	case self.remoteEvents <- event:
	case <-self.ctx.Done():
	case <-time.After(self.settings.ReadTimeout):
		glog.Infof("[tr]drop %s\n", event.Type)
	}
}

func (self *CanvasTransport) emitConnectionEvent(event ConnectionEvent) {
	select {
	case self.connectionEvents <- event:
	case <-self.ctx.Done():
	case <-time.After(self.settings.ReadTimeout):
		glog.Infof("[tr]drop %s\n", event.Type)
	}
}

func (self *CanvasTransport) setConnected(connected bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.connected = connected
}

func (self *CanvasTransport) IsConnected() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.connected
}

func (self *CanvasTransport) failWaiters(err error) {
	self.stateLock.Lock()
	ackWaiters := self.ackWaiters
	self.ackWaiters = map[Id]chan error{}
	syncWaiters := self.syncWaiters
	self.syncWaiters = map[Id]chan []*CanvasObject{}
	self.stateLock.Unlock()

	for _, waiter := range ackWaiters {
		select {
		case waiter <- err:
		default:
		}
	}
	for _, waiter := range syncWaiters {
		close(waiter)
	}
}

// delivers one mutation frame and waits for the ack from the backend
func (self *CanvasTransport) SendMutation(ctx context.Context, mutation *PendingMutation) error {
	if !self.IsConnected() {
		return ErrNotConnected
	}

	messageId := NewId()
	messageBytes, err := json.Marshal(&wireMessage{
		Type:       wireTypeMutation,
		MessageId:  messageId,
		CanvasId:   self.canvasId,
		ObjectId:   mutation.ObjectId,
		ObjectType: mutation.ObjectType,
		Kind:       mutation.Kind,
		Payload:    mutation.Payload,
	})
	if err != nil {
		return err
	}

	waiter := make(chan error, 1)
	self.stateLock.Lock()
	self.ackWaiters[messageId] = waiter
	self.stateLock.Unlock()

	removeWaiter := func() {
		self.stateLock.Lock()
		delete(self.ackWaiters, messageId)
		self.stateLock.Unlock()
	}

	select {
	case self.send <- messageBytes:
	case <-ctx.Done():
		removeWaiter()
		return ctx.Err()
	case <-self.ctx.Done():
		removeWaiter()
		return ErrClosed
	case <-time.After(self.settings.WriteTimeout):
		removeWaiter()
		return ErrAckTimeout
	}

	select {
	case err := <-waiter:
		return err
	case <-ctx.Done():
		removeWaiter()
		return ctx.Err()
	case <-self.ctx.Done():
		removeWaiter()
		return ErrClosed
	case <-time.After(self.settings.AckTimeout):
		removeWaiter()
		return ErrAckTimeout
	}
}

// requests the backend's object set over the event channel
func (self *CanvasTransport) ObjectSet(ctx context.Context) ([]*CanvasObject, error) {
	if !self.IsConnected() {
		return nil, ErrNotConnected
	}

	messageId := NewId()
	messageBytes, err := json.Marshal(&wireMessage{
		Type:      wireTypeSyncRequest,
		MessageId: messageId,
		CanvasId:  self.canvasId,
	})
	if err != nil {
		return nil, err
	}

	waiter := make(chan []*CanvasObject, 1)
	self.stateLock.Lock()
	self.syncWaiters[messageId] = waiter
	self.stateLock.Unlock()

	removeWaiter := func() {
		self.stateLock.Lock()
		delete(self.syncWaiters, messageId)
		self.stateLock.Unlock()
	}

	select {
	case self.send <- messageBytes:
	case <-ctx.Done():
		removeWaiter()
		return nil, ctx.Err()
	case <-self.ctx.Done():
		removeWaiter()
		return nil, ErrClosed
	case <-time.After(self.settings.WriteTimeout):
		removeWaiter()
		return nil, ErrAckTimeout
	}

	select {
	case objects, ok := <-waiter:
		if !ok {
			return nil, ErrNotConnected
		}
		return objects, nil
	case <-ctx.Done():
		removeWaiter()
		return nil, ctx.Err()
	case <-self.ctx.Done():
		removeWaiter()
		return nil, ErrClosed
	case <-time.After(self.settings.AckTimeout):
		removeWaiter()
		return nil, ErrAckTimeout
	}
}

var errTransportClosed = errors.New("transport closed")

func (self *CanvasTransport) Close() {
	self.cancel()
	self.failWaiters(errTransportClosed)
}
