package main

// for this sim, a set of clients edit a shared canvas through an in-memory
// backend with injected latency, transient failures, and a mid-run
// disconnect. At the end every client must converge on the backend state.

import (
	"context"
	"errors"
	"fmt"
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/opendeck/canvassync/canvassync"
)

func main() {
	ctx := context.Background()

	sim := &CanvasSim{
		ctx: ctx,

		clientCount:  5,
		editDuration: 10 * time.Second,
		editInterval: 50 * time.Millisecond,

		minLatency: 2 * time.Millisecond,
		maxLatency: 20 * time.Millisecond,
		// fraction of backend calls that fail transiently
		failureRate: 0.05,

		// one client drops for this window mid-run
		disconnectAfter: 3 * time.Second,
		disconnectFor:   2 * time.Second,

		settleTimeout: 60 * time.Second,
	}

	if err := sim.Run(); err != nil {
		panic(err)
	}
}

type CanvasSim struct {
	ctx context.Context

	clientCount  int
	editDuration time.Duration
	editInterval time.Duration

	minLatency  time.Duration
	maxLatency  time.Duration
	failureRate float64

	disconnectAfter time.Duration
	disconnectFor   time.Duration

	settleTimeout time.Duration
}

func (self *CanvasSim) Run() error {
	canvasId := canvassync.NewId()
	server := newSimServer(canvasId, self.minLatency, self.maxLatency, self.failureRate)

	clients := []*simClient{}
	for i := 0; i < self.clientCount; i += 1 {
		clients = append(clients, newSimClient(self.ctx, i, canvasId, server))
	}
	defer func() {
		for _, client := range clients {
			client.close()
		}
	}()

	for _, client := range clients {
		client.connect()
	}

	// one client loses connectivity mid-run
	go func() {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.disconnectAfter):
		}
		clients[0].disconnect()
		fmt.Printf("client[0] disconnected\n")
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.disconnectFor):
		}
		clients[0].connect()
		fmt.Printf("client[0] reconnected\n")
	}()

	endTime := time.Now().Add(self.editDuration)
	for time.Now().Before(endTime) {
		for _, client := range clients {
			client.randomEdit()
		}
		select {
		case <-self.ctx.Done():
			return self.ctx.Err()
		case <-time.After(self.editInterval):
		}
	}
	fmt.Printf("edits done, settling\n")

	// stop failure injection so the backlog can settle
	server.setFailureRate(0)

	settleEnd := time.Now().Add(self.settleTimeout)
	for _, client := range clients {
		for {
			queueStats := client.client.QueueStats()
			if queueStats.QueueSize == 0 && queueStats.InFlightCount == 0 {
				break
			}
			if settleEnd.Before(time.Now()) {
				return errors.New("settle timeout")
			}
			time.Sleep(20 * time.Millisecond)
		}
	}

	// force a final refresh everywhere
	for _, client := range clients {
		if _, err := client.client.Sync(self.ctx); err != nil {
			return err
		}
	}

	serverDigest := canvassync.ObjectListDigest(server.objectList())
	fmt.Printf("server objects=%d digest=%x\n", len(server.objectList()), serverDigest)

	converged := true
	for _, client := range clients {
		objects := []*canvassync.CanvasObject{}
		for _, object := range client.client.DisplayObjects() {
			objects = append(objects, object)
		}
		digest := canvassync.ObjectListDigest(objects)
		queueStats := client.client.QueueStats()
		syncStats := client.client.SyncStats()
		ok := digest == serverDigest
		if !ok {
			converged = false
		}
		fmt.Printf(
			"client[%d] objects=%d digest=%x converged=%t succeeded=%d failed=%d conflicts=%d\n",
			client.index,
			len(objects),
			digest,
			ok,
			queueStats.SucceededCount,
			queueStats.FailedCount,
			syncStats.ConflictCount,
		)
	}

	if !converged {
		return errors.New("clients did not converge")
	}
	fmt.Printf("converged\n")
	return nil
}

// the shared in-memory backend. Implements the persistence interface directly
// and backs one transport per client.
type simServer struct {
	canvasId canvassync.Id

	minLatency time.Duration
	maxLatency time.Duration

	stateLock   sync.Mutex
	objects     map[canvassync.Id]*canvassync.CanvasObject
	failureRate float64
}

func newSimServer(canvasId canvassync.Id, minLatency time.Duration, maxLatency time.Duration, failureRate float64) *simServer {
	return &simServer{
		canvasId:    canvasId,
		minLatency:  minLatency,
		maxLatency:  maxLatency,
		objects:     map[canvassync.Id]*canvassync.CanvasObject{},
		failureRate: failureRate,
	}
}

func (self *simServer) setFailureRate(failureRate float64) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.failureRate = failureRate
}

func (self *simServer) inject() error {
	latency := self.minLatency + time.Duration(mathrand.Int63n(int64(self.maxLatency-self.minLatency)+1))
	time.Sleep(latency)

	self.stateLock.Lock()
	failureRate := self.failureRate
	self.stateLock.Unlock()
	if mathrand.Float64() < failureRate {
		return errors.New("injected failure")
	}
	return nil
}

func (self *simServer) objectList() []*canvassync.CanvasObject {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	objects := []*canvassync.CanvasObject{}
	for _, object := range self.objects {
		objects = append(objects, object.Copy())
	}
	return objects
}

func (self *simServer) GetCanvasObjectsSync(ctx context.Context, canvasId canvassync.Id) (*canvassync.GetCanvasObjectsResult, error) {
	if err := self.inject(); err != nil {
		return nil, err
	}
	return &canvassync.GetCanvasObjectsResult{
		CanvasId: canvasId,
		Objects:  self.objectList(),
	}, nil
}

func (self *simServer) CreateObjectSync(ctx context.Context, createObject *canvassync.CreateObjectArgs) (*canvassync.CreateObjectResult, error) {
	if err := self.inject(); err != nil {
		return nil, err
	}

	self.stateLock.Lock()
	object := &canvassync.CanvasObject{
		ObjectId:    createObject.ObjectId,
		ObjectType:  createObject.ObjectType,
		Properties:  createObject.Properties,
		Version:     1,
		UpdatedTime: time.Now(),
	}
	self.objects[object.ObjectId] = object
	result := &canvassync.CreateObjectResult{
		Object: object.Copy(),
	}
	self.stateLock.Unlock()
	return result, nil
}

func (self *simServer) UpdateObjectSync(ctx context.Context, updateObject *canvassync.UpdateObjectArgs) (*canvassync.UpdateObjectResult, error) {
	if err := self.inject(); err != nil {
		return nil, err
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	object, ok := self.objects[updateObject.ObjectId]
	if !ok {
		return &canvassync.UpdateObjectResult{
			Error: &canvassync.ObjectResultError{
				Message: fmt.Sprintf("unknown object: %s", updateObject.ObjectId),
			},
		}, nil
	}
	for key, value := range updateObject.Payload {
		object.Properties[key] = value
	}
	object.Version += 1
	object.UpdatedTime = time.Now()
	return &canvassync.UpdateObjectResult{
		Object: object.Copy(),
	}, nil
}

func (self *simServer) DeleteObjectSync(ctx context.Context, deleteObject *canvassync.DeleteObjectArgs) (*canvassync.DeleteObjectResult, error) {
	if err := self.inject(); err != nil {
		return nil, err
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	delete(self.objects, deleteObject.ObjectId)
	return &canvassync.DeleteObjectResult{}, nil
}

// the transport view of the backend for one client
type simTransport struct {
	server *simServer

	stateLock sync.Mutex
	connected bool
}

func newSimTransport(server *simServer) *simTransport {
	return &simTransport{
		server: server,
	}
}

func (self *simTransport) setConnected(connected bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.connected = connected
}

func (self *simTransport) SendMutation(ctx context.Context, mutation *canvassync.PendingMutation) error {
	if !self.IsConnected() {
		return canvassync.ErrNotConnected
	}

	switch mutation.Kind {
	case canvassync.MutationCreate:
		result, err := self.server.CreateObjectSync(ctx, &canvassync.CreateObjectArgs{
			CanvasId:   self.server.canvasId,
			ObjectId:   mutation.ObjectId,
			ObjectType: mutation.ObjectType,
			Properties: mutation.Payload,
		})
		if err != nil {
			return err
		}
		if result.Error != nil {
			return canvassync.NewValidationError("%s", result.Error.Message)
		}
		return nil
	case canvassync.MutationDelete:
		_, err := self.server.DeleteObjectSync(ctx, &canvassync.DeleteObjectArgs{
			CanvasId: self.server.canvasId,
			ObjectId: mutation.ObjectId,
		})
		return err
	default:
		result, err := self.server.UpdateObjectSync(ctx, &canvassync.UpdateObjectArgs{
			CanvasId: self.server.canvasId,
			ObjectId: mutation.ObjectId,
			Kind:     mutation.Kind,
			Payload:  mutation.Payload,
		})
		if err != nil {
			return err
		}
		if result.Error != nil {
			return canvassync.NewValidationError("%s", result.Error.Message)
		}
		return nil
	}
}

func (self *simTransport) ObjectSet(ctx context.Context) ([]*canvassync.CanvasObject, error) {
	return self.server.objectList(), nil
}

func (self *simTransport) IsConnected() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.connected
}

type simClient struct {
	index int

	transport        *simTransport
	connectionEvents chan canvassync.ConnectionEvent

	client *canvassync.CanvasClient

	stateLock sync.Mutex
	// ids of objects this client created and may edit
	ownObjectIds []canvassync.Id
}

func newSimClient(ctx context.Context, index int, canvasId canvassync.Id, server *simServer) *simClient {
	transport := newSimTransport(server)

	settings := canvassync.DefaultCanvasClientSettings()
	settings.DebouncerSettings.HighPriorityWindow = 10 * time.Millisecond
	settings.DebouncerSettings.NormalPriorityWindow = 20 * time.Millisecond
	settings.QueueSettings.PollTimeout = 50 * time.Millisecond
	settings.DispatchSettings.BackoffMinDelay = 10 * time.Millisecond
	settings.DispatchSettings.BackoffMaxDelay = 100 * time.Millisecond
	settings.SyncSettings.SyncInterval = 2 * time.Second

	remoteEvents := make(chan canvassync.RemoteEvent, settings.RemoteEventBufferSize)
	connectionEvents := make(chan canvassync.ConnectionEvent, settings.RemoteEventBufferSize)

	client := canvassync.NewCanvasClientWithBackends(
		ctx,
		canvasId,
		canvassync.NewId(),
		transport,
		server,
		remoteEvents,
		connectionEvents,
		settings,
	)

	// drain consumer channels so the session never backs up
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.RemoteEvents():
			case <-client.Results():
			}
		}
	}()

	return &simClient{
		index:            index,
		transport:        transport,
		connectionEvents: connectionEvents,
		client:           client,
	}
}

func (self *simClient) connect() {
	self.transport.setConnected(true)
	self.connectionEvents <- canvassync.ConnectionEvent{
		Type:      canvassync.EventConnectionRestored,
		EventTime: time.Now(),
	}
}

func (self *simClient) disconnect() {
	self.transport.setConnected(false)
	self.connectionEvents <- canvassync.ConnectionEvent{
		Type:      canvassync.EventConnectionLost,
		EventTime: time.Now(),
	}
}

func (self *simClient) randomEdit() {
	self.stateLock.Lock()
	ownCount := len(self.ownObjectIds)
	self.stateLock.Unlock()

	// create until this client owns a few objects, then mostly move them
	if ownCount < 3 || mathrand.Float64() < 0.1 {
		object, err := self.client.CreateObject("rect", map[string]any{
			"x":      mathrand.Float64() * 1000,
			"y":      mathrand.Float64() * 1000,
			"width":  10.0 + mathrand.Float64()*100,
			"height": 10.0 + mathrand.Float64()*100,
		})
		if err != nil {
			return
		}
		self.stateLock.Lock()
		self.ownObjectIds = append(self.ownObjectIds, object.ObjectId)
		self.stateLock.Unlock()
		return
	}

	self.stateLock.Lock()
	objectId := self.ownObjectIds[mathrand.Intn(ownCount)]
	self.stateLock.Unlock()

	// a client only edits its own objects, so edits never conflict by
	// construction. Conflicts are exercised by the sync tests.
	self.client.MoveObject(objectId, mathrand.Float64()*1000, mathrand.Float64()*1000)
}

func (self *simClient) close() {
	self.client.Close()
}
