package canvassync

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

// CanvasClient is one canvas session. It wires the mutation lifecycle
// together: user edits apply optimistically and immediately, deliver to the
// backend through the dispatch service and queue, and reconcile against
// server state after disconnection.
//
// every manager is constructed here and passed by reference - one instance
// per session, no process-wide state.

type CanvasClientSettings struct {
	ApiUrl       string
	TransportUrl string

	RemoteEventBufferSize int

	DebouncerSettings *DebouncerSettings
	LoadingSettings   *LoadingManagerSettings
	DispatchSettings  *DispatchServiceSettings
	QueueSettings     *QueueManagerSettings
	MonitorSettings   *ConnectionMonitorSettings
	SyncSettings      *SyncManagerSettings
	TransportSettings *CanvasTransportSettings
}

func DefaultCanvasClientSettings() *CanvasClientSettings {
	return &CanvasClientSettings{
		RemoteEventBufferSize: 64,
		DebouncerSettings:     DefaultDebouncerSettings(),
		LoadingSettings:       DefaultLoadingManagerSettings(),
		DispatchSettings:      DefaultDispatchServiceSettings(),
		QueueSettings:         DefaultQueueManagerSettings(),
		MonitorSettings:       DefaultConnectionMonitorSettings(),
		SyncSettings:          DefaultSyncManagerSettings(),
		TransportSettings:     DefaultCanvasTransportSettings(),
	}
}

type CanvasClient struct {
	ctx    context.Context
	cancel context.CancelFunc

	canvasId Id
	clientId Id

	settings *CanvasClientSettings

	validator   *ObjectValidator
	store       *ObjectStore
	optimistic  *OptimisticManager
	debouncer   *Debouncer
	loading     *LoadingManager
	dispatch    *DispatchService
	queue       *QueueManager
	monitor     *ConnectionMonitor
	cache       *OfflineCache
	syncManager *SyncManager

	transport MutationTransport
	api       PersistenceClient

	// transport -> run loop
	transportRemoteEvents     chan RemoteEvent
	transportConnectionEvents chan ConnectionEvent

	// run loop -> consumer
	remoteEvents chan RemoteEvent
	results      chan MutationResult

	stateLock sync.Mutex
	// object id -> unconfirmed locally created object
	pendingCreates map[Id]*CanvasObject
}

// connects to a live backend
func NewCanvasClient(ctx context.Context, canvasId Id, auth *ClientAuth, settings *CanvasClientSettings) (*CanvasClient, error) {
	clientId, err := auth.ClientId()
	if err != nil {
		return nil, err
	}

	cancelCtx, cancel := context.WithCancel(ctx)

	transportRemoteEvents := make(chan RemoteEvent, settings.RemoteEventBufferSize)
	transportConnectionEvents := make(chan ConnectionEvent, settings.RemoteEventBufferSize)

	api := NewCanvasApi(cancelCtx, settings.ApiUrl)
	api.SetByJwt(auth.ByJwt)

	transport := NewCanvasTransport(
		cancelCtx,
		settings.TransportUrl,
		canvasId,
		auth,
		transportRemoteEvents,
		transportConnectionEvents,
		settings.TransportSettings,
	)

	client := newCanvasClient(
		cancelCtx,
		cancel,
		canvasId,
		clientId,
		transport,
		api,
		transportRemoteEvents,
		transportConnectionEvents,
		settings,
	)
	return client, nil
}

// wires the session over caller-supplied backends. Used by tests and the
// simulator.
func NewCanvasClientWithBackends(
	ctx context.Context,
	canvasId Id,
	clientId Id,
	transport MutationTransport,
	api PersistenceClient,
	remoteEvents chan RemoteEvent,
	connectionEvents chan ConnectionEvent,
	settings *CanvasClientSettings,
) *CanvasClient {
	cancelCtx, cancel := context.WithCancel(ctx)
	return newCanvasClient(
		cancelCtx,
		cancel,
		canvasId,
		clientId,
		transport,
		api,
		remoteEvents,
		connectionEvents,
		settings,
	)
}

func newCanvasClient(
	cancelCtx context.Context,
	cancel context.CancelFunc,
	canvasId Id,
	clientId Id,
	transport MutationTransport,
	api PersistenceClient,
	transportRemoteEvents chan RemoteEvent,
	transportConnectionEvents chan ConnectionEvent,
	settings *CanvasClientSettings,
) *CanvasClient {
	store := NewObjectStore()
	optimistic := NewOptimisticManager()
	loading := NewLoadingManager(settings.LoadingSettings)
	dispatch := NewDispatchService(canvasId, transport, api, optimistic, loading, settings.DispatchSettings)
	queue := NewQueueManager(cancelCtx, dispatch, loading, settings.QueueSettings)
	monitor := NewConnectionMonitor(settings.MonitorSettings)
	cache := NewOfflineCache()
	syncManager := NewSyncManager(cancelCtx, canvasId, api, transport, store, optimistic, queue, cache, settings.SyncSettings)

	client := &CanvasClient{
		ctx:                       cancelCtx,
		cancel:                    cancel,
		canvasId:                  canvasId,
		clientId:                  clientId,
		settings:                  settings,
		validator:                 NewObjectValidator(),
		store:                     store,
		optimistic:                optimistic,
		debouncer:                 NewDebouncer(cancelCtx, settings.DebouncerSettings),
		loading:                   loading,
		dispatch:                  dispatch,
		queue:                     queue,
		monitor:                   monitor,
		cache:                     cache,
		syncManager:               syncManager,
		transport:                 transport,
		api:                       api,
		transportRemoteEvents:     transportRemoteEvents,
		transportConnectionEvents: transportConnectionEvents,
		remoteEvents:              make(chan RemoteEvent, settings.RemoteEventBufferSize),
		results:                   make(chan MutationResult, settings.RemoteEventBufferSize),
		pendingCreates:            map[Id]*CanvasObject{},
	}
	go client.run()
	return client
}

// confirmed remote changes and presence, after local filtering
func (self *CanvasClient) RemoteEvents() <-chan RemoteEvent {
	return self.remoteEvents
}

// settled local mutations, after optimistic confirm/rollback was applied
func (self *CanvasClient) Results() <-chan MutationResult {
	return self.results
}

func (self *CanvasClient) run() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case event := <-self.transportRemoteEvents:
			self.handleRemoteEvent(event)
		case event := <-self.transportConnectionEvents:
			self.handleConnectionEvent(event)
		case result, ok := <-self.queue.Results():
			if !ok {
				return
			}
			self.handleResult(result)
		}
	}
}

func (self *CanvasClient) handleRemoteEvent(event RemoteEvent) {
	switch event.Type {
	case EventObjectCreated, EventObjectUpdated:
		if self.optimistic.HasEntry(event.ObjectId) {
			// a local edit is pending. The sync diff resolves this as a
			// conflict rather than clobbering the local edit here.
			glog.V(1).Infof("[c]remote %s %s deferred to sync\n", event.Type, event.ObjectId)
			return
		}
		if event.Object != nil {
			self.store.Put(event.Object)
		}
	case EventObjectDeleted:
		if self.optimistic.HasEntry(event.ObjectId) {
			glog.V(1).Infof("[c]remote delete %s deferred to sync\n", event.ObjectId)
			return
		}
		self.store.Remove(event.ObjectId)
	case EventPresence:
		// pass through
	}

	select {
	case self.remoteEvents <- event:
	default:
		glog.V(1).Infof("[c]drop remote event %s\n", event.Type)
	}
}

func (self *CanvasClient) handleConnectionEvent(event ConnectionEvent) {
	wasConnected := self.monitor.IsConnected()
	self.monitor.HandleConnectionEvent(event)

	switch event.Type {
	case EventConnectionLost:
		if wasConnected {
			self.cache.Backup(self.canvasId, self.DisplayObjects())
		}
		self.queue.SetConnectionStatus(false)
	case EventConnectionRestored:
		self.queue.SetConnectionStatus(true)
		go func() {
			if err := self.syncManager.Reconcile(self.ctx); err != nil {
				glog.Infof("[c]reconcile error = %s\n", err)
			}
		}()
	}
}

func (self *CanvasClient) handleResult(result MutationResult) {
	mutation := result.Mutation

	if result.Result.Success {
		confirmed := result.Result.Object

		switch mutation.Kind {
		case MutationDelete:
			self.optimistic.Confirm(mutation.ObjectId, nil)
			self.store.Remove(mutation.ObjectId)
		case MutationCreate:
			self.stateLock.Lock()
			pending := self.pendingCreates[mutation.ObjectId]
			delete(self.pendingCreates, mutation.ObjectId)
			self.stateLock.Unlock()

			object := confirmed
			if object == nil && pending != nil {
				object = pending
			}
			if object != nil {
				self.store.Put(object)
				self.optimistic.Confirm(mutation.ObjectId, object.Properties)
			}
		default:
			if confirmed != nil {
				self.store.Put(confirmed)
				self.optimistic.Confirm(mutation.ObjectId, confirmed.Properties)
			} else {
				// ack-only confirmation from the transport. The display
				// snapshot is presumed server truth until the next refresh.
				if entry, ok := self.optimistic.Entry(mutation.ObjectId); ok {
					display := entry.DisplaySnapshot()
					self.optimistic.Confirm(mutation.ObjectId, display)
					if object, ok := self.store.Get(mutation.ObjectId); ok {
						object.Properties = display
						self.store.Put(object)
					}
				}
			}
		}
	} else {
		// terminal failure: restore the pre-divergence snapshot
		if _, ok := self.optimistic.Rollback(mutation.ObjectId); ok {
			glog.Infof("[c]rolled back %s after %s failure\n", mutation.ObjectId, mutation.Kind)
		}
		if mutation.Kind == MutationCreate {
			self.stateLock.Lock()
			delete(self.pendingCreates, mutation.ObjectId)
			self.stateLock.Unlock()
		}
	}

	select {
	case self.results <- result:
	default:
		glog.V(1).Infof("[c]drop result %s %s\n", mutation.ObjectId, mutation.Kind)
	}
}

// creates an object locally and queues the create mutation.
// the returned object is the optimistic snapshot, visible immediately.
func (self *CanvasClient) CreateObject(objectType string, properties map[string]any) (*CanvasObject, error) {
	sanitized, err := self.validator.ValidateAndSanitize(objectType, properties)
	if err != nil {
		return nil, err
	}

	objectId := NewId()
	display := self.optimistic.Start(objectId, map[string]any{}, sanitized)

	object := &CanvasObject{
		ObjectId:    objectId,
		ObjectType:  objectType,
		Properties:  display,
		OwnerId:     self.clientId,
		UpdatedTime: time.Now(),
	}

	self.stateLock.Lock()
	self.pendingCreates[objectId] = object.Copy()
	self.stateLock.Unlock()

	mutation := NewPendingMutation(objectId, MutationCreate, sanitized)
	mutation.ObjectType = objectType
	self.submit(mutation)
	return object, nil
}

// applies a position edit optimistically and schedules a coalesced dispatch
func (self *CanvasClient) MoveObject(objectId Id, x float64, y float64) (map[string]any, error) {
	return self.edit(objectId, MutationPosition, map[string]any{
		"x": x,
		"y": y,
	})
}

func (self *CanvasClient) ResizeObject(objectId Id, width float64, height float64) (map[string]any, error) {
	return self.edit(objectId, MutationResize, map[string]any{
		"width":  width,
		"height": height,
	})
}

func (self *CanvasClient) UpdateProperties(objectId Id, properties map[string]any) (map[string]any, error) {
	return self.edit(objectId, MutationProperties, properties)
}

func (self *CanvasClient) edit(objectId Id, kind MutationKind, payload map[string]any) (map[string]any, error) {
	object, objectType, err := self.displayObject(objectId)
	if err != nil {
		return nil, err
	}

	sanitized, err := self.validator.ValidateAndSanitize(objectType, patchSnapshot(object, payload))
	if err != nil {
		return nil, err
	}
	patch := map[string]any{}
	for key := range payload {
		patch[key] = sanitized[key]
	}

	display := self.optimistic.Start(objectId, object, patch)

	priority := DefaultPriority(kind)
	self.debouncer.Schedule(DebounceKey{ObjectId: objectId, Kind: kind}, priority, func() {
		// latest call for the key wins. The mutation carries the accumulated
		// pending patch, so fields from calls the window coalesced away still
		// reach the backend instead of vanishing on confirm.
		payload := patch
		if entry, ok := self.optimistic.Entry(objectId); ok {
			payload = entry.ProposedPatch
		}
		mutation := NewPendingMutation(objectId, kind, payload)
		mutation.ObjectType = objectType
		self.submit(mutation)
	})
	return display, nil
}

// removes the object locally now and queues the delete
func (self *CanvasClient) DeleteObject(objectId Id) error {
	if _, _, err := self.displayObject(objectId); err != nil {
		return err
	}

	// discard pending coalesced edits for the object
	for _, kind := range []MutationKind{MutationPosition, MutationResize, MutationProperties} {
		self.debouncer.Cancel(DebounceKey{ObjectId: objectId, Kind: kind})
	}
	// queued and offline-cached mutations for the object are now superseded
	cancelled := self.queue.CancelByObject(objectId)
	cancelled = append(cancelled, self.cache.RemoveMutations(objectId)...)

	self.optimistic.Confirm(objectId, nil)
	self.store.Remove(objectId)

	self.stateLock.Lock()
	delete(self.pendingCreates, objectId)
	self.stateLock.Unlock()

	for _, mutation := range cancelled {
		if mutation.Kind == MutationCreate {
			// the create never left the client. Nothing to delete remotely.
			return nil
		}
	}

	self.submit(NewPendingMutation(objectId, MutationDelete, nil))
	return nil
}

func (self *CanvasClient) submit(mutation *PendingMutation) {
	if !self.monitor.IsConnected() && self.cache.HasBackup() {
		// offline. Cache for replay in creation order on reconnect.
		self.cache.CacheMutation(mutation)
		return
	}
	self.queue.Enqueue(mutation)
}

func (self *CanvasClient) displayObject(objectId Id) (map[string]any, string, error) {
	if object, ok := self.store.Get(objectId); ok {
		return self.optimistic.DisplaySnapshot(objectId, object.Properties), object.ObjectType, nil
	}

	self.stateLock.Lock()
	pending, ok := self.pendingCreates[objectId]
	self.stateLock.Unlock()
	if ok {
		return self.optimistic.DisplaySnapshot(objectId, pending.Properties), pending.ObjectType, nil
	}
	return nil, "", NewValidationError("unknown object: %s", objectId)
}

// the full render set: confirmed objects plus unconfirmed creations, with
// optimistic overrides applied
func (self *CanvasClient) DisplayObjects() []*CanvasObject {
	objects := self.store.All()
	for i, object := range objects {
		objects[i].Properties = self.optimistic.DisplaySnapshot(object.ObjectId, object.Properties)
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, pending := range self.pendingCreates {
		object := pending.Copy()
		object.Properties = self.optimistic.DisplaySnapshot(object.ObjectId, object.Properties)
		objects = append(objects, object)
	}
	return objects
}

func (self *CanvasClient) GetObject(objectId Id) (*CanvasObject, bool) {
	if object, ok := self.store.Get(objectId); ok {
		object.Properties = self.optimistic.DisplaySnapshot(objectId, object.Properties)
		return object, true
	}
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if pending, ok := self.pendingCreates[objectId]; ok {
		object := pending.Copy()
		object.Properties = self.optimistic.DisplaySnapshot(objectId, object.Properties)
		return object, true
	}
	return nil, false
}

// manual sync trigger
func (self *CanvasClient) Sync(ctx context.Context) (*SyncResult, error) {
	return self.syncManager.Sync(ctx)
}

func (self *CanvasClient) ConnectionStatus() ConnectionStatus {
	return self.monitor.Status()
}

func (self *CanvasClient) QueueStats() QueueStats {
	return self.queue.Stats()
}

func (self *CanvasClient) SyncStats() SyncStats {
	return self.syncManager.Stats()
}

func (self *CanvasClient) LoadingStates() []*LoadingState {
	return self.loading.LoadingStates()
}

// conflicts awaiting a user decision
func (self *CanvasClient) Conflicts() []*ConflictRecord {
	return self.syncManager.Conflicts()
}

func (self *CanvasClient) ResolveConflict(objectId Id, strategy ResolutionStrategy) (*ConflictRecord, error) {
	return self.syncManager.Resolve(objectId, strategy)
}

func (self *CanvasClient) FailedMutations() []*PendingMutation {
	return self.queue.FailedMutations()
}

func (self *CanvasClient) RetryFailed(mutationId Id) bool {
	return self.queue.RetryFailed(mutationId)
}

func (self *CanvasClient) DiscardFailed(mutationId Id) bool {
	return self.queue.DiscardFailed(mutationId)
}

func (self *CanvasClient) Close() {
	self.cancel()
	self.debouncer.Close()
	self.syncManager.Close()
	self.queue.Close()
	self.loading.Close()
}
