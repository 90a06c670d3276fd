package canvassync

import (
	"slices"
	"sync"
	"time"

	"github.com/golang/glog"
)

// ConnectionMonitor folds transport lifecycle events into a connection status
// stream. OfflineCache holds the pre-disconnect backup and the mutations
// generated while offline, replayed in creation order on reconnect.

type ConnectionStatus string

const (
	StatusConnected    ConnectionStatus = "connected"
	StatusReconnecting ConnectionStatus = "reconnecting"
	StatusDisconnected ConnectionStatus = "disconnected"
)

type ConnectionMonitorSettings struct {
	StatusBufferSize int
}

func DefaultConnectionMonitorSettings() *ConnectionMonitorSettings {
	return &ConnectionMonitorSettings{
		StatusBufferSize: 8,
	}
}

type ConnectionMonitor struct {
	settings *ConnectionMonitorSettings

	stateLock  sync.Mutex
	status     ConnectionStatus
	lastEvent  *ConnectionEvent
	lastChange time.Time
	listeners  []chan ConnectionStatus
}

func NewConnectionMonitorWithDefaults() *ConnectionMonitor {
	return NewConnectionMonitor(DefaultConnectionMonitorSettings())
}

func NewConnectionMonitor(settings *ConnectionMonitorSettings) *ConnectionMonitor {
	return &ConnectionMonitor{
		settings: settings,
		status:   StatusDisconnected,
	}
}

// folds one transport event into the status
func (self *ConnectionMonitor) HandleConnectionEvent(event ConnectionEvent) {
	var status ConnectionStatus
	switch event.Type {
	case EventConnectionRestored:
		status = StatusConnected
	case EventReconnectionAttempt:
		status = StatusReconnecting
	case EventConnectionLost, EventReconnectionFailed, EventReconnectionExhausted:
		status = StatusDisconnected
	default:
		return
	}

	self.stateLock.Lock()
	self.lastEvent = &event
	changed := self.status != status
	if changed {
		self.status = status
		self.lastChange = time.Now()
	}
	listeners := slices.Clone(self.listeners)
	self.stateLock.Unlock()

	if !changed {
		return
	}

	glog.V(1).Infof("[mon]%s\n", status)
	for _, listener := range listeners {
		select {
		case listener <- status:
		default:
			// slow listener, drop. Status is level-triggered via Status().
		}
	}
}

func (self *ConnectionMonitor) Status() ConnectionStatus {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.status
}

func (self *ConnectionMonitor) IsConnected() bool {
	return self.Status() == StatusConnected
}

func (self *ConnectionMonitor) AddStatusListener() chan ConnectionStatus {
	listener := make(chan ConnectionStatus, self.settings.StatusBufferSize)

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.listeners = append(self.listeners, listener)
	return listener
}

func (self *ConnectionMonitor) RemoveStatusListener(listener chan ConnectionStatus) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	i := slices.Index(self.listeners, listener)
	if 0 <= i {
		self.listeners = slices.Delete(slices.Clone(self.listeners), i, i+1)
	}
}

type OfflineCache struct {
	stateLock sync.Mutex

	canvasId   Id
	backup     map[Id]*CanvasObject
	backupTime time.Time
	// offline mutations in creation order
	mutations []*PendingMutation
}

func NewOfflineCache() *OfflineCache {
	return &OfflineCache{}
}

// snapshots the current object state before connectivity is lost
func (self *OfflineCache) Backup(canvasId Id, objects []*CanvasObject) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.canvasId = canvasId
	self.backup = map[Id]*CanvasObject{}
	for _, object := range objects {
		self.backup[object.ObjectId] = object.Copy()
	}
	self.backupTime = time.Now()
	glog.V(1).Infof("[cache]backup %s n=%d\n", canvasId, len(objects))
}

func (self *OfflineCache) RestoreBackup() ([]*CanvasObject, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.backup == nil {
		return nil, false
	}
	objects := []*CanvasObject{}
	for _, object := range self.backup {
		objects = append(objects, object.Copy())
	}
	return objects, true
}

// records a mutation generated while offline
func (self *OfflineCache) CacheMutation(mutation *PendingMutation) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.mutations = append(self.mutations, mutation)
	glog.V(1).Infof("[cache]mutation %s %s n=%d\n", mutation.ObjectId, mutation.Kind, len(self.mutations))
}

// removes cached mutations targeting the object, e.g. when the object was
// deleted locally before reconnect
func (self *OfflineCache) RemoveMutations(objectId Id) []*PendingMutation {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	kept := []*PendingMutation{}
	removed := []*PendingMutation{}
	for _, mutation := range self.mutations {
		if mutation.ObjectId == objectId {
			removed = append(removed, mutation)
		} else {
			kept = append(kept, mutation)
		}
	}
	self.mutations = kept
	return removed
}

// removes and returns the cached mutations in original creation order
func (self *OfflineCache) DrainMutations() []*PendingMutation {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	mutations := self.mutations
	self.mutations = nil
	return mutations
}

func (self *OfflineCache) MutationCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.mutations)
}

func (self *OfflineCache) HasBackup() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.backup != nil
}

// cleared after a successful reconcile
func (self *OfflineCache) Clear() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.backup = nil
	self.mutations = nil
}
