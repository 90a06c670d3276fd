package canvassync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
	"golang.org/x/sync/errgroup"
)

// SyncManager reconciles local state against the server-held canonical state,
// periodically and after reconnection.
//
// states: Idle -> Syncing -> {Clean, ConflictsPending} -> Idle
//
// a divergent object with no local optimistic entry is normal propagation of
// remote edits and adopts the server snapshot directly. A divergent object
// with a pending optimistic entry is a conflict and goes through the
// resolution strategy.

type SyncState string

const (
	SyncStateIdle             SyncState = "idle"
	SyncStateSyncing          SyncState = "syncing"
	SyncStateClean            SyncState = "clean"
	SyncStateConflictsPending SyncState = "conflicts_pending"
)

var ErrSyncInProgress = errors.New("sync already in progress")

// caller-supplied field-level combination of the two divergent snapshots
type MergeFunction func(objectId Id, localSnapshot map[string]any, serverSnapshot map[string]any) map[string]any

type SyncManagerSettings struct {
	SyncInterval   time.Duration
	RefreshTimeout time.Duration
	// applied to each conflict during sync
	Strategy ResolutionStrategy
	// required for ResolutionMerge. A nil merge leaves conflicts unresolved.
	Merge MergeFunction
}

func DefaultSyncManagerSettings() *SyncManagerSettings {
	return &SyncManagerSettings{
		SyncInterval:   30 * time.Second,
		RefreshTimeout: 10 * time.Second,
		Strategy:       ResolutionServerWins,
	}
}

type SyncResult struct {
	// server snapshots adopted without conflict
	Adopted   int
	Conflicts []*ConflictRecord
	// conflicts that need a user decision
	Unresolved int
}

type SyncManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	canvasId Id

	api       PersistenceClient
	transport MutationTransport

	store      *ObjectStore
	optimistic *OptimisticManager
	queue      *QueueManager
	cache      *OfflineCache

	settings *SyncManagerSettings

	stateLock    sync.Mutex
	state        SyncState
	lastSyncTime time.Time
	// object id -> unresolved conflict
	conflicts map[Id]*ConflictRecord

	syncCount       uint64
	conflictCount   uint64
	adoptedCount    uint64
	forcedRefreshes uint64
	reconcileCount  uint64
	lastConsistent  bool
}

func NewSyncManagerWithDefaults(
	ctx context.Context,
	canvasId Id,
	api PersistenceClient,
	transport MutationTransport,
	store *ObjectStore,
	optimistic *OptimisticManager,
	queue *QueueManager,
	cache *OfflineCache,
) *SyncManager {
	return NewSyncManager(ctx, canvasId, api, transport, store, optimistic, queue, cache, DefaultSyncManagerSettings())
}

func NewSyncManager(
	ctx context.Context,
	canvasId Id,
	api PersistenceClient,
	transport MutationTransport,
	store *ObjectStore,
	optimistic *OptimisticManager,
	queue *QueueManager,
	cache *OfflineCache,
	settings *SyncManagerSettings,
) *SyncManager {
	cancelCtx, cancel := context.WithCancel(ctx)
	syncManager := &SyncManager{
		ctx:            cancelCtx,
		cancel:         cancel,
		canvasId:       canvasId,
		api:            api,
		transport:      transport,
		store:          store,
		optimistic:     optimistic,
		queue:          queue,
		cache:          cache,
		settings:       settings,
		state:          SyncStateIdle,
		conflicts:      map[Id]*ConflictRecord{},
		lastConsistent: true,
	}
	go syncManager.run()
	return syncManager
}

// periodic trigger
func (self *SyncManager) run() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.SyncInterval):
		}

		if _, err := self.Sync(self.ctx); err != nil && err != ErrSyncInProgress {
			glog.Infof("[sync]periodic error = %s\n", err)
		}
	}
}

// requests the authoritative object set and diffs it against local state
// object-by-object
func (self *SyncManager) Sync(ctx context.Context) (*SyncResult, error) {
	if !self.enterSyncing() {
		return nil, ErrSyncInProgress
	}

	refreshCtx, refreshCancel := context.WithTimeout(ctx, self.settings.RefreshTimeout)
	serverResult, err := self.api.GetCanvasObjectsSync(refreshCtx, self.canvasId)
	refreshCancel()
	if err != nil {
		self.exitSyncing(0)
		return nil, err
	}

	result := self.diff(serverResult.Objects)

	self.exitSyncing(result.Unresolved)
	return result, nil
}

func (self *SyncManager) enterSyncing() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.state == SyncStateSyncing {
		return false
	}
	self.state = SyncStateSyncing
	return true
}

func (self *SyncManager) exitSyncing(unresolved int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.syncCount += 1
	self.lastSyncTime = time.Now()
	if unresolved == 0 && len(self.conflicts) == 0 {
		// Clean, then back to Idle
		self.state = SyncStateIdle
	} else {
		self.state = SyncStateConflictsPending
	}
}

func (self *SyncManager) diff(serverObjects []*CanvasObject) *SyncResult {
	result := &SyncResult{}

	serverSet := map[Id]*CanvasObject{}
	for _, serverObject := range serverObjects {
		serverSet[serverObject.ObjectId] = serverObject
	}

	for _, serverObject := range serverObjects {
		localObject, ok := self.store.Get(serverObject.ObjectId)
		if ok && localObject.Version == serverObject.Version {
			continue
		}

		entry, hasEntry := self.optimistic.Entry(serverObject.ObjectId)
		if !hasEntry {
			// normal propagation of a remote edit
			self.store.Put(serverObject)
			result.Adopted += 1
			continue
		}

		if snapshotsEqual(entry.DisplaySnapshot(), serverObject.Properties) {
			// the local edit and the remote edit agree. Not a conflict.
			self.store.Put(serverObject)
			self.optimistic.Confirm(serverObject.ObjectId, serverObject.Properties)
			result.Adopted += 1
			continue
		}

		record := self.resolveConflict(serverObject.ObjectId, serverObject, self.settings.Strategy)
		result.Conflicts = append(result.Conflicts, record)
		if record.Resolution == ResolutionSkip {
			result.Unresolved += 1
		}
	}

	// local objects the server no longer has
	for _, localObject := range self.store.All() {
		if _, ok := serverSet[localObject.ObjectId]; ok {
			continue
		}

		if !self.optimistic.HasEntry(localObject.ObjectId) {
			// removed by another collaborator
			self.store.Remove(localObject.ObjectId)
			result.Adopted += 1
			continue
		}

		// simultaneous delete and edit. Routed through the same strategy,
		// with a nil server snapshot.
		record := self.resolveConflict(localObject.ObjectId, nil, self.settings.Strategy)
		result.Conflicts = append(result.Conflicts, record)
		if record.Resolution == ResolutionSkip {
			result.Unresolved += 1
		}
	}

	self.stateLock.Lock()
	self.conflictCount += uint64(len(result.Conflicts))
	self.adoptedCount += uint64(result.Adopted)
	self.stateLock.Unlock()

	if 0 < len(result.Conflicts) {
		glog.Infof("[sync]%s conflicts=%d unresolved=%d adopted=%d\n", self.canvasId, len(result.Conflicts), result.Unresolved, result.Adopted)
	} else {
		glog.V(1).Infof("[sync]%s adopted=%d\n", self.canvasId, result.Adopted)
	}
	return result
}

// applies one strategy to one divergent object with a pending optimistic
// entry. A nil serverObject means the server deleted the object.
func (self *SyncManager) resolveConflict(objectId Id, serverObject *CanvasObject, strategy ResolutionStrategy) *ConflictRecord {
	entry, _ := self.optimistic.Entry(objectId)

	record := &ConflictRecord{
		ObjectId:     objectId,
		ServerObject: serverObject,
		DetectTime:   time.Now(),
	}
	if entry != nil {
		record.LocalSnapshot = entry.DisplaySnapshot()
	}
	if serverObject != nil {
		record.ServerSnapshot = copySnapshot(serverObject.Properties)
	}

	switch strategy {
	case ResolutionServerWins:
		record.Resolution = ResolutionServerWins
		if serverObject != nil {
			self.store.Put(serverObject)
			record.ResolvedSnapshot = self.optimistic.Confirm(objectId, serverObject.Properties)
		} else {
			self.store.Remove(objectId)
			self.optimistic.Confirm(objectId, nil)
		}
	case ResolutionClientWins:
		record.Resolution = ResolutionClientWins
		record.ResolvedSnapshot = record.LocalSnapshot
		if serverObject != nil {
			// adopt the server version as the new base, then re-dispatch the
			// local edit on top of it
			self.store.Put(serverObject)
			if entry != nil {
				self.queue.Enqueue(NewPendingMutation(objectId, MutationProperties, entry.ProposedPatch))
			}
		} else if entry != nil {
			// recreate the deleted object from local state
			localObject, ok := self.store.Get(objectId)
			mutation := NewPendingMutation(objectId, MutationCreate, record.LocalSnapshot)
			if ok {
				mutation.ObjectType = localObject.ObjectType
			}
			self.queue.Enqueue(mutation)
		}
	case ResolutionMerge:
		if self.settings.Merge == nil || serverObject == nil {
			// merge requires user input here
			record.Resolution = ResolutionSkip
			self.rememberConflict(record)
			break
		}
		record.Resolution = ResolutionMerge
		merged := self.settings.Merge(objectId, record.LocalSnapshot, record.ServerSnapshot)
		record.ResolvedSnapshot = merged
		mergedObject := serverObject.Copy()
		mergedObject.Properties = copySnapshot(merged)
		self.store.Put(mergedObject)
		self.optimistic.Confirm(objectId, merged)
		// converge the server to the merged state
		self.queue.Enqueue(NewPendingMutation(objectId, MutationProperties, merged))
	default:
		record.Resolution = ResolutionSkip
		self.rememberConflict(record)
	}

	return record
}

func (self *SyncManager) rememberConflict(record *ConflictRecord) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.conflicts[record.ObjectId] = record
}

// conflicts awaiting a user decision
func (self *SyncManager) Conflicts() []*ConflictRecord {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return maps.Values(self.conflicts)
}

// applies a user-chosen strategy to one pending conflict
func (self *SyncManager) Resolve(objectId Id, strategy ResolutionStrategy) (*ConflictRecord, error) {
	self.stateLock.Lock()
	record, ok := self.conflicts[objectId]
	if !ok {
		self.stateLock.Unlock()
		return nil, errors.New("no pending conflict for object")
	}
	delete(self.conflicts, objectId)
	remaining := len(self.conflicts)
	self.stateLock.Unlock()

	resolved := self.resolveConflict(objectId, record.ServerObject, strategy)
	if resolved.Resolution == ResolutionSkip {
		return resolved, errors.New("strategy did not resolve the conflict")
	}

	if remaining == 0 {
		self.stateLock.Lock()
		if self.state == SyncStateConflictsPending && len(self.conflicts) == 0 {
			self.state = SyncStateIdle
		}
		self.stateLock.Unlock()
	}
	return resolved, nil
}

// the full reconnection sequence. Each step is best-effort and logged on
// failure:
// restore backup -> replay offline mutations in creation order -> full
// refresh and diff -> flush the queue -> validate against the transport's
// object set, forcing a second refresh on mismatch -> clear backup and cache.
func (self *SyncManager) Reconcile(ctx context.Context) error {
	self.stateLock.Lock()
	self.reconcileCount += 1
	self.stateLock.Unlock()

	glog.V(1).Infof("[sync]reconcile %s\n", self.canvasId)

	if backup, ok := self.cache.RestoreBackup(); ok {
		self.store.Replace(backup)
	}

	// the cached mutations replay strictly in original creation order. A
	// uniform priority leaves arrival order as the queue's only sort key, so
	// a later delete cannot overtake an earlier edit to the same object.
	for _, mutation := range self.cache.DrainMutations() {
		mutation.Priority = PriorityHigh
		self.queue.Enqueue(mutation)
	}

	var firstErr error
	if _, err := self.Sync(ctx); err != nil {
		glog.Infof("[sync]reconcile refresh error = %s\n", err)
		firstErr = err
	}

	if err := self.queue.Flush(ctx); err != nil {
		glog.Infof("[sync]reconcile flush error = %s\n", err)
		if firstErr == nil {
			firstErr = err
		}
	}

	if err := self.validateConsistency(ctx); err != nil {
		var consistencyErr *ConsistencyError
		if errors.As(err, &consistencyErr) {
			glog.Infof("[sync]reconcile inconsistent, forcing refresh = %s\n", err)
			self.forceRefresh(ctx)
		} else {
			glog.Infof("[sync]reconcile validate error = %s\n", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	self.cache.Clear()
	return firstErr
}

// compares the local object set against the transport's own object set.
// count or digest mismatch is a consistency error, not a mutation failure.
func (self *SyncManager) validateConsistency(ctx context.Context) error {
	validateCtx, validateCancel := context.WithTimeout(ctx, self.settings.RefreshTimeout)
	defer validateCancel()

	var transportObjects []*CanvasObject
	var apiObjects []*CanvasObject

	g, gCtx := errgroup.WithContext(validateCtx)
	g.Go(func() error {
		objects, err := self.transport.ObjectSet(gCtx)
		if err != nil {
			return err
		}
		transportObjects = objects
		return nil
	})
	g.Go(func() error {
		result, err := self.api.GetCanvasObjectsSync(gCtx, self.canvasId)
		if err != nil {
			return err
		}
		apiObjects = result.Objects
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	localCount := self.store.Count()
	localDigest := self.store.Digest()
	transportDigest := ObjectListDigest(transportObjects)
	apiDigest := ObjectListDigest(apiObjects)

	// objects with pending optimistic entries may legitimately differ
	pending := self.optimistic.PendingCount()

	// the two remote views must agree with each other and with local state
	consistent := localCount == len(transportObjects) &&
		localDigest == transportDigest &&
		transportDigest == apiDigest
	if !consistent && pending == 0 {
		self.setConsistent(false)
		return &ConsistencyError{
			LocalCount:   localCount,
			RemoteCount:  len(transportObjects),
			LocalDigest:  localDigest,
			RemoteDigest: transportDigest,
		}
	}
	self.setConsistent(true)
	return nil
}

func (self *SyncManager) setConsistent(consistent bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.lastConsistent = consistent
}

func (self *SyncManager) forceRefresh(ctx context.Context) {
	self.stateLock.Lock()
	self.forcedRefreshes += 1
	self.stateLock.Unlock()

	refreshCtx, refreshCancel := context.WithTimeout(ctx, self.settings.RefreshTimeout)
	defer refreshCancel()

	result, err := self.api.GetCanvasObjectsSync(refreshCtx, self.canvasId)
	if err != nil {
		glog.Infof("[sync]forced refresh error = %s\n", err)
		return
	}
	self.diff(result.Objects)
}

func (self *SyncManager) State() SyncState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.state
}

func (self *SyncManager) Stats() SyncStats {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return SyncStats{
		State:             self.state,
		LastSyncTime:      self.lastSyncTime,
		SyncCount:         self.syncCount,
		ConflictCount:     self.conflictCount,
		UnresolvedCount:   len(self.conflicts),
		LastConsistent:    self.lastConsistent,
		ForcedRefreshes:   self.forcedRefreshes,
		ReconcileCount:    self.reconcileCount,
		AdoptedFromServer: self.adoptedCount,
	}
}

func (self *SyncManager) Close() {
	self.cancel()
}
