package canvassync

import (
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

// OptimisticManager stores per-object speculative state so local edits render
// immediately while the backend confirms them. It never talks to the network.
// `Confirm` is the only path that settles local state.
type OptimisticManager struct {
	stateLock sync.Mutex
	// object id -> entry
	entries map[Id]*OptimisticEntry
}

func NewOptimisticManager() *OptimisticManager {
	return &OptimisticManager{
		entries: map[Id]*OptimisticEntry{},
	}
}

// records or updates the entry for the object and returns the merged display
// snapshot immediately. A second local edit before confirmation folds into the
// proposed patch but keeps the original snapshot from the first unconfirmed
// edit, so rollback always restores the true pre-divergence state.
func (self *OptimisticManager) Start(objectId Id, baseSnapshot map[string]any, proposedPatch map[string]any) map[string]any {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entry, ok := self.entries[objectId]
	if !ok {
		entry = &OptimisticEntry{
			ObjectId:         objectId,
			OriginalSnapshot: copySnapshot(baseSnapshot),
			CreateTime:       time.Now(),
		}
		self.entries[objectId] = entry
	}
	entry.ProposedPatch = patchSnapshot(entry.ProposedPatch, proposedPatch)

	glog.V(2).Infof("[opt]start %s\n", objectId)
	return entry.DisplaySnapshot()
}

// clears the entry and adopts server truth
func (self *OptimisticManager) Confirm(objectId Id, serverSnapshot map[string]any) map[string]any {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.entries[objectId]; ok {
		delete(self.entries, objectId)
		glog.V(2).Infof("[opt]confirm %s\n", objectId)
	}
	return copySnapshot(serverSnapshot)
}

// returns and clears the entry. The caller re-applies the original snapshot
// locally.
func (self *OptimisticManager) Rollback(objectId Id) (map[string]any, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entry, ok := self.entries[objectId]
	if !ok {
		return nil, false
	}
	delete(self.entries, objectId)
	glog.V(1).Infof("[opt]rollback %s\n", objectId)
	return copySnapshot(entry.OriginalSnapshot), true
}

// the snapshot to render for the object. With a pending entry this is always
// the original patched with the most recent proposed patch, otherwise
// `fallback`.
func (self *OptimisticManager) DisplaySnapshot(objectId Id, fallback map[string]any) map[string]any {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if entry, ok := self.entries[objectId]; ok {
		return entry.DisplaySnapshot()
	}
	return copySnapshot(fallback)
}

func (self *OptimisticManager) Entry(objectId Id) (*OptimisticEntry, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entry, ok := self.entries[objectId]
	if !ok {
		return nil, false
	}
	entryCopy := *entry
	entryCopy.OriginalSnapshot = copySnapshot(entry.OriginalSnapshot)
	entryCopy.ProposedPatch = copySnapshot(entry.ProposedPatch)
	return &entryCopy, true
}

func (self *OptimisticManager) HasEntry(objectId Id) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	_, ok := self.entries[objectId]
	return ok
}

func (self *OptimisticManager) PendingObjectIds() []Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return maps.Keys(self.entries)
}

func (self *OptimisticManager) PendingCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.entries)
}
