package canvassync

import (
	"context"
	"time"

	"github.com/golang/glog"

	"github.com/jellydator/ttlcache/v3"
)

// LoadingManager tracks mutation-in-progress state per object and enforces
// the single-flight invariant: at most one active mutation per object id.
// entries expire after `LoadingTimeout` so a crashed dispatch can never hold
// an object busy forever.

type LoadingOutcome string

const (
	OutcomeSucceeded LoadingOutcome = "succeeded"
	OutcomeFailed    LoadingOutcome = "failed"
	OutcomeCanceled  LoadingOutcome = "canceled"
)

type LoadingState struct {
	ObjectId  Id
	Kind      MutationKind
	StartTime time.Time
}

type LoadingManagerSettings struct {
	// upper bound on how long one mutation may hold the object busy
	LoadingTimeout time.Duration
}

func DefaultLoadingManagerSettings() *LoadingManagerSettings {
	return &LoadingManagerSettings{
		LoadingTimeout: 30 * time.Second,
	}
}

type LoadingManager struct {
	settings *LoadingManagerSettings

	cache *ttlcache.Cache[Id, *LoadingState]
}

func NewLoadingManagerWithDefaults() *LoadingManager {
	return NewLoadingManager(DefaultLoadingManagerSettings())
}

func NewLoadingManager(settings *LoadingManagerSettings) *LoadingManager {
	cache := ttlcache.New[Id, *LoadingState](
		ttlcache.WithTTL[Id, *LoadingState](settings.LoadingTimeout),
		ttlcache.WithDisableTouchOnHit[Id, *LoadingState](),
	)
	cache.OnEviction(func(ctx context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[Id, *LoadingState]) {
		if reason == ttlcache.EvictionReasonExpired {
			glog.Infof("[load]expired %s %s\n", item.Key(), item.Value().Kind)
		}
	})
	go cache.Start()

	return &LoadingManager{
		settings: settings,
		cache:    cache,
	}
}

// returns false if an active mutation already targets the object.
// callers must not start a second overlapping mutation.
func (self *LoadingManager) StartLoading(objectId Id, kind MutationKind) bool {
	if self.cache.Has(objectId) {
		return false
	}
	self.cache.Set(objectId, &LoadingState{
		ObjectId:  objectId,
		Kind:      kind,
		StartTime: time.Now(),
	}, ttlcache.DefaultTTL)
	glog.V(2).Infof("[load]start %s %s\n", objectId, kind)
	return true
}

func (self *LoadingManager) StopLoading(objectId Id, outcome LoadingOutcome) {
	if self.cache.Has(objectId) {
		self.cache.Delete(objectId)
		glog.V(2).Infof("[load]stop %s %s\n", objectId, outcome)
	}
}

func (self *LoadingManager) IsLoading(objectId Id) bool {
	return self.cache.Has(objectId)
}

func (self *LoadingManager) LoadingState(objectId Id) (*LoadingState, bool) {
	item := self.cache.Get(objectId)
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

func (self *LoadingManager) LoadingCount() int {
	return self.cache.Len()
}

func (self *LoadingManager) LoadingStates() []*LoadingState {
	states := []*LoadingState{}
	for _, item := range self.cache.Items() {
		states = append(states, item.Value())
	}
	return states
}

func (self *LoadingManager) Close() {
	self.cache.Stop()
}
