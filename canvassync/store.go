package canvassync

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// ObjectStore holds the last confirmed local copy of the canvas object set.
// optimistic overrides live in the OptimisticManager and are layered on top
// by the session when rendering.
type ObjectStore struct {
	stateLock sync.Mutex
	// object id -> last confirmed object
	objects map[Id]*CanvasObject
}

func NewObjectStore() *ObjectStore {
	return &ObjectStore{
		objects: map[Id]*CanvasObject{},
	}
}

func (self *ObjectStore) Put(object *CanvasObject) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.objects[object.ObjectId] = object.Copy()
}

func (self *ObjectStore) Get(objectId Id) (*CanvasObject, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	object, ok := self.objects[objectId]
	if !ok {
		return nil, false
	}
	return object.Copy(), true
}

func (self *ObjectStore) Remove(objectId Id) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.objects[objectId]; !ok {
		return false
	}
	delete(self.objects, objectId)
	return true
}

func (self *ObjectStore) All() []*CanvasObject {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	objects := make([]*CanvasObject, 0, len(self.objects))
	for _, object := range self.objects {
		objects = append(objects, object.Copy())
	}
	return objects
}

func (self *ObjectStore) Count() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.objects)
}

// replaces the entire set with the authoritative server set
func (self *ObjectStore) Replace(objects []*CanvasObject) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.objects = map[Id]*CanvasObject{}
	for _, object := range objects {
		self.objects[object.ObjectId] = object.Copy()
	}
}

// Digest is an order-independent fingerprint of the object set, used to
// validate consistency between the local set and the transport's set.
func (self *ObjectStore) Digest() uint64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return objectSetDigest(self.objects)
}

func ObjectListDigest(objects []*CanvasObject) uint64 {
	objectMap := map[Id]*CanvasObject{}
	for _, object := range objects {
		objectMap[object.ObjectId] = object
	}
	return objectSetDigest(objectMap)
}

func objectSetDigest(objects map[Id]*CanvasObject) uint64 {
	ids := make([]Id, 0, len(objects))
	for objectId := range objects {
		ids = append(ids, objectId)
	}
	sort.Slice(ids, func(i int, j int) bool {
		return ids[i].String() < ids[j].String()
	})

	digest := xxhash.New()
	for _, objectId := range ids {
		object := objects[objectId]
		digest.WriteString(objectId.String())
		digest.WriteString(fmt.Sprintf(":%d;", object.Version))
	}
	return digest.Sum64()
}
