package canvassync

import (
	mathrand "math/rand"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestObjectStoreBasics(t *testing.T) {
	store := NewObjectStore()
	assert.Equal(t, 0, store.Count())

	objectId := NewId()
	object := &CanvasObject{
		ObjectId:   objectId,
		ObjectType: "rect",
		Properties: map[string]any{"x": 1.0},
		Version:    1,
	}
	store.Put(object)

	// the store holds copies, not references
	object.Properties["x"] = 100.0
	stored, ok := store.Get(objectId)
	assert.Equal(t, true, ok)
	assert.Equal(t, 1.0, stored.Properties["x"])

	stored.Properties["x"] = 200.0
	stored, _ = store.Get(objectId)
	assert.Equal(t, 1.0, stored.Properties["x"])

	assert.Equal(t, true, store.Remove(objectId))
	assert.Equal(t, false, store.Remove(objectId))
	_, ok = store.Get(objectId)
	assert.Equal(t, false, ok)
}

func TestObjectSetDigest(t *testing.T) {
	objects := []*CanvasObject{}
	for i := 0; i < 20; i += 1 {
		objects = append(objects, &CanvasObject{
			ObjectId:   NewId(),
			ObjectType: "rect",
			Properties: map[string]any{},
			Version:    int64(i),
		})
	}

	digest := ObjectListDigest(objects)

	// order independent
	shuffled := make([]*CanvasObject, len(objects))
	copy(shuffled, objects)
	mathrand.Shuffle(len(shuffled), func(i int, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	assert.Equal(t, digest, ObjectListDigest(shuffled))

	// version sensitive
	objects[0].Version += 1
	assert.NotEqual(t, digest, ObjectListDigest(objects))
	objects[0].Version -= 1

	// membership sensitive
	assert.NotEqual(t, digest, ObjectListDigest(objects[1:]))

	// matches the store's own digest over the same set
	store := NewObjectStore()
	for _, object := range objects {
		store.Put(object)
	}
	assert.Equal(t, digest, store.Digest())
	store.Replace(objects[:10])
	assert.Equal(t, ObjectListDigest(objects[:10]), store.Digest())
}
