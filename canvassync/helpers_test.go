package canvassync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// in-memory persistence backend
type testApi struct {
	stateLock sync.Mutex

	canvasId Id
	objects  map[Id]*CanvasObject

	// transient errors returned before calls start succeeding
	failuresRemaining int
	// when set, mutations fail permanently with this message
	validationMessage string

	getCount    int
	createCount int
	updateCount int
	deleteCount int
	// object ids in mutation arrival order
	mutationOrder []Id
}

func newTestApi(canvasId Id) *testApi {
	return &testApi{
		canvasId: canvasId,
		objects:  map[Id]*CanvasObject{},
	}
}

func (self *testApi) failNext(n int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.failuresRemaining = n
}

func (self *testApi) takeFailure() bool {
	if 0 < self.failuresRemaining {
		self.failuresRemaining -= 1
		return true
	}
	return false
}

func (self *testApi) objectList() []*CanvasObject {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	objects := []*CanvasObject{}
	for _, object := range self.objects {
		objects = append(objects, object.Copy())
	}
	return objects
}

func (self *testApi) putObject(object *CanvasObject) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.objects[object.ObjectId] = object.Copy()
}

func (self *testApi) removeObject(objectId Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	delete(self.objects, objectId)
}

func (self *testApi) GetCanvasObjectsSync(ctx context.Context, canvasId Id) (*GetCanvasObjectsResult, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.getCount += 1
	if self.takeFailure() {
		return nil, errors.New("test get failure")
	}
	objects := []*CanvasObject{}
	for _, object := range self.objects {
		objects = append(objects, object.Copy())
	}
	return &GetCanvasObjectsResult{
		CanvasId: canvasId,
		Objects:  objects,
	}, nil
}

func (self *testApi) CreateObjectSync(ctx context.Context, createObject *CreateObjectArgs) (*CreateObjectResult, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.createCount += 1
	if self.takeFailure() {
		return nil, errors.New("test create failure")
	}
	if self.validationMessage != "" {
		return &CreateObjectResult{
			Error: &ObjectResultError{Message: self.validationMessage},
		}, nil
	}
	object := &CanvasObject{
		ObjectId:    createObject.ObjectId,
		ObjectType:  createObject.ObjectType,
		Properties:  copySnapshot(createObject.Properties),
		Version:     1,
		UpdatedTime: time.Now(),
	}
	self.objects[object.ObjectId] = object
	self.mutationOrder = append(self.mutationOrder, object.ObjectId)
	return &CreateObjectResult{
		Object: object.Copy(),
	}, nil
}

func (self *testApi) UpdateObjectSync(ctx context.Context, updateObject *UpdateObjectArgs) (*UpdateObjectResult, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.updateCount += 1
	if self.takeFailure() {
		return nil, errors.New("test update failure")
	}
	if self.validationMessage != "" {
		return &UpdateObjectResult{
			Error: &ObjectResultError{Message: self.validationMessage},
		}, nil
	}
	object, ok := self.objects[updateObject.ObjectId]
	if !ok {
		return &UpdateObjectResult{
			Error: &ObjectResultError{Message: fmt.Sprintf("unknown object: %s", updateObject.ObjectId)},
		}, nil
	}
	object.Properties = patchSnapshot(object.Properties, updateObject.Payload)
	object.Version += 1
	object.UpdatedTime = time.Now()
	self.mutationOrder = append(self.mutationOrder, object.ObjectId)
	return &UpdateObjectResult{
		Object: object.Copy(),
	}, nil
}

func (self *testApi) DeleteObjectSync(ctx context.Context, deleteObject *DeleteObjectArgs) (*DeleteObjectResult, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.deleteCount += 1
	if self.takeFailure() {
		return nil, errors.New("test delete failure")
	}
	if self.validationMessage != "" {
		return &DeleteObjectResult{
			Error: &ObjectResultError{Message: self.validationMessage},
		}, nil
	}
	delete(self.objects, deleteObject.ObjectId)
	self.mutationOrder = append(self.mutationOrder, deleteObject.ObjectId)
	return &DeleteObjectResult{}, nil
}

// event transport fake. `ObjectSet` mirrors the api backend so consistency
// checks compare the same canonical state.
type testTransport struct {
	stateLock sync.Mutex

	api *testApi

	connected         bool
	failuresRemaining int

	sent []*PendingMutation
}

func newTestTransport(api *testApi) *testTransport {
	return &testTransport{
		api: api,
	}
}

func (self *testTransport) setConnected(connected bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.connected = connected
}

func (self *testTransport) failNext(n int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.failuresRemaining = n
}

func (self *testTransport) sentCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.sent)
}

func (self *testTransport) SendMutation(ctx context.Context, mutation *PendingMutation) error {
	self.stateLock.Lock()
	if !self.connected {
		self.stateLock.Unlock()
		return ErrNotConnected
	}
	if 0 < self.failuresRemaining {
		self.failuresRemaining -= 1
		self.stateLock.Unlock()
		return errors.New("test transport failure")
	}
	self.sent = append(self.sent, mutation)
	self.stateLock.Unlock()

	// apply to the shared backend like the server would
	switch mutation.Kind {
	case MutationCreate:
		result, err := self.api.CreateObjectSync(ctx, &CreateObjectArgs{
			ObjectId:   mutation.ObjectId,
			ObjectType: mutation.ObjectType,
			Properties: mutation.Payload,
		})
		if err != nil {
			return err
		}
		if result.Error != nil {
			return NewValidationError("%s", result.Error.Message)
		}
		return nil
	case MutationDelete:
		result, err := self.api.DeleteObjectSync(ctx, &DeleteObjectArgs{
			ObjectId: mutation.ObjectId,
		})
		if err != nil {
			return err
		}
		if result.Error != nil {
			return NewValidationError("%s", result.Error.Message)
		}
		return nil
	default:
		result, err := self.api.UpdateObjectSync(ctx, &UpdateObjectArgs{
			ObjectId: mutation.ObjectId,
			Kind:     mutation.Kind,
			Payload:  mutation.Payload,
		})
		if err != nil {
			return err
		}
		if result.Error != nil {
			return NewValidationError("%s", result.Error.Message)
		}
		return nil
	}
}

func (self *testTransport) ObjectSet(ctx context.Context) ([]*CanvasObject, error) {
	return self.api.objectList(), nil
}

func (self *testTransport) IsConnected() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.connected
}

// polls until the condition holds or the timeout elapses
func waitFor(t *testing.T, timeout time.Duration, description string, condition func() bool) {
	endTime := time.Now().Add(timeout)
	for {
		if condition() {
			return
		}
		if endTime.Before(time.Now()) {
			t.Fatalf("timeout waiting for %s", description)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func fastDispatchSettings() *DispatchServiceSettings {
	return &DispatchServiceSettings{
		MaxAttempts:     3,
		AttemptTimeout:  1 * time.Second,
		BackoffMinDelay: 1 * time.Millisecond,
		BackoffMaxDelay: 5 * time.Millisecond,
	}
}

func fastQueueSettings() *QueueManagerSettings {
	settings := DefaultQueueManagerSettings()
	settings.PollTimeout = 20 * time.Millisecond
	return settings
}
