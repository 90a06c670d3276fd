package canvassync

import (
	"context"
	"testing"

	"github.com/go-playground/assert/v2"
)

func newTestDispatch(api *testApi, transport *testTransport) (*DispatchService, *OptimisticManager, *LoadingManager) {
	optimistic := NewOptimisticManager()
	loading := NewLoadingManagerWithDefaults()
	dispatch := NewDispatchService(api.canvasId, transport, api, optimistic, loading, fastDispatchSettings())
	return dispatch, optimistic, loading
}

func TestDispatchTransportFirst(t *testing.T) {
	ctx := context.Background()

	api := newTestApi(NewId())
	transport := newTestTransport(api)
	transport.setConnected(true)

	dispatch, _, loading := newTestDispatch(api, transport)
	defer loading.Close()

	mutation := NewPendingMutation(NewId(), MutationCreate, map[string]any{"x": 1.0, "y": 2.0})
	mutation.ObjectType = "rect"

	result := dispatch.Send(ctx, mutation, nil)
	assert.Equal(t, true, result.Success)
	assert.Equal(t, MethodTransport, result.Method)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, 1, transport.sentCount())

	// the flight is released after settle
	assert.Equal(t, false, loading.IsLoading(mutation.ObjectId))
}

func TestDispatchApiFallback(t *testing.T) {
	ctx := context.Background()

	api := newTestApi(NewId())
	transport := newTestTransport(api)
	transport.setConnected(true)
	// the transport fails, the api picks it up within the same attempt
	transport.failNext(1000)

	dispatch, _, loading := newTestDispatch(api, transport)
	defer loading.Close()

	mutation := NewPendingMutation(NewId(), MutationCreate, map[string]any{"x": 1.0, "y": 2.0})
	mutation.ObjectType = "circle"

	result := dispatch.Send(ctx, mutation, nil)
	assert.Equal(t, true, result.Success)
	assert.Equal(t, MethodApi, result.Method)
	assert.Equal(t, 1, result.Attempts)
	assert.NotEqual(t, result.Object, nil)
	assert.Equal(t, mutation.ObjectId, result.Object.ObjectId)
}

func TestDispatchDisconnectedUsesApi(t *testing.T) {
	ctx := context.Background()

	api := newTestApi(NewId())
	transport := newTestTransport(api)

	dispatch, _, loading := newTestDispatch(api, transport)
	defer loading.Close()

	objectId := NewId()
	api.putObject(&CanvasObject{ObjectId: objectId, ObjectType: "rect", Properties: map[string]any{}, Version: 1})

	mutation := NewPendingMutation(objectId, MutationPosition, map[string]any{"x": 3.0, "y": 4.0})

	result := dispatch.Send(ctx, mutation, nil)
	assert.Equal(t, true, result.Success)
	assert.Equal(t, MethodApi, result.Method)
	assert.Equal(t, 0, transport.sentCount())
}

func TestDispatchRetriesTransientErrors(t *testing.T) {
	ctx := context.Background()

	api := newTestApi(NewId())
	// two transient failures, success on the third attempt
	api.failNext(2)
	transport := newTestTransport(api)

	dispatch, _, loading := newTestDispatch(api, transport)
	defer loading.Close()

	mutation := NewPendingMutation(NewId(), MutationCreate, map[string]any{"x": 0.0, "y": 0.0})
	mutation.ObjectType = "rect"

	progressAttempts := []int{}
	result := dispatch.Send(ctx, mutation, func(attempt int, method DispatchMethod) {
		progressAttempts = append(progressAttempts, attempt)
	})
	assert.Equal(t, true, result.Success)
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, 3, api.createCount)
	assert.Equal(t, []int{1, 2, 3}, progressAttempts)
}

func TestDispatchPermanentErrorNotRetried(t *testing.T) {
	ctx := context.Background()

	api := newTestApi(NewId())
	api.validationMessage = "text too long"
	transport := newTestTransport(api)

	dispatch, _, loading := newTestDispatch(api, transport)
	defer loading.Close()

	mutation := NewPendingMutation(NewId(), MutationCreate, map[string]any{"text": "x"})
	mutation.ObjectType = "text"

	result := dispatch.Send(ctx, mutation, nil)
	assert.Equal(t, false, result.Success)
	assert.Equal(t, true, result.Permanent)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, 1, api.createCount)
	assert.Equal(t, true, IsPermanentError(result.Err))
}

func TestDispatchExhaustedAttempts(t *testing.T) {
	ctx := context.Background()

	api := newTestApi(NewId())
	api.failNext(1000)
	transport := newTestTransport(api)

	dispatch, _, loading := newTestDispatch(api, transport)
	defer loading.Close()

	mutation := NewPendingMutation(NewId(), MutationCreate, map[string]any{"x": 0.0, "y": 0.0})
	mutation.ObjectType = "rect"

	result := dispatch.Send(ctx, mutation, nil)
	assert.Equal(t, false, result.Success)
	assert.Equal(t, false, result.Permanent)
	assert.Equal(t, 3, result.Attempts)
	assert.NotEqual(t, result.Err, nil)
}

func TestDispatchObjectBusy(t *testing.T) {
	ctx := context.Background()

	api := newTestApi(NewId())
	transport := newTestTransport(api)

	dispatch, _, loading := newTestDispatch(api, transport)
	defer loading.Close()

	objectId := NewId()
	assert.Equal(t, true, loading.StartLoading(objectId, MutationPosition))

	mutation := NewPendingMutation(objectId, MutationResize, map[string]any{"width": 5.0})
	result := dispatch.Send(ctx, mutation, nil)
	assert.Equal(t, false, result.Success)
	assert.Equal(t, ErrObjectBusy, result.Err)
	assert.Equal(t, MethodNone, result.Method)

	// the held flight is untouched
	assert.Equal(t, true, loading.IsLoading(objectId))
}
