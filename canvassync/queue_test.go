package canvassync

import (
	"context"
	mathrand "math/rand"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestMutationQueueOrder(t *testing.T) {
	queue := newMutationQueue()
	assert.Equal(t, 0, queue.Size())

	n := 100

	mutations := []*PendingMutation{}
	for i := 0; i < n; i += 1 {
		mutation := NewPendingMutation(NewId(), MutationProperties, nil)
		mutation.Priority = MutationPriority(i % 3)
		mutations = append(mutations, mutation)
	}

	for i, mutation := range mutations {
		queue.Add(&mutationItem{
			mutation:       mutation,
			sequenceNumber: uint64(i),
		})
	}
	assert.Equal(t, n, queue.Size())

	// drains priority-major, arrival-order-minor
	var lastItem *mutationItem
	for i := 0; i < n; i += 1 {
		item := queue.RemoveFirst()
		assert.NotEqual(t, item, nil)
		if lastItem != nil {
			if lastItem.mutation.Priority == item.mutation.Priority {
				assert.Equal(t, true, lastItem.sequenceNumber < item.sequenceNumber)
			} else {
				assert.Equal(t, true, item.mutation.Priority < lastItem.mutation.Priority)
			}
		}
		lastItem = item
	}
	assert.Equal(t, 0, queue.Size())
	assert.Equal(t, true, queue.RemoveFirst() == nil)
}

func TestMutationQueueRemoveByMutationId(t *testing.T) {
	queue := newMutationQueue()

	mutations := []*PendingMutation{}
	for i := 0; i < 50; i += 1 {
		mutation := NewPendingMutation(NewId(), MutationPosition, nil)
		mutations = append(mutations, mutation)
		queue.Add(&mutationItem{
			mutation:       mutation,
			sequenceNumber: uint64(i),
		})
	}

	mathrand.Shuffle(len(mutations), func(i int, j int) {
		mutations[i], mutations[j] = mutations[j], mutations[i]
	})
	for i, mutation := range mutations {
		item := queue.RemoveByMutationId(mutation.MutationId)
		assert.NotEqual(t, item, nil)
		assert.Equal(t, mutation.MutationId, item.mutation.MutationId)
		assert.Equal(t, len(mutations)-i-1, queue.Size())
	}

	assert.Equal(t, true, queue.RemoveByMutationId(NewId()) == nil)
}

func newTestQueueManager(ctx context.Context, api *testApi, transport *testTransport) (*QueueManager, *OptimisticManager, *LoadingManager) {
	optimistic := NewOptimisticManager()
	loading := NewLoadingManagerWithDefaults()
	dispatch := NewDispatchService(api.canvasId, transport, api, optimistic, loading, fastDispatchSettings())
	queueManager := NewQueueManager(ctx, dispatch, loading, fastQueueSettings())
	return queueManager, optimistic, loading
}

func TestQueueManagerDrainPriorityOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	canvasId := NewId()
	api := newTestApi(canvasId)
	transport := newTestTransport(api)

	queueManager, _, loading := newTestQueueManager(ctx, api, transport)
	defer queueManager.Close()
	defer loading.Close()

	lowId := NewId()
	highId := NewId()
	api.putObject(&CanvasObject{ObjectId: lowId, ObjectType: "rect", Properties: map[string]any{}, Version: 1})
	api.putObject(&CanvasObject{ObjectId: highId, ObjectType: "rect", Properties: map[string]any{}, Version: 1})

	// enqueued while disconnected. Nothing dispatches.
	normal := NewPendingMutation(lowId, MutationProperties, map[string]any{"fill": "#00ff00"})
	high := NewPendingMutation(highId, MutationPosition, map[string]any{"x": 5.0, "y": 5.0})
	queueManager.Enqueue(normal)
	queueManager.Enqueue(high)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 2, queueManager.Stats().QueueSize)
	assert.Equal(t, 0, api.updateCount)

	// the backlog drains on connect, high priority first despite later arrival
	queueManager.SetConnectionStatus(true)
	waitFor(t, 2*time.Second, "queue drain", func() bool {
		stats := queueManager.Stats()
		return stats.QueueSize == 0 && stats.InFlightCount == 0
	})

	stats := queueManager.Stats()
	assert.Equal(t, uint64(2), stats.SucceededCount)
	assert.Equal(t, uint64(0), stats.FailedCount)

	api.stateLock.Lock()
	order := api.mutationOrder
	api.stateLock.Unlock()
	assert.Equal(t, 2, len(order))
	assert.Equal(t, highId, order[0])
	assert.Equal(t, lowId, order[1])
}

func TestQueueManagerTerminalFailureAndRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	canvasId := NewId()
	api := newTestApi(canvasId)
	transport := newTestTransport(api)

	queueManager, _, loading := newTestQueueManager(ctx, api, transport)
	defer queueManager.Close()
	defer loading.Close()

	objectId := NewId()
	api.putObject(&CanvasObject{ObjectId: objectId, ObjectType: "rect", Properties: map[string]any{}, Version: 1})

	// every attempt fails until the retry budget is spent
	api.failNext(1000)
	queueManager.SetConnectionStatus(true)

	mutation := NewPendingMutation(objectId, MutationPosition, map[string]any{"x": 1.0, "y": 1.0})
	queueManager.Enqueue(mutation)

	waitFor(t, 5*time.Second, "terminal failure", func() bool {
		return queueManager.Stats().TerminalCount == 1
	})
	assert.Equal(t, uint64(1), queueManager.Stats().FailedCount)

	failed := queueManager.FailedMutations()
	assert.Equal(t, 1, len(failed))
	assert.Equal(t, mutation.MutationId, failed[0].MutationId)
	assert.Equal(t, StatusFailed, failed[0].Status)
	assert.NotEqual(t, failed[0].Err, nil)

	// manual retry after the cause clears
	api.failNext(0)
	assert.Equal(t, true, queueManager.RetryFailed(mutation.MutationId))
	assert.Equal(t, 0, queueManager.Stats().TerminalCount)

	waitFor(t, 2*time.Second, "retry success", func() bool {
		return queueManager.Stats().SucceededCount == 1
	})
	assert.Equal(t, false, queueManager.RetryFailed(mutation.MutationId))
}

func TestQueueManagerDiscardFailed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	canvasId := NewId()
	api := newTestApi(canvasId)
	api.validationMessage = "fill is invalid"
	transport := newTestTransport(api)

	queueManager, _, loading := newTestQueueManager(ctx, api, transport)
	defer queueManager.Close()
	defer loading.Close()

	queueManager.SetConnectionStatus(true)

	objectId := NewId()
	mutation := NewPendingMutation(objectId, MutationProperties, map[string]any{"fill": "bogus"})
	queueManager.Enqueue(mutation)

	// permanent failure, no retry cycles
	waitFor(t, 2*time.Second, "permanent failure", func() bool {
		return queueManager.Stats().TerminalCount == 1
	})
	assert.Equal(t, 1, api.updateCount)

	assert.Equal(t, true, queueManager.DiscardFailed(mutation.MutationId))
	assert.Equal(t, false, queueManager.DiscardFailed(mutation.MutationId))
	assert.Equal(t, 0, queueManager.Stats().TerminalCount)
}

func TestQueueManagerCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	canvasId := NewId()
	api := newTestApi(canvasId)
	transport := newTestTransport(api)

	queueManager, _, loading := newTestQueueManager(ctx, api, transport)
	defer queueManager.Close()
	defer loading.Close()

	// disconnected, so the mutation stays queued and cancelable
	mutation := NewPendingMutation(NewId(), MutationDelete, nil)
	queueManager.Enqueue(mutation)
	assert.Equal(t, 1, queueManager.Stats().QueueSize)

	assert.Equal(t, true, queueManager.Cancel(mutation.MutationId))
	assert.Equal(t, false, queueManager.Cancel(mutation.MutationId))
	assert.Equal(t, 0, queueManager.Stats().QueueSize)
}

func TestQueueManagerCancelByObject(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	canvasId := NewId()
	api := newTestApi(canvasId)
	transport := newTestTransport(api)

	queueManager, _, loading := newTestQueueManager(ctx, api, transport)
	defer queueManager.Close()
	defer loading.Close()

	targetId := NewId()
	otherId := NewId()
	api.putObject(&CanvasObject{ObjectId: otherId, ObjectType: "rect", Properties: map[string]any{}, Version: 1})

	// disconnected, so everything stays queued
	queueManager.Enqueue(NewPendingMutation(targetId, MutationCreate, map[string]any{"x": 1.0}))
	queueManager.Enqueue(NewPendingMutation(targetId, MutationPosition, map[string]any{"x": 2.0}))
	queueManager.Enqueue(NewPendingMutation(otherId, MutationPosition, map[string]any{"x": 3.0, "y": 0.0}))
	assert.Equal(t, 3, queueManager.Stats().QueueSize)

	cancelled := queueManager.CancelByObject(targetId)
	assert.Equal(t, 2, len(cancelled))
	for _, mutation := range cancelled {
		assert.Equal(t, targetId, mutation.ObjectId)
	}
	assert.Equal(t, 1, queueManager.Stats().QueueSize)
	assert.Equal(t, 0, len(queueManager.CancelByObject(targetId)))

	// the surviving mutation still dispatches
	queueManager.SetConnectionStatus(true)
	waitFor(t, 2*time.Second, "queue drain", func() bool {
		return queueManager.Stats().SucceededCount == 1
	})
	assert.Equal(t, 0, api.createCount)
}
