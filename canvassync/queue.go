package canvassync

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
	"golang.org/x/time/rate"
)

// QueueManager is the durable, priority-ordered backlog of mutations awaiting
// dispatch or retry. The drain loop runs only while connectivity is
// available. A mutation is always in exactly one of
// {queued, in flight, succeeded, terminally failed} - never silently dropped.

type mutationItem struct {
	mutation *PendingMutation
	// arrival order, minor sort key within priority
	sequenceNumber uint64
	// the index of the item in the heap
	heapIndex int
}

// priority-major, arrival-order-minor
func compareMutationItems(a *mutationItem, b *mutationItem) int {
	if a.mutation.Priority != b.mutation.Priority {
		if b.mutation.Priority < a.mutation.Priority {
			return -1
		}
		return 1
	}
	if a.sequenceNumber < b.sequenceNumber {
		return -1
	} else if b.sequenceNumber < a.sequenceNumber {
		return 1
	}
	return 0
}

// not safe for concurrent use. The queue manager holds the lock.
type mutationQueue struct {
	orderedItems []*mutationItem
	// mutation id -> item
	mutationIdItems map[Id]*mutationItem
}

func newMutationQueue() *mutationQueue {
	mutationQueue := &mutationQueue{
		orderedItems:    []*mutationItem{},
		mutationIdItems: map[Id]*mutationItem{},
	}
	heap.Init(mutationQueue)
	return mutationQueue
}

func (self *mutationQueue) Add(item *mutationItem) {
	self.mutationIdItems[item.mutation.MutationId] = item
	heap.Push(self, item)
}

func (self *mutationQueue) RemoveByMutationId(mutationId Id) *mutationItem {
	item, ok := self.mutationIdItems[mutationId]
	if !ok {
		return nil
	}
	delete(self.mutationIdItems, mutationId)
	item_ := heap.Remove(self, item.heapIndex)
	if any(item) != item_ {
		panic("Heap invariant broken.")
	}
	return item
}

func (self *mutationQueue) RemoveFirst() *mutationItem {
	if len(self.orderedItems) == 0 {
		return nil
	}
	item := heap.Remove(self, 0).(*mutationItem)
	delete(self.mutationIdItems, item.mutation.MutationId)
	return item
}

func (self *mutationQueue) PeekFirst() *mutationItem {
	if len(self.orderedItems) == 0 {
		return nil
	}
	return self.orderedItems[0]
}

func (self *mutationQueue) Size() int {
	return len(self.orderedItems)
}

// heap.Interface

func (self *mutationQueue) Push(x any) {
	item := x.(*mutationItem)
	item.heapIndex = len(self.orderedItems)
	self.orderedItems = append(self.orderedItems, item)
}

func (self *mutationQueue) Pop() any {
	n := len(self.orderedItems)
	i := n - 1
	item := self.orderedItems[i]
	self.orderedItems[i] = nil
	self.orderedItems = self.orderedItems[:n-1]
	return item
}

// sort.Interface

func (self *mutationQueue) Len() int {
	return len(self.orderedItems)
}

func (self *mutationQueue) Less(i int, j int) bool {
	return compareMutationItems(self.orderedItems[i], self.orderedItems[j]) < 0
}

func (self *mutationQueue) Swap(i int, j int) {
	a := self.orderedItems[i]
	b := self.orderedItems[j]
	b.heapIndex = i
	self.orderedItems[i] = b
	a.heapIndex = j
	self.orderedItems[j] = a
}

type QueueManagerSettings struct {
	// dispatch cycles before a mutation moves to the terminal failed bucket
	MaxRetries int
	// outbound mutation rate from the drain loop
	DrainRate  rate.Limit
	DrainBurst int
	// idle wakeup period of the drain loop
	PollTimeout      time.Duration
	ResultBufferSize int
}

func DefaultQueueManagerSettings() *QueueManagerSettings {
	return &QueueManagerSettings{
		MaxRetries:       3,
		DrainRate:        rate.Limit(50),
		DrainBurst:       10,
		PollTimeout:      1 * time.Second,
		ResultBufferSize: 256,
	}
}

type QueueManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	dispatch *DispatchService
	loading  *LoadingManager

	settings *QueueManagerSettings

	limiter *rate.Limiter

	results chan MutationResult
	wake    chan struct{}

	stateLock          sync.Mutex
	queue              *mutationQueue
	nextSequenceNumber uint64
	// object id -> in flight mutation
	inFlight map[Id]*PendingMutation
	// mutation id -> terminally failed mutation
	failedItems    map[Id]*PendingMutation
	connected      bool
	succeededCount uint64
	failedCount    uint64
}

func NewQueueManagerWithDefaults(ctx context.Context, dispatch *DispatchService, loading *LoadingManager) *QueueManager {
	return NewQueueManager(ctx, dispatch, loading, DefaultQueueManagerSettings())
}

func NewQueueManager(ctx context.Context, dispatch *DispatchService, loading *LoadingManager, settings *QueueManagerSettings) *QueueManager {
	cancelCtx, cancel := context.WithCancel(ctx)
	queueManager := &QueueManager{
		ctx:         cancelCtx,
		cancel:      cancel,
		dispatch:    dispatch,
		loading:     loading,
		settings:    settings,
		limiter:     rate.NewLimiter(settings.DrainRate, settings.DrainBurst),
		results:     make(chan MutationResult, settings.ResultBufferSize),
		wake:        make(chan struct{}, 1),
		queue:       newMutationQueue(),
		inFlight:    map[Id]*PendingMutation{},
		failedItems: map[Id]*PendingMutation{},
	}
	go queueManager.run()
	return queueManager
}

// settled mutations with their dispatch results.
// the session consumes this to confirm or roll back optimistic state.
func (self *QueueManager) Results() <-chan MutationResult {
	return self.results
}

// inserts into the backlog and returns the queue id
func (self *QueueManager) Enqueue(mutation *PendingMutation) Id {
	self.stateLock.Lock()
	if mutation.MaxRetries == 0 {
		mutation.MaxRetries = self.settings.MaxRetries
	}
	mutation.Status = StatusQueued
	self.nextSequenceNumber += 1
	item := &mutationItem{
		mutation:       mutation,
		sequenceNumber: self.nextSequenceNumber,
	}
	self.queue.Add(item)
	self.stateLock.Unlock()

	glog.V(1).Infof("[q]enqueue %s %s priority=%d\n", mutation.ObjectId, mutation.Kind, mutation.Priority)
	self.notify()
	return mutation.MutationId
}

// removes a queued mutation before dispatch, e.g. when the object was
// deleted locally. In-flight mutations run to completion.
func (self *QueueManager) Cancel(mutationId Id) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	item := self.queue.RemoveByMutationId(mutationId)
	return item != nil
}

// removes all queued mutations targeting the object, e.g. when the object was
// deleted locally. In-flight mutations run to completion.
func (self *QueueManager) CancelByObject(objectId Id) []*PendingMutation {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	cancelled := []*PendingMutation{}
	for mutationId, item := range self.queue.mutationIdItems {
		if item.mutation.ObjectId == objectId {
			self.queue.RemoveByMutationId(mutationId)
			cancelled = append(cancelled, item.mutation)
		}
	}
	return cancelled
}

// pauses or resumes the drain loop without losing queue contents
func (self *QueueManager) SetConnectionStatus(connected bool) {
	self.stateLock.Lock()
	changed := self.connected != connected
	self.connected = connected
	self.stateLock.Unlock()

	if changed {
		glog.V(1).Infof("[q]connected=%t\n", connected)
		self.notify()
	}
}

func (self *QueueManager) IsConnected() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.connected
}

func (self *QueueManager) Stats() QueueStats {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return QueueStats{
		QueueSize:      self.queue.Size(),
		InFlightCount:  len(self.inFlight),
		SucceededCount: self.succeededCount,
		FailedCount:    self.failedCount,
		TerminalCount:  len(self.failedItems),
	}
}

// the terminal failed bucket, surfaced for manual retry or discard
func (self *QueueManager) FailedMutations() []*PendingMutation {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return maps.Values(self.failedItems)
}

// re-enqueues a terminally failed mutation on explicit user action
func (self *QueueManager) RetryFailed(mutationId Id) bool {
	self.stateLock.Lock()
	mutation, ok := self.failedItems[mutationId]
	if !ok {
		self.stateLock.Unlock()
		return false
	}
	delete(self.failedItems, mutationId)
	mutation.Retries = 0
	mutation.Attempt = 0
	mutation.Err = nil
	mutation.Status = StatusQueued
	self.nextSequenceNumber += 1
	self.queue.Add(&mutationItem{
		mutation:       mutation,
		sequenceNumber: self.nextSequenceNumber,
	})
	self.stateLock.Unlock()

	self.notify()
	return true
}

func (self *QueueManager) DiscardFailed(mutationId Id) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.failedItems[mutationId]; !ok {
		return false
	}
	delete(self.failedItems, mutationId)
	return true
}

// blocks until the backlog is empty or the context is done
func (self *QueueManager) Flush(ctx context.Context) error {
	for {
		self.stateLock.Lock()
		empty := self.queue.Size() == 0 && len(self.inFlight) == 0
		self.stateLock.Unlock()
		if empty {
			return nil
		}
		self.notify()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-self.ctx.Done():
			return ErrClosed
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func (self *QueueManager) notify() {
	select {
	case self.wake <- struct{}{}:
	default:
	}
}

func (self *QueueManager) run() {
	defer close(self.results)

	for {
		select {
		case <-self.ctx.Done():
			return
		case <-self.wake:
		case <-time.After(self.settings.PollTimeout):
		}

		for {
			select {
			case <-self.ctx.Done():
				return
			default:
			}

			mutation := self.takeNext()
			if mutation == nil {
				break
			}

			if err := self.limiter.Wait(self.ctx); err != nil {
				self.requeue(mutation)
				return
			}

			result := self.dispatch.Send(self.ctx, mutation, func(attempt int, method DispatchMethod) {
				glog.V(2).Infof("[q]%s %s attempt=%d method=%s\n", mutation.ObjectId, mutation.Kind, attempt, method)
			})
			self.settle(mutation, result)
		}
	}
}

// pops the first eligible mutation: highest priority, earliest arrival,
// whose object has no mutation in flight
func (self *QueueManager) takeNext() *PendingMutation {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if !self.connected {
		return nil
	}

	skipped := []*mutationItem{}
	var next *mutationItem
	for {
		item := self.queue.RemoveFirst()
		if item == nil {
			break
		}
		_, busy := self.inFlight[item.mutation.ObjectId]
		if !busy && self.loading != nil {
			busy = self.loading.IsLoading(item.mutation.ObjectId)
		}
		if busy {
			skipped = append(skipped, item)
			continue
		}
		next = item
		break
	}
	for _, item := range skipped {
		self.queue.Add(item)
	}
	if next == nil {
		return nil
	}

	next.mutation.Status = StatusInFlight
	self.inFlight[next.mutation.ObjectId] = next.mutation
	return next.mutation
}

func (self *QueueManager) requeue(mutation *PendingMutation) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	delete(self.inFlight, mutation.ObjectId)
	mutation.Status = StatusQueued
	self.nextSequenceNumber += 1
	self.queue.Add(&mutationItem{
		mutation:       mutation,
		sequenceNumber: self.nextSequenceNumber,
	})
}

func (self *QueueManager) settle(mutation *PendingMutation, result *DispatchResult) {
	self.stateLock.Lock()
	delete(self.inFlight, mutation.ObjectId)

	emit := false
	switch {
	case result.Success:
		mutation.Status = StatusSucceeded
		self.succeededCount += 1
		emit = true
	case result.Err == ErrObjectBusy:
		// another path holds the object. Wait in order, not a retry.
		mutation.Status = StatusQueued
		self.nextSequenceNumber += 1
		self.queue.Add(&mutationItem{
			mutation:       mutation,
			sequenceNumber: self.nextSequenceNumber,
		})
	case result.Permanent:
		mutation.Status = StatusFailed
		mutation.Err = result.Err
		self.failedItems[mutation.MutationId] = mutation
		self.failedCount += 1
		emit = true
	default:
		mutation.Retries += 1
		if mutation.Retries < mutation.MaxRetries {
			mutation.Status = StatusQueued
			self.nextSequenceNumber += 1
			self.queue.Add(&mutationItem{
				mutation:       mutation,
				sequenceNumber: self.nextSequenceNumber,
			})
		} else {
			mutation.Status = StatusFailed
			mutation.Err = result.Err
			self.failedItems[mutation.MutationId] = mutation
			self.failedCount += 1
			emit = true
		}
	}
	self.stateLock.Unlock()

	if mutation.Status == StatusFailed {
		glog.Infof("[q]%s %s terminal failure retries=%d = %s\n", mutation.ObjectId, mutation.Kind, mutation.Retries, mutation.Err)
	}

	if emit {
		select {
		case self.results <- MutationResult{
			Mutation: mutation,
			Result:   result,
		}:
		case <-self.ctx.Done():
		}
	}
}

func (self *QueueManager) Close() {
	self.cancel()
}
