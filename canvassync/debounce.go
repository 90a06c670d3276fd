package canvassync

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

// Debouncer coalesces bursts of the same mutation kind on the same object
// into a single dispatch. Only the most recent scheduled call for a key
// survives a window. This bounds network volume during continuous
// drag/resize gestures.

type DebounceKey struct {
	ObjectId Id
	Kind     MutationKind
}

type DebouncerSettings struct {
	// window for high priority keys (position)
	HighPriorityWindow time.Duration
	// window for normal priority keys (resize, properties)
	NormalPriorityWindow time.Duration
	LowPriorityWindow    time.Duration
}

func DefaultDebouncerSettings() *DebouncerSettings {
	return &DebouncerSettings{
		HighPriorityWindow:   50 * time.Millisecond,
		NormalPriorityWindow: 250 * time.Millisecond,
		LowPriorityWindow:    500 * time.Millisecond,
	}
}

type debounceEntry struct {
	timer *time.Timer
	fn    func()
}

type Debouncer struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *DebouncerSettings

	stateLock sync.Mutex
	pending   map[DebounceKey]*debounceEntry
}

func NewDebouncerWithDefaults(ctx context.Context) *Debouncer {
	return NewDebouncer(ctx, DefaultDebouncerSettings())
}

func NewDebouncer(ctx context.Context, settings *DebouncerSettings) *Debouncer {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Debouncer{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		pending:  map[DebounceKey]*debounceEntry{},
	}
}

func (self *Debouncer) window(priority MutationPriority) time.Duration {
	switch priority {
	case PriorityHigh:
		return self.settings.HighPriorityWindow
	case PriorityNormal:
		return self.settings.NormalPriorityWindow
	default:
		return self.settings.LowPriorityWindow
	}
}

// schedules `fn` to run after the coalescing window for `priority`.
// an earlier scheduled call for the same key is discarded without execution.
func (self *Debouncer) Schedule(key DebounceKey, priority MutationPriority, fn func()) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	select {
	case <-self.ctx.Done():
		return
	default:
	}

	if entry, ok := self.pending[key]; ok {
		entry.timer.Stop()
		glog.V(2).Infof("[deb]coalesce %s %s\n", key.ObjectId, key.Kind)
	}

	entry := &debounceEntry{
		fn: fn,
	}
	entry.timer = time.AfterFunc(self.window(priority), func() {
		self.fire(key, entry)
	})
	self.pending[key] = entry
}

func (self *Debouncer) fire(key DebounceKey, entry *debounceEntry) {
	self.stateLock.Lock()
	current, ok := self.pending[key]
	if !ok || current != entry {
		// superseded between timer fire and lock
		self.stateLock.Unlock()
		return
	}
	delete(self.pending, key)
	self.stateLock.Unlock()

	select {
	case <-self.ctx.Done():
		return
	default:
	}

	HandleError(entry.fn)
}

// runs the pending call for the key now, if any
func (self *Debouncer) Flush(key DebounceKey) {
	self.stateLock.Lock()
	entry, ok := self.pending[key]
	if ok {
		entry.timer.Stop()
		delete(self.pending, key)
	}
	self.stateLock.Unlock()

	if ok {
		HandleError(entry.fn)
	}
}

func (self *Debouncer) FlushAll() {
	self.stateLock.Lock()
	entries := []*debounceEntry{}
	for key, entry := range self.pending {
		entry.timer.Stop()
		entries = append(entries, entry)
		delete(self.pending, key)
	}
	self.stateLock.Unlock()

	for _, entry := range entries {
		HandleError(entry.fn)
	}
}

// discards the pending call for the key without execution
func (self *Debouncer) Cancel(key DebounceKey) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entry, ok := self.pending[key]
	if !ok {
		return false
	}
	entry.timer.Stop()
	delete(self.pending, key)
	return true
}

func (self *Debouncer) PendingCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.pending)
}

func (self *Debouncer) Close() {
	self.cancel()

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for key, entry := range self.pending {
		entry.timer.Stop()
		delete(self.pending, key)
	}
}
