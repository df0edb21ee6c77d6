package watcher

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// pendingChange is a change waiting for its debounce window to close.
type pendingChange struct {
	key   string
	op    fsnotify.Op
	timer *time.Timer
}

// Debouncer coalesces bursts of file system events per key.
type Debouncer struct {
	window   time.Duration
	callback func(key string, op fsnotify.Op)

	mu      sync.Mutex
	pending map[string]*pendingChange
	stopped bool
}

// NewDebouncer creates a new debouncer with the given window and callback.
func NewDebouncer(window time.Duration, callback func(key string, op fsnotify.Op)) *Debouncer {
	return &Debouncer{
		window:   window,
		callback: callback,
		pending:  make(map[string]*pendingChange),
	}
}

// Add queues an event. Each new event for key restarts its window, and the
// ops seen during the window are merged.
func (d *Debouncer) Add(key string, op fsnotify.Op) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	if existing, ok := d.pending[key]; ok {
		existing.timer.Stop()
		existing.op |= op
		existing.timer = time.AfterFunc(d.window, func() {
			d.fire(key)
		})
		return
	}

	d.pending[key] = &pendingChange{
		key: key,
		op:  op,
		timer: time.AfterFunc(d.window, func() {
			d.fire(key)
		}),
	}
}

func (d *Debouncer) fire(key string) {
	d.mu.Lock()
	change, ok := d.pending[key]
	if !ok {
		d.mu.Unlock()
		return
	}
	delete(d.pending, key)
	stopped := d.stopped
	d.mu.Unlock()

	if !stopped && d.callback != nil {
		d.callback(change.key, change.op)
	}
}

// Stop cancels all pending timers. Later Adds are ignored.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	for _, change := range d.pending {
		change.timer.Stop()
	}
	d.pending = make(map[string]*pendingChange)
}
