package docstate

import (
	"sync"
	"time"
)

const defaultDebounceDelay = 500 * time.Millisecond

// DebouncedWriter coalesces rapid-fire save requests into a single trailing
// write. Exactly one timer is armed at a time; a new Schedule discards the
// previous timer and payload, so only the last state in a burst is persisted.
type DebouncedWriter struct {
	delay time.Duration
	flush func(path string, record *StateRecord)

	mu    sync.Mutex
	timer *time.Timer
}

func NewDebouncedWriter(delay time.Duration, flush func(path string, record *StateRecord)) *DebouncedWriter {
	if delay <= 0 {
		delay = defaultDebounceDelay
	}
	return &DebouncedWriter{delay: delay, flush: flush}
}

// Schedule arms or re-arms the write timer for path with record as payload.
func (w *DebouncedWriter) Schedule(path string, record *StateRecord) {
	if w == nil || w.flush == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.delay, func() {
		w.mu.Lock()
		w.timer = nil
		w.mu.Unlock()
		w.flush(path, record)
	})
}

// Cancel invalidates any pending timer without firing it. A not-yet-flushed
// save is dropped on purpose: shutdown must not leave orphaned work behind.
func (w *DebouncedWriter) Cancel() {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}
