package protocol

import (
	"sync"
	"time"
)

// DefaultDebounce is the delay before a changed subgraph is re-announced.
const DefaultDebounce = 10 * time.Millisecond

// Debouncer coalesces bursts of Trigger calls into one call of its function.
type Debouncer interface {
	Trigger()
	Stop()
}

// DebounceFunc builds a Debouncer around fn.
type DebounceFunc func(fn func()) Debouncer

// Trailing runs fn once no Trigger has arrived for delay.
func Trailing(delay time.Duration) DebounceFunc {
	return func(fn func()) Debouncer {
		return &trailing{delay: delay, fn: fn}
	}
}

type trailing struct {
	delay time.Duration
	fn    func()

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

func (d *trailing) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, d.fn)
}

func (d *trailing) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
}
