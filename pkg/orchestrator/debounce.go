package orchestrator

import (
	"sync"
	"time"
)

// DefaultDebounce is how long the session waits for inputs to settle before
// it starts an operation.
const DefaultDebounce = 300 * time.Millisecond

// call is one invocation of the debounced function.
type call struct {
	done chan struct{}
	err  error
}

// Debouncer coalesces bursts of triggers into a single call of fn, made
// delay after the last trigger.
type Debouncer struct {
	delay time.Duration
	fn    func() error

	mu      sync.Mutex
	timer   *time.Timer
	gen     uint64
	running *call
	stopped bool
}

// NewDebouncer creates a debouncer. A non-positive delay selects DefaultDebounce.
func NewDebouncer(delay time.Duration, fn func() error) *Debouncer {
	if delay <= 0 {
		delay = DefaultDebounce
	}
	return &Debouncer{delay: delay, fn: fn}
}

// Trigger (re)starts the delay.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.timer = time.AfterFunc(d.delay, func() { d.fire(gen) })
}

func (d *Debouncer) fire(gen uint64) {
	d.mu.Lock()
	if d.stopped || gen != d.gen || d.timer == nil {
		d.mu.Unlock()
		return
	}
	d.timer = nil
	c := d.startLocked()
	d.mu.Unlock()
	d.run(c)
}

// startLocked registers a new call as the running one. The timer slot and
// the running slot change under the same lock, so a caller never observes
// a call that is neither pending nor running.
func (d *Debouncer) startLocked() *call {
	c := &call{done: make(chan struct{})}
	d.running = c
	return c
}

func (d *Debouncer) run(c *call) {
	c.err = d.fn()
	close(c.done)

	d.mu.Lock()
	if d.running == c {
		d.running = nil
	}
	d.mu.Unlock()
}

// Pending reports whether a call is scheduled.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}

// Flush runs the pending call now, on the caller's goroutine, and returns
// its error. With nothing pending it waits for the most recent call still
// running, if any. It reports whether a call was run or awaited.
func (d *Debouncer) Flush() (bool, error) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return false, nil
	}
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
		d.gen++
		c := d.startLocked()
		d.mu.Unlock()
		d.run(c)
		return true, c.err
	}
	c := d.running
	d.mu.Unlock()

	if c == nil {
		return false, nil
	}
	<-c.done
	return true, c.err
}

// Stop cancels any pending call. Later triggers are ignored.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
