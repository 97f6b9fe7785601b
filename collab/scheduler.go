package collab

import (
	"sync"
	"time"
)

// scheduler primitives used by the engine instead of ad hoc timer closures.
// both are safe for concurrent use and idempotent to cancel.

// Throttle coalesces calls within a window and fires once on the trailing
// edge. Triggers during an open window do not extend it.
type Throttle struct {
	window time.Duration
	fn     func()

	mutex   sync.Mutex
	timer   *time.Timer
	stopped bool
}

func NewThrottle(window time.Duration, fn func()) *Throttle {
	return &Throttle{
		window: window,
		fn:     fn,
	}
}

func (self *Throttle) Trigger() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.stopped || self.timer != nil {
		return
	}
	self.timer = time.AfterFunc(self.window, self.fire)
}

func (self *Throttle) fire() {
	self.mutex.Lock()
	if self.stopped {
		self.mutex.Unlock()
		return
	}
	self.timer = nil
	self.mutex.Unlock()

	self.fn()
}

// Flush runs a pending call immediately, or does nothing if none is pending.
func (self *Throttle) Flush() {
	self.mutex.Lock()
	if self.stopped || self.timer == nil {
		self.mutex.Unlock()
		return
	}
	self.timer.Stop()
	self.timer = nil
	self.mutex.Unlock()

	self.fn()
}

// Cancel drops any pending call and prevents all future fires.
func (self *Throttle) Cancel() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.stopped = true
	if self.timer != nil {
		self.timer.Stop()
		self.timer = nil
	}
}

// TickCoalescer coalesces a burst of bumps to one evaluation per tick,
// the animation-frame equivalent, and additionally enforces a minimum gap
// between successive evaluations regardless of bump volume.
type TickCoalescer struct {
	tick   time.Duration
	minGap time.Duration
	fn     func()

	mutex   sync.Mutex
	timer   *time.Timer
	lastRun time.Time
	stopped bool
}

func NewTickCoalescer(tick time.Duration, minGap time.Duration, fn func()) *TickCoalescer {
	return &TickCoalescer{
		tick:   tick,
		minGap: minGap,
		fn:     fn,
	}
}

func (self *TickCoalescer) Bump() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.stopped || self.timer != nil {
		return
	}
	delay := self.tick
	if gapEnd := self.lastRun.Add(self.minGap); time.Now().Add(delay).Before(gapEnd) {
		delay = time.Until(gapEnd)
	}
	self.timer = time.AfterFunc(delay, self.run)
}

func (self *TickCoalescer) run() {
	self.mutex.Lock()
	if self.stopped {
		self.mutex.Unlock()
		return
	}
	self.timer = nil
	self.lastRun = time.Now()
	self.mutex.Unlock()

	self.fn()
}

func (self *TickCoalescer) Cancel() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.stopped = true
	if self.timer != nil {
		self.timer.Stop()
		self.timer = nil
	}
}
