package actor

import (
	"container/heap"
	"sync"
	"time"
)

// TimerWheel is a single priority queue of wake-ups keyed by deadline.
// On fire it submits the callback to the entity's actor, so expiry handling
// is serialized with every other mutation of that entity. There is no
// per-task goroutine.
type TimerWheel struct {
	rt *Runtime

	mu        sync.Mutex
	entries   timerHeap
	cancelled map[string]bool
	kick      chan struct{}
	quit      chan struct{}
	once      sync.Once
}

type timerEntry struct {
	at       time.Time
	entityID string
	key      string
	fn       func()
	index    int
}

// NewTimerWheel creates a wheel that dispatches through rt.
func NewTimerWheel(rt *Runtime) *TimerWheel {
	tw := &TimerWheel{
		rt:        rt,
		cancelled: make(map[string]bool),
		kick:      make(chan struct{}, 1),
		quit:      make(chan struct{}),
	}
	go tw.loop()
	return tw
}

// Schedule arms a wake-up. key must be unique per logical timer (task id or
// escrow id); scheduling the same key again replaces the old timer.
func (tw *TimerWheel) Schedule(key, entityID string, at time.Time, fn func()) {
	tw.mu.Lock()
	delete(tw.cancelled, key)
	heap.Push(&tw.entries, &timerEntry{at: at, entityID: entityID, key: key, fn: fn})
	tw.mu.Unlock()

	select {
	case tw.kick <- struct{}{}:
	default:
	}
}

// Cancel disarms a timer. Firing after Cancel is a no-op; the callback must
// also be idempotent because a fire can already be in flight.
func (tw *TimerWheel) Cancel(key string) {
	tw.mu.Lock()
	tw.cancelled[key] = true
	tw.mu.Unlock()
}

// Stop terminates the dispatch loop.
func (tw *TimerWheel) Stop() {
	tw.once.Do(func() { close(tw.quit) })
}

func (tw *TimerWheel) loop() {
	for {
		tw.mu.Lock()
		var wait time.Duration
		if len(tw.entries) == 0 {
			wait = time.Hour
		} else {
			wait = time.Until(tw.entries[0].at)
		}
		tw.mu.Unlock()

		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-tw.kick:
				timer.Stop()
				continue
			case <-tw.quit:
				timer.Stop()
				return
			}
		}

		tw.fireDue()
	}
}

func (tw *TimerWheel) fireDue() {
	now := time.Now()
	for {
		tw.mu.Lock()
		if len(tw.entries) == 0 || tw.entries[0].at.After(now) {
			tw.mu.Unlock()
			return
		}
		e := heap.Pop(&tw.entries).(*timerEntry)
		skip := tw.cancelled[e.key]
		delete(tw.cancelled, e.key)
		tw.mu.Unlock()

		if skip {
			continue
		}
		// Dispatch through the actor so the wake-up re-checks state under
		// the same serialization as every other transition.
		_ = tw.rt.Submit(e.entityID, e.fn)
	}
}

// timerHeap implements container/heap ordered by deadline.
type timerHeap []*timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x interface{}) { *h = append(*h, x.(*timerEntry)) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
