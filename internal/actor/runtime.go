// Package actor implements the per-entity serialization model: every
// Agent, Wallet, Escrow, Task, and RateLimitBucket has exactly one logical
// owner, and all mutations to one entity id run strictly one at a time in
// arrival order. A hash of the id selects a worker; each entity gets a
// bounded mailbox drained by that worker.
package actor

import (
	"context"
	"errors"
	"hash/fnv"
	"log"
	"runtime"
	"sync"
	"time"
)

var (
	// ErrShuttingDown is returned for submissions after Shutdown began.
	ErrShuttingDown = errors.New("actor runtime shutting down")
	// ErrMailboxFull is returned when an entity's inbox is saturated.
	ErrMailboxFull = errors.New("actor mailbox full")
)

const defaultMailboxSize = 64

// Runtime owns the shared worker pool.
type Runtime struct {
	shards []*shard
	logger *log.Logger

	mu       sync.Mutex
	draining bool
	wg       sync.WaitGroup
}

// shard serializes all entities that hash onto it. Entities on the same
// shard still get independent mailboxes so a slow actor cannot starve an
// unrelated one; the shard goroutine only multiplexes wake-ups.
type shard struct {
	mu        sync.Mutex
	mailboxes map[string]*mailbox
	wake      chan string
	quit      chan struct{}
}

type mailbox struct {
	queue   chan func()
	running bool
}

// NewRuntime creates a runtime with n workers. n <= 0 selects GOMAXPROCS.
func NewRuntime(n int) *Runtime {
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}
	rt := &Runtime{
		shards: make([]*shard, n),
		logger: log.New(log.Writer(), "[Actors] ", log.LstdFlags),
	}
	for i := range rt.shards {
		s := &shard{
			mailboxes: make(map[string]*mailbox),
			wake:      make(chan string, 1024),
			quit:      make(chan struct{}),
		}
		rt.shards[i] = s
		rt.wg.Add(1)
		go rt.runShard(s)
	}
	return rt
}

func (rt *Runtime) shardFor(entityID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(entityID))
	return rt.shards[int(h.Sum32())%len(rt.shards)]
}

// Submit enqueues fn on the actor for entityID and returns immediately.
func (rt *Runtime) Submit(entityID string, fn func()) error {
	rt.mu.Lock()
	if rt.draining {
		rt.mu.Unlock()
		return ErrShuttingDown
	}
	rt.mu.Unlock()

	s := rt.shardFor(entityID)
	s.mu.Lock()
	mb, ok := s.mailboxes[entityID]
	if !ok {
		mb = &mailbox{queue: make(chan func(), defaultMailboxSize)}
		s.mailboxes[entityID] = mb
	}
	s.mu.Unlock()

	select {
	case mb.queue <- fn:
	default:
		return ErrMailboxFull
	}

	select {
	case s.wake <- entityID:
	default:
		// A wake-up is already pending; the drain loop will find the work.
	}
	return nil
}

// Do runs fn on the actor for entityID and waits for it to finish. The
// context bounds only the wait, not fn itself: once started, fn runs to
// completion so entity state is never left half-mutated.
func (rt *Runtime) Do(ctx context.Context, entityID string, fn func()) error {
	done := make(chan struct{})
	if err := rt.Submit(entityID, func() {
		defer close(done)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (rt *Runtime) runShard(s *shard) {
	defer rt.wg.Done()
	for {
		select {
		case id := <-s.wake:
			rt.drain(s, id)
		case <-s.quit:
			// Final sweep so queued work is not dropped on shutdown.
			s.mu.Lock()
			ids := make([]string, 0, len(s.mailboxes))
			for id := range s.mailboxes {
				ids = append(ids, id)
			}
			s.mu.Unlock()
			for _, id := range ids {
				rt.drain(s, id)
			}
			return
		}
	}
}

// drain runs every queued fn for one entity in FIFO order.
func (rt *Runtime) drain(s *shard, id string) {
	s.mu.Lock()
	mb, ok := s.mailboxes[id]
	if !ok || mb.running {
		s.mu.Unlock()
		return
	}
	mb.running = true
	s.mu.Unlock()

	for {
		select {
		case fn := <-mb.queue:
			rt.safeRun(id, fn)
		default:
			s.mu.Lock()
			mb.running = false
			if len(mb.queue) == 0 {
				delete(s.mailboxes, id)
			}
			s.mu.Unlock()
			return
		}
	}
}

// safeRun isolates a panicking actor so one bad entity cannot take the
// shard down. The supervisor replays the log tail to restore its state.
func (rt *Runtime) safeRun(id string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			rt.logger.Printf("actor %s panicked: %v", id, r)
		}
	}()
	fn()
}

// Shutdown stops accepting work and waits for in-flight actors up to the
// deadline.
func (rt *Runtime) Shutdown(deadline time.Duration) {
	rt.mu.Lock()
	if rt.draining {
		rt.mu.Unlock()
		return
	}
	rt.draining = true
	rt.mu.Unlock()

	for _, s := range rt.shards {
		close(s.quit)
	}

	done := make(chan struct{})
	go func() {
		rt.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(deadline):
		rt.logger.Printf("shutdown deadline elapsed with actors still running")
	}
}
