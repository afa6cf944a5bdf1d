package segment

import (
	"log"
	"sync"

	"golang.org/x/sys/unix"
)

// cleanRequest is a (mappedRegion, path) message handed to the Cleaner.
type cleanRequest struct {
	data []byte
	path string
}

// Cleaner unmaps released mmap regions off the critical path of whatever
// goroutine released them, because unmapping is expensive on some
// platforms and must not happen on the thread doing a remap. It is a
// single-writer queue with at-least-once delivery: a duplicate clean of
// the same region is harmless because unix.Munmap on an already-unmapped
// region simply errors, which is logged and dropped.
type Cleaner struct {
	queue chan cleanRequest
	stop  chan struct{}

	mu      sync.Mutex
	started bool
	wg      sync.WaitGroup
}

// NewCleaner creates a Cleaner with the given pending-request queue depth.
func NewCleaner(queueDepth int) *Cleaner {
	return &Cleaner{
		queue: make(chan cleanRequest, queueDepth),
		stop:  make(chan struct{}),
	}
}

// Start launches the background worker goroutine. Calling Start more than
// once is a no-op, mirroring the non-blocking-semaphore idiom the teacher
// uses for its merge goroutine.
func (c *Cleaner) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true
	c.wg.Add(1)
	go c.run()
}

func (c *Cleaner) run() {
	defer c.wg.Done()
	for {
		select {
		case req := <-c.queue:
			c.unmap(req)
		case <-c.stop:
			c.drain()
			return
		}
	}
}

func (c *Cleaner) drain() {
	for {
		select {
		case req := <-c.queue:
			c.unmap(req)
		default:
			return
		}
	}
}

func (c *Cleaner) unmap(req cleanRequest) {
	if req.data == nil {
		return
	}
	if err := unix.Munmap(req.data); err != nil {
		log.Printf("buffer cleaner: unmap %q: %v", req.path, err)
	}
}

// Release hands a released mapped region to the cleaner. If the queue is
// full, it falls back to unmapping synchronously so the region is never
// leaked, trading the "off the critical path" guarantee for correctness
// under backpressure.
func (c *Cleaner) Release(data []byte, path string) {
	if data == nil {
		return
	}
	select {
	case c.queue <- cleanRequest{data: data, path: path}:
	default:
		c.unmap(cleanRequest{data: data, path: path})
	}
}

// Shutdown stops the worker after draining any queued requests. Calling
// Shutdown before Start, or more than once, is a no-op.
func (c *Cleaner) Shutdown() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	c.mu.Unlock()

	close(c.stop)
	c.wg.Wait()
}

// defaultCleaner is the process-wide Cleaner singleton file handles
// publish their released maps to, per the design note that calls for a
// singleton with explicit start/shutdown rather than ambient global state.
var defaultCleaner = NewCleaner(4096)

// StartCleaner starts the process-wide buffer cleaner. Safe to call
// multiple times.
func StartCleaner() { defaultCleaner.Start() }

// ShutdownCleaner stops the process-wide buffer cleaner, draining any
// pending unmap requests first.
func ShutdownCleaner() { defaultCleaner.Shutdown() }
