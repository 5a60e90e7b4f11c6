package auction

import (
	"log"
	"sync"
)

// reactor runs posted events one at a time on a single goroutine. Every
// auction state mutation happens inside an event, so node state needs no
// locking. Posting never blocks.
type reactor struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func()
	stopped bool
	exited  chan struct{}

	// inline serializes exec calls that run after the loop has exited.
	inline sync.Mutex
}

func newReactor() *reactor {
	r := &reactor{exited: make(chan struct{})}
	r.cond = sync.NewCond(&r.mu)
	go r.run()
	return r
}

func (r *reactor) run() {
	defer close(r.exited)
	for {
		r.mu.Lock()
		for len(r.queue) == 0 && !r.stopped {
			r.cond.Wait()
		}
		if len(r.queue) == 0 {
			r.mu.Unlock()
			return
		}
		fn := r.queue[0]
		r.queue[0] = nil
		r.queue = r.queue[1:]
		r.mu.Unlock()

		r.invoke(fn)
	}
}

func (r *reactor) invoke(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("ERROR: Panic recovered in auction event: %v", rec)
		}
	}()
	fn()
}

// post queues fn. It returns false, dropping fn, once the reactor has been
// stopped.
func (r *reactor) post(fn func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return false
	}
	r.queue = append(r.queue, fn)
	r.cond.Signal()
	return true
}

// exec runs fn on the event loop and waits for it. After the loop has
// exited fn runs on the calling goroutine instead, one call at a time.
func (r *reactor) exec(fn func()) {
	done := make(chan struct{})
	if r.post(func() {
		defer close(done)
		fn()
	}) {
		<-done
		return
	}
	<-r.exited
	r.inline.Lock()
	defer r.inline.Unlock()
	fn()
}

// stop makes post drop new events. Events already queued still run, then
// the loop exits.
func (r *reactor) stop() {
	r.mu.Lock()
	r.stopped = true
	r.cond.Broadcast()
	r.mu.Unlock()
}
