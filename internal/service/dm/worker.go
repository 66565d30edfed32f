package dm

import (
	"context"
	"sync"
)

// worker serializes every mutation of one conversation's log on a single goroutine.
type worker struct {
	ops      chan func()
	done     chan struct{}
	exited   chan struct{}
	stopOnce sync.Once
}

func newWorker(buffer int) *worker {
	w := &worker{
		ops:    make(chan func(), buffer),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *worker) run() {
	defer close(w.exited)
	for {
		select {
		case op := <-w.ops:
			op()
		case <-w.done:
			return
		}
	}
}

// do runs fn on the worker and waits for it. ctx only bounds the wait for a queue
// slot: once queued fn will run, so do waits for it to finish.
func (w *worker) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	op := func() {
		defer close(finished)
		fn()
	}

	select {
	case w.ops <- op:
	case <-w.done:
		return errWorkerStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-finished:
		return nil
	case <-w.done:
		<-w.exited
		select {
		case <-finished:
			return nil
		default:
			return errWorkerStopped
		}
	}
}

// post queues fn without waiting. It is dropped once the worker stopped.
func (w *worker) post(fn func()) {
	select {
	case w.ops <- fn:
	case <-w.done:
	}
}

func (w *worker) stop() {
	w.stopOnce.Do(func() { close(w.done) })
	<-w.exited
}
