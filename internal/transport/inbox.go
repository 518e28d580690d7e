package transport

import (
	"context"
	"sync"

	"github.com/emirpasic/gods/queues/linkedlistqueue"
)

// inbox is an unbounded queue of frames drained by one goroutine. Senders
// never block on a slow handler, so two nodes sending to each other cannot
// deadlock.
type inbox struct {
	handler Handler

	mu     sync.Mutex
	cond   *sync.Cond
	queue  *linkedlistqueue.Queue
	closed bool
	done   chan struct{}
}

func newInbox(h Handler) *inbox {
	in := &inbox{
		handler: h,
		queue:   linkedlistqueue.New(),
		done:    make(chan struct{}),
	}
	in.cond = sync.NewCond(&in.mu)
	go in.run()
	return in
}

func (in *inbox) push(frame []byte) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.closed {
		return ErrClosed
	}
	in.queue.Enqueue(frame)
	in.cond.Signal()
	return nil
}

func (in *inbox) run() {
	defer close(in.done)

	ctx := context.Background()
	for {
		in.mu.Lock()
		for in.queue.Empty() && !in.closed {
			in.cond.Wait()
		}
		if in.closed {
			in.mu.Unlock()
			return
		}
		v, _ := in.queue.Dequeue()
		in.mu.Unlock()

		in.handler.Handle(ctx, v.([]byte))
	}
}

// close discards the queued frames and waits for the frame being handled.
func (in *inbox) close() {
	in.mu.Lock()
	if !in.closed {
		in.closed = true
		in.queue.Clear()
		in.cond.Broadcast()
	}
	in.mu.Unlock()

	<-in.done
}
