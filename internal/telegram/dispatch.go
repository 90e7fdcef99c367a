package telegram

import (
	"context"
	"sync"

	"github.com/opsdesk/opsbot/internal/flow"
)

// Handler processes one event.
type Handler func(ctx context.Context, ev flow.Event)

// Dispatcher runs events of one chat strictly in arrival order while
// letting different chats proceed in parallel. A chat's worker exits once
// its queue is drained.
type Dispatcher struct {
	handle Handler

	mu     sync.Mutex
	queues map[int64][]queued
	wg     sync.WaitGroup
}

type queued struct {
	ctx context.Context
	ev  flow.Event
}

// NewDispatcher creates a Dispatcher that feeds handle.
func NewDispatcher(handle Handler) *Dispatcher {
	return &Dispatcher{handle: handle, queues: make(map[int64][]queued)}
}

// Submit queues ev behind earlier events of the same chat. ctx is the
// context ev will be handled with.
func (d *Dispatcher) Submit(ctx context.Context, ev flow.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	queue, running := d.queues[ev.ChatID]
	d.queues[ev.ChatID] = append(queue, queued{ctx: ctx, ev: ev})
	if running {
		return
	}
	d.wg.Add(1)
	go d.drain(ev.ChatID)
}

func (d *Dispatcher) drain(chatID int64) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		queue := d.queues[chatID]
		if len(queue) == 0 {
			delete(d.queues, chatID)
			d.mu.Unlock()
			return
		}
		next := queue[0]
		d.queues[chatID] = queue[1:]
		d.mu.Unlock()

		// Events queued behind a shutdown are dropped.
		if next.ctx.Err() != nil {
			continue
		}
		d.handle(next.ctx, next.ev)
	}
}

// Active returns the number of chats with a running worker.
func (d *Dispatcher) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queues)
}

// Wait blocks until every worker has exited.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
