package main

import (
	"context"
	"sync"
)

type eventKind uint8

const (
	eventStatus eventKind = iota
	eventRange
	eventAutoTrigger
	eventFinished
)

// captureEvent is posted by the capture side and handled on the control
// goroutine. Every event is tagged with the session it belongs to.
type captureEvent struct {
	kind    eventKind
	session uint64
	state   triggerState
	from    uint64
	to      uint64
}

// eventQueue is an unbounded FIFO between the capture worker and the
// control goroutine. push never blocks, so the control side may join the
// worker while events are still queued.
type eventQueue struct {
	mu     sync.Mutex
	items  []captureEvent
	notify chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{notify: make(chan struct{}, 1)}
}

func (q *eventQueue) push(ev captureEvent) {
	q.mu.Lock()
	q.items = append(q.items, ev)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// drain removes and returns everything queued, in push order.
func (q *eventQueue) drain() []captureEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// next blocks until at least one event is queued or ctx is done.
func (q *eventQueue) next(ctx context.Context) ([]captureEvent, error) {
	for {
		if items := q.drain(); len(items) > 0 {
			return items, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		}
	}
}
