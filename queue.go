// Copyright 2017 someonegg. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package msgmux

import (
	"errors"
	"sync"
)

var errQueueFull = errors.New("msgmux: write queue is full")

// writeQueue is the FIFO between the senders and the writer.
//
// limit only applies to pushes that can wait (Output, Post). Send pushes
// past it, so the queue grows as long as the writer is behind.
type writeQueue[T any] struct {
	mu     sync.Mutex
	items  []msgEntry[T]
	limit  int
	closed bool

	// signaled after push and pop, capacity 1
	readyC chan struct{}
	spaceC chan struct{}
}

func newWriteQueue[T any](limit int) *writeQueue[T] {
	if limit < 1 {
		limit = 1
	}
	return &writeQueue[T]{
		limit:  limit,
		readyC: make(chan struct{}, 1),
		spaceC: make(chan struct{}, 1),
	}
}

func notify(c chan struct{}) {
	select {
	case c <- struct{}{}:
	default:
	}
}

// push appends e. A full queue refuses e unless force is set, a closed
// queue refuses everything.
func (q *writeQueue[T]) push(e msgEntry[T], force bool) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrSendClosed
	}
	if !force && len(q.items) >= q.limit {
		q.mu.Unlock()
		return errQueueFull
	}
	q.items = append(q.items, e)
	q.mu.Unlock()

	notify(q.readyC)
	return nil
}

func (q *writeQueue[T]) pop() (msgEntry[T], bool) {
	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return msgEntry[T]{}, false
	}
	e := q.items[0]
	q.items[0] = msgEntry[T]{}
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	q.mu.Unlock()

	notify(q.spaceC)
	return e, true
}

// close refuses further pushes. Queued entries can still be popped.
func (q *writeQueue[T]) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

func (q *writeQueue[T]) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
