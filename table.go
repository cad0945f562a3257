// Copyright 2017 someonegg. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package msgmux

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"go.uber.org/multierr"
)

// streamTable maps peer addresses to their connection.
//
// The mutex only guards the map. Dialing happens outside of it and races
// are resolved with insertIfAbsent. Connections leaving the table are
// closed after the mutex is released.
type streamTable struct {
	mu      sync.Mutex
	lru     *simplelru.LRU[Addr, *conn]
	leaving []*conn

	evictions int64
}

// newStreamTable creates a table holding at most maxConns connections,
// the least recently used one is evicted on overflow. maxConns <= 0 means
// unbounded.
func newStreamTable(maxConns int) *streamTable {
	size := maxConns
	if size <= 0 {
		size = math.MaxInt32
	}
	t := &streamTable{}
	t.lru, _ = simplelru.NewLRU[Addr, *conn](size, t.onLeave)
	return t
}

func (t *streamTable) onLeave(_ Addr, c *conn) {
	t.leaving = append(t.leaving, c)
}

// unlock releases the mutex and closes the connections that left the table.
func (t *streamTable) unlock() error {
	leaving := t.leaving
	t.leaving = nil
	t.mu.Unlock()

	var err error
	for _, c := range leaving {
		err = multierr.Append(err, c.close())
	}
	return err
}

// lookup returns the live connection to addr and marks it used at now, so
// the idle sweep cannot take it between lookup and the write.
func (t *streamTable) lookup(addr Addr, now time.Time) (*conn, bool) {
	t.mu.Lock()
	defer t.unlock()

	c, ok := t.lru.Get(addr)
	if !ok {
		return nil, false
	}
	if c.closed() {
		t.lru.Remove(addr)
		return nil, false
	}
	c.touch(now)
	return c, true
}

// insertIfAbsent stores c unless a live connection to addr exists. It
// returns the connection that is in the table afterwards.
func (t *streamTable) insertIfAbsent(addr Addr, c *conn) (*conn, bool) {
	t.mu.Lock()
	defer t.unlock()

	if old, ok := t.lru.Get(addr); ok && !old.closed() {
		return old, false
	}
	if t.lru.Add(addr, c) {
		atomic.AddInt64(&t.evictions, 1)
	}
	return c, true
}

// remove deletes addr only if it still maps to c.
func (t *streamTable) remove(addr Addr, c *conn) bool {
	t.mu.Lock()
	defer t.unlock()

	cur, ok := t.lru.Peek(addr)
	if !ok || cur != c {
		return false
	}
	return t.lru.Remove(addr)
}

// evictIdle removes the connections unused since deadline.
func (t *streamTable) evictIdle(deadline time.Time) int {
	t.mu.Lock()
	defer t.unlock()

	n := 0
	for _, addr := range t.lru.Keys() {
		c, ok := t.lru.Peek(addr)
		if ok && c.idleSince(deadline) {
			t.lru.Remove(addr)
			n++
		}
	}
	atomic.AddInt64(&t.evictions, int64(n))
	return n
}

func (t *streamTable) closeAll() error {
	t.mu.Lock()
	t.lru.Purge()
	return t.unlock()
}

func (t *streamTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lru.Len()
}

func (t *streamTable) snapshot() []Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lru.Keys()
}

func (t *streamTable) evicted() int64 {
	return atomic.LoadInt64(&t.evictions)
}
