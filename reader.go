// Copyright 2017 someonegg. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package msgmux

import (
	"fmt"
	"sync/atomic"
)

func (ep *Endpoint[T]) startReader(c *conn) {
	ep.readers.Add(1)
	go ep.reading(c)
}

// reading delivers the messages of c until c fails, the receiver is
// closed or the endpoint stops. A failing connection is dropped, other
// connections are not affected.
func (ep *Endpoint[T]) reading(c *conn) {
	defer ep.readers.Done()

	var rerr error
	defer func() {
		if e := recover(); e != nil {
			ep.logPanic(e)
			rerr = panicError(e)
		}

		if rerr != nil {
			ep.dropConn(c, rerr)
		}
	}()

	for q := false; !q; {
		m := ep.readMessage(c)
		q = !ep.deliver(Envelope[T]{Addr: c.addr, Msg: m})
	}
}

func (ep *Endpoint[T]) readMessage(c *conn) T {
	f, err := c.frw.ReadFrame()
	if err != nil {
		panic(legalPanic{err})
	}
	atomic.AddInt64(&ep.stat.ReadedCount, 1)
	atomic.AddInt64(&ep.stat.ReadedBytes, int64(len(f)))
	c.touch(ep.clock.Now())

	var m T
	err = ep.codec.Unmarshal(f, &m)
	if err != nil {
		atomic.AddInt64(&ep.stat.DecodeErrors, 1)
		panic(legalPanic{fmt.Errorf("msgmux: decode frame: %w", err)})
	}
	return m
}

func (ep *Endpoint[T]) deliver(e Envelope[T]) bool {
	select {
	case ep.inQ <- e:
		return true
	case <-ep.recvD:
		return false
	case <-ep.quitD:
		return false
	}
}
