// Copyright 2017 someonegg. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package msgmux

import (
	"net"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

func (ep *Endpoint[T]) accepting() {
	defer ep.aD.SetDone()

	var tempDelay time.Duration
	for {
		nc, err := ep.ln.Accept()
		if err != nil {
			select {
			case <-ep.quitD:
				return
			default:
			}

			if ne, ok := err.(net.Error); ok && ne.Temporary() { //nolint:staticcheck
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if max := 1 * time.Second; tempDelay > max {
					tempDelay = max
				}
				ep.log.Warn("accept failed, retrying", zap.Error(err), zap.Duration("delay", tempDelay))
				time.Sleep(tempDelay)
				continue
			}

			ep.aerr = err
			ep.log.Error("accept failed", zap.Error(err))
			return
		}
		tempDelay = 0

		ep.register(nc)
	}
}

// register keys an inbound connection by its observed remote address.
func (ep *Endpoint[T]) register(nc net.Conn) {
	addr, err := addrOf(nc.RemoteAddr())
	if err != nil {
		ep.log.Debug("inbound connection without address", zap.Error(err))
		nc.Close()
		return
	}

	c := ep.newConn(addr, nc, true)
	if _, inserted := ep.table.insertIfAbsent(addr, c); !inserted {
		c.close()
		return
	}

	atomic.AddInt64(&ep.stat.AcceptedCount, 1)
	ep.log.Debug("connection accepted", zap.Stringer("peer", addr))
	ep.startReader(c)
}
