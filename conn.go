// Copyright 2017 someonegg. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package msgmux

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/someonegg/gox/syncx"
)

// conn is one multiplexed connection. Its reader goroutine owns the read
// half of frw, the endpoint's writer owns the write half.
type conn struct {
	addr    Addr
	nc      net.Conn
	frw     FrameReadWriter
	inbound bool

	lastUsed atomic.Int64

	closeOnce sync.Once
	closeD    syncx.DoneChan
}

func newConn(addr Addr, nc net.Conn, frw FrameReadWriter, inbound bool, now time.Time) *conn {
	c := &conn{
		addr:    addr,
		nc:      nc,
		frw:     frw,
		inbound: inbound,
		closeD:  syncx.NewDoneChan(),
	}
	c.touch(now)
	return c
}

func (c *conn) touch(now time.Time) {
	c.lastUsed.Store(now.UnixNano())
}

func (c *conn) idleSince(t time.Time) bool {
	return c.lastUsed.Load() < t.UnixNano()
}

// close may be called from either side, any number of times.
func (c *conn) close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.nc.Close()
		c.closeD.SetDone()
	})
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

func (c *conn) closed() bool {
	return c.closeD.R().Done()
}
