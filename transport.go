// Copyright 2017 someonegg. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package msgmux

import (
	"context"
	"net"
)

// Transport creates the connections an endpoint multiplexes.
//
// Every net.Conn a Transport hands out is shared by two goroutines: the
// connection's reader reads from it while the endpoint's writer writes to
// it. Implementations must support that split without extra locking.
type Transport interface {
	Listen(ctx context.Context, addr string) (net.Listener, error)
	Dial(ctx context.Context, addr Addr) (net.Conn, error)
}

type tcpTransport struct {
	lc net.ListenConfig
	d  net.Dialer
}

// TCP returns the plain TCP transport, the default one.
func TCP() Transport {
	return &tcpTransport{}
}

func (t *tcpTransport) Listen(ctx context.Context, addr string) (net.Listener, error) {
	return t.lc.Listen(ctx, "tcp", addr)
}

func (t *tcpTransport) Dial(ctx context.Context, addr Addr) (net.Conn, error) {
	return t.d.DialContext(ctx, "tcp", addr.String())
}
