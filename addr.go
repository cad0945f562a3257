// Copyright 2017 someonegg. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package msgmux

import (
	"fmt"
	"net"
	"net/netip"
)

// Addr identifies a peer, it is both the routing destination and the key
// of the connection table.
type Addr = netip.AddrPort

// ParseAddr parses "ip:port", or resolves "host:port", into an Addr.
func ParseAddr(s string) (Addr, error) {
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return normalizeAddr(ap), nil
	}

	ta, err := net.ResolveTCPAddr("tcp", s)
	if err != nil {
		return Addr{}, fmt.Errorf("msgmux: resolve %q: %w", s, err)
	}
	ap := ta.AddrPort()
	if !ap.Addr().IsValid() {
		return Addr{}, fmt.Errorf("msgmux: address %q has no host", s)
	}
	return normalizeAddr(ap), nil
}

// MustParseAddr is like ParseAddr but panics on error.
func MustParseAddr(s string) Addr {
	a, err := ParseAddr(s)
	if err != nil {
		panic(err)
	}
	return a
}

// IPv4 peers may show up as ::ffff:a.b.c.d on dual-stack sockets.
func normalizeAddr(ap netip.AddrPort) Addr {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

func addrOf(a net.Addr) (Addr, error) {
	if ta, ok := a.(*net.TCPAddr); ok {
		return normalizeAddr(ta.AddrPort()), nil
	}
	return ParseAddr(a.String())
}
