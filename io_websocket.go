// Copyright 2017 someonegg. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package msgmux

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/someonegg/gox/syncx"
)

var (
	errWebsocketMessageType = errors.New("websocket io: need binary message")
)

// WebsocketConn interface, see https://godoc.org/github.com/gorilla/websocket/#Conn
//
// gorilla/websocket supports one concurrent reader and one concurrent
// writer, which is exactly how an endpoint uses its connections.
type WebsocketConn interface {
	NextReader() (messageType int, r io.Reader, err error)
	WriteMessage(messageType int, data []byte) error
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	io.Closer
}

// WebsocketNetConn converts a WebsocketConn to a net.Conn.
//
// The byte stream is carried in binary messages, every Write produces one
// message and Read concatenates the messages in order.
func WebsocketNetConn(c WebsocketConn) net.Conn {
	return &websocketConn{c: c}
}

type websocketConn struct {
	c WebsocketConn
	r io.Reader
}

func (wc *websocketConn) Read(p []byte) (int, error) {
	for {
		if wc.r == nil {
			mt, r, err := wc.c.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if mt != websocket.BinaryMessage {
				return 0, errWebsocketMessageType
			}
			wc.r = r
		}

		n, err := wc.r.Read(p)
		if err == io.EOF {
			wc.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (wc *websocketConn) Write(p []byte) (int, error) {
	err := wc.c.WriteMessage(websocket.BinaryMessage, p)
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

func (wc *websocketConn) Close() error         { return wc.c.Close() }
func (wc *websocketConn) LocalAddr() net.Addr  { return wc.c.LocalAddr() }
func (wc *websocketConn) RemoteAddr() net.Addr { return wc.c.RemoteAddr() }

func (wc *websocketConn) SetDeadline(t time.Time) error {
	if err := wc.c.SetReadDeadline(t); err != nil {
		return err
	}
	return wc.c.SetWriteDeadline(t)
}

func (wc *websocketConn) SetReadDeadline(t time.Time) error  { return wc.c.SetReadDeadline(t) }
func (wc *websocketConn) SetWriteDeadline(t time.Time) error { return wc.c.SetWriteDeadline(t) }

type websocketTransport struct {
	path     string
	upgrader websocket.Upgrader
	dialer   *websocket.Dialer
}

// WebSocket returns a transport carrying the frame stream over WebSocket
// connections. The listener serves upgrade requests on path, the dialer
// connects to ws://addr/path.
func WebSocket(path string) Transport {
	if path == "" || path[0] != '/' {
		path = "/" + path
	}
	return &websocketTransport{
		path:   path,
		dialer: websocket.DefaultDialer,
	}
}

func (t *websocketTransport) Listen(ctx context.Context, addr string) (net.Listener, error) {
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	wl := &websocketListener{
		l:        l,
		upgrader: &t.upgrader,
		connC:    make(chan net.Conn),
		closeD:   syncx.NewDoneChan(),
	}
	mux := http.NewServeMux()
	mux.Handle(t.path, wl)
	wl.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go wl.srv.Serve(l)

	return wl, nil
}

func (t *websocketTransport) Dial(ctx context.Context, addr Addr) (net.Conn, error) {
	c, _, err := t.dialer.DialContext(ctx, "ws://"+addr.String()+t.path, nil)
	if err != nil {
		return nil, err
	}
	return WebsocketNetConn(c), nil
}

type websocketListener struct {
	l        net.Listener
	srv      *http.Server
	upgrader *websocket.Upgrader
	connC    chan net.Conn

	closeOnce sync.Once
	closeD    syncx.DoneChan
}

func (wl *websocketListener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := wl.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has replied to the client.
		return
	}

	select {
	case wl.connC <- WebsocketNetConn(c):
	case <-wl.closeD:
		c.Close()
	}
}

func (wl *websocketListener) Accept() (net.Conn, error) {
	select {
	case c := <-wl.connC:
		return c, nil
	case <-wl.closeD:
		return nil, net.ErrClosed
	}
}

func (wl *websocketListener) Close() error {
	var err error
	wl.closeOnce.Do(func() {
		wl.closeD.SetDone()
		err = wl.srv.Close()
	})
	return err
}

func (wl *websocketListener) Addr() net.Addr {
	return wl.l.Addr()
}
