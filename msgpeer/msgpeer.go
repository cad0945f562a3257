// Copyright 2019 someonegg. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package msgpeer

import (
	"context"
	"sync"

	"github.com/someonegg/gox/syncx"

	"github.com/someonegg/msgmux"
)

type Request = []byte
type Response = []byte
type Notify = []byte

type ResponseWriter func(ctx context.Context, resp Response) error

// Handler is the request processor.
//
// Handler should return as soon as possible, it is valid to read the
// message or use the ResponseWriter after returning. Calling Do from the
// Handler needs AsyncHandler, otherwise the response can never arrive.
type Handler interface {
	Process(ctx context.Context, from msgmux.Addr, t string, r Request, w ResponseWriter)
	// notify message
	OnNotify(ctx context.Context, from msgmux.Addr, t string, n Notify)
}

const (
	kindRequest  = 'R'
	kindResponse = 'P'
	kindNotify   = 'N'
)

// packet is the message exchanged by peers.
type packet struct {
	Kind byte
	Type string
	ID   uint32
	Body []byte
}

// Peer sends requests and notifies to other peers and serves theirs.
type Peer struct {
	ep *msgmux.Endpoint[packet]
	h  Handler

	locker sync.Mutex
	nrid   uint32
	resps  map[uint32]chan Response
}

// Listen starts a peer on addr. The codec option must be able to encode
// plain structs, so Proto does not work here.
func Listen(ctx context.Context, addr string, h Handler, opts ...msgmux.Option) (*Peer, error) {
	ep, err := msgmux.Listen[packet](ctx, addr, opts...)
	if err != nil {
		return nil, err
	}

	p := &Peer{
		ep:    ep,
		h:     h,
		resps: make(map[uint32]chan Response),
	}
	go p.dispatching()
	return p, nil
}

func (p *Peer) Addr() msgmux.Addr {
	return p.ep.Addr()
}

func (p *Peer) Peers() []msgmux.Addr {
	return p.ep.Peers()
}

func (p *Peer) StopD() syncx.DoneChanR {
	return p.ep.StopD()
}

func (p *Peer) Stop() {
	p.ep.Stop()
}

func (p *Peer) Close() error {
	return p.ep.Close()
}

func (p *Peer) Statistics() msgmux.Statistics {
	return p.ep.Statistics()
}

// Do will send the request and wait for a response.
func (p *Peer) Do(ctx context.Context, to msgmux.Addr, t string, r Request) (Response, error) {
	respC := make(chan Response, 1)

	p.locker.Lock()
	rid := p.nrid
	p.nrid += 1
	p.resps[rid] = respC
	p.locker.Unlock()

	defer func() {
		p.locker.Lock()
		delete(p.resps, rid)
		p.locker.Unlock()
	}()

	err := p.ep.Post(ctx, to, packet{Kind: kindRequest, Type: t, ID: rid, Body: r})
	if err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.ep.StopD():
		return nil, msgmux.ErrStopped
	case resp := <-respC:
		return resp, nil
	}
}

// Notify will post the notify.
func (p *Peer) Notify(ctx context.Context, to msgmux.Addr, t string, n Notify) error {
	return p.ep.Post(ctx, to, packet{Kind: kindNotify, Type: t, Body: n})
}

func (p *Peer) dispatching() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		e, err := p.ep.Recv(ctx)
		if err != nil {
			return
		}
		p.process(ctx, e.Addr, e.Msg)
	}
}

func (p *Peer) process(ctx context.Context, from msgmux.Addr, pk packet) {
	switch pk.Kind {
	case kindRequest:
		t, rid := pk.Type, pk.ID
		p.h.Process(ctx, from, t, pk.Body,
			func(ctx context.Context, resp Response) error {
				return p.ep.Post(ctx, from, packet{Kind: kindResponse, Type: t, ID: rid, Body: resp})
			})
	case kindResponse:
		p.locker.Lock()
		respC := p.resps[pk.ID]
		if respC != nil {
			select {
			case respC <- pk.Body:
			default:
			}
			delete(p.resps, pk.ID)
		}
		p.locker.Unlock()
	case kindNotify:
		p.h.OnNotify(ctx, from, pk.Type, pk.Body)
	}
}
