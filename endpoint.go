// Copyright 2017 someonegg. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package msgmux

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/someonegg/gox/syncx"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/someonegg/msgmux/codec"
)

// Envelope is a message together with its peer: the source for received
// messages, the destination for sent ones.
type Envelope[T any] struct {
	Addr Addr
	Msg  T
}

type Statistics struct {
	// from connections
	ReadedCount  int64
	ReadedBytes  int64
	DecodeErrors int64

	// to connections
	WrittenCount int64
	WrittenBytes int64
	WriteErrors  int64

	// Output call
	OutputCount  int64
	DroppedCount int64

	// connections
	AcceptedCount int64
	DialedCount   int64
	EvictedCount  int64
	Conns         int64

	// waiting for the writer
	Queued int64
}

// Endpoint is a local address that exchanges messages of type T with any
// number of peers. It runs an accepting loop, a writing loop and one
// reading loop per connection; connections are shared by both directions
// and reused for every message to or from the same peer.
//
// Endpoint supports concurrently access.
type Endpoint[T any] struct {
	err      error
	closeErr error
	quitF    context.CancelFunc
	quitD    <-chan struct{}
	stopD    syncx.DoneChan

	addr  Addr
	ln    net.Listener
	tr    Transport
	codec codec.Codec
	table *streamTable
	opts  options
	clock clock.Clock
	log   *zap.Logger
	dump  *syncWriter

	// accept
	aerr error
	aD   syncx.DoneChan
	// write
	wD       syncx.DoneChan
	wQ       *writeQueue[T]
	sendOnce sync.Once
	sendD    syncx.DoneChan
	// read
	inQ      chan Envelope[T]
	recvOnce sync.Once
	recvD    syncx.DoneChan
	readers  sync.WaitGroup
	// idle sweep
	sD syncx.DoneChan

	errC chan *SendError
	stat Statistics

	panicLogF func(interface{})
}

// Listen binds addr and starts the endpoint. A bind failure is returned,
// everything after that is reported through the endpoint itself.
//
// Canceling ctx stops the endpoint, like Stop.
func Listen[T any](ctx context.Context, addr string, opts ...Option) (*Endpoint[T], error) {
	if ctx == nil {
		ctx = context.Background()
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	ln, err := o.transport.Listen(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("msgmux: listen %s: %w", addr, err)
	}
	local, err := addrOf(ln.Addr())
	if err != nil {
		ln.Close()
		return nil, err
	}

	ep := &Endpoint[T]{
		stopD: syncx.NewDoneChan(),

		addr:  local,
		ln:    ln,
		tr:    o.transport,
		codec: o.codec,
		table: newStreamTable(o.maxConns),
		opts:  o,
		clock: o.clock,
		log:   o.logger.Named("msgmux").With(zap.Stringer("local", local)),

		aD:    syncx.NewDoneChan(),
		wD:    syncx.NewDoneChan(),
		wQ:    newWriteQueue[T](o.writeQueueSize),
		sendD: syncx.NewDoneChan(),
		inQ:   make(chan Envelope[T], o.readQueueSize),
		recvD: syncx.NewDoneChan(),
		sD:    syncx.NewDoneChan(),

		errC: make(chan *SendError, 64),
	}
	ep.panicLogF = ep.thePanicLogFunc
	if o.dump != nil {
		ep.dump = &syncWriter{w: o.dump}
	}

	ep.start(ctx)
	return ep, nil
}

// New binds addr and returns the send and receive handles of a new
// endpoint. The endpoint runs until the process exits.
func New[T any](addr string, opts ...Option) (Sender[T], Receiver[T], error) {
	ep, err := Listen[T](context.Background(), addr, opts...)
	if err != nil {
		return Sender[T]{}, Receiver[T]{}, err
	}
	return ep.Sender(), ep.Receiver(), nil
}

// The default panic log function.
func (ep *Endpoint[T]) thePanicLogFunc(v interface{}) {
	const size = 16 << 10
	buf := make([]byte, size)
	buf = buf[:runtime.Stack(buf, false)]
	ep.log.Error("endpoint panic", zap.Any("panic", v), zap.ByteString("stack", buf))
}

// SetPanicLogFunc is optional, it must be called before any traffic.
func (ep *Endpoint[T]) SetPanicLogFunc(f func(panicV interface{})) {
	ep.panicLogF = f
}

func (ep *Endpoint[T]) logPanic(v interface{}) {
	if _, legal := v.(legalPanic); !legal && ep.panicLogF != nil {
		ep.panicLogF(v)
	}
}

func (ep *Endpoint[T]) start(parent context.Context) {
	var ctx context.Context
	ctx, ep.quitF = context.WithCancel(parent)
	ep.quitD = ctx.Done()

	go ep.accepting()
	go ep.writing(ctx)
	if ep.opts.idleTimeout > 0 {
		go ep.sweeping(ctx)
	} else {
		ep.sD.SetDone()
	}
	go ep.monitor(ctx)

	ep.log.Debug("endpoint started")
}

func (ep *Endpoint[T]) monitor(ctx context.Context) {
	defer ep.ending()

	select {
	case <-ctx.Done():
	case <-ep.aD:
	}
}

func (ep *Endpoint[T]) ending() {
	defer ep.stopD.SetDone()

	// if ending from error.
	ep.quitF()

	err := ep.ln.Close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}

	<-ep.aD
	// unblocks a writer stuck on a peer that does not read
	err = multierr.Append(err, ep.table.closeAll())
	<-ep.wD
	<-ep.sD

	// dialed while stopping
	err = multierr.Append(err, ep.table.closeAll())
	ep.readers.Wait()

	ep.err = ep.aerr
	ep.closeErr = err
	ep.log.Debug("endpoint stopped", zap.Error(ep.err))
}

func (ep *Endpoint[T]) newConn(addr Addr, nc net.Conn, inbound bool) *conn {
	var frw FrameReadWriter = NewNetconnFRW(nc, ep.opts.maxFrameSize)
	if ep.dump != nil {
		frw = &FrameDump{
			FRW:    frw,
			Dump:   ep.dump,
			Peer:   addr.String(),
			Filter: ep.opts.dumpFilter,
		}
	}
	return newConn(addr, nc, frw, inbound, ep.clock.Now())
}

// dropConn closes c and removes it from the table if it is still there.
func (ep *Endpoint[T]) dropConn(c *conn, cause error) {
	ep.table.remove(c.addr, c)
	c.close()
	ep.log.Debug("connection dropped",
		zap.Stringer("peer", c.addr), zap.Bool("inbound", c.inbound), zap.Error(cause))
}

const minSweepInterval = time.Millisecond

func (ep *Endpoint[T]) sweeping(ctx context.Context) {
	defer ep.sD.SetDone()

	idle := ep.opts.idleTimeout
	t := ep.clock.Ticker(max(idle/2, minSweepInterval))
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n := ep.table.evictIdle(now.Add(-idle)); n > 0 {
				ep.log.Debug("idle connections evicted", zap.Int("count", n))
			}
		}
	}
}

// Addr returns the bound address.
func (ep *Endpoint[T]) Addr() Addr {
	return ep.addr
}

// Peers returns the addresses of the connections currently held, least
// recently used first.
func (ep *Endpoint[T]) Peers() []Addr {
	return ep.table.snapshot()
}

// Errors reports messages that failed after they were queued, except the
// ones dropped because the peer was unreachable. Errors are discarded while
// the channel is full.
func (ep *Endpoint[T]) Errors() <-chan *SendError {
	return ep.errC
}

func (ep *Endpoint[T]) Sender() Sender[T] {
	return Sender[T]{ep}
}

func (ep *Endpoint[T]) Receiver() Receiver[T] {
	return Receiver[T]{ep}
}

// Stop requests to stop the endpoint, it will stop asynchronously.
func (ep *Endpoint[T]) Stop() {
	ep.quitF()
}

// Close stops the endpoint and waits until every connection is closed.
func (ep *Endpoint[T]) Close() error {
	ep.quitF()
	<-ep.stopD
	return ep.closeErr
}

// StopD returns a done channel, it will be signaled when the endpoint is stopped.
func (ep *Endpoint[T]) StopD() syncx.DoneChanR {
	return ep.stopD.R()
}

func (ep *Endpoint[T]) Stopped() bool {
	return ep.stopD.R().Done()
}

// Error can only be called after endpoint stopped. It is not nil when the
// endpoint stopped because accepting failed.
func (ep *Endpoint[T]) Error() error {
	return ep.err
}

func (ep *Endpoint[T]) Statistics() Statistics {
	return Statistics{
		ReadedCount:   atomic.LoadInt64(&ep.stat.ReadedCount),
		ReadedBytes:   atomic.LoadInt64(&ep.stat.ReadedBytes),
		DecodeErrors:  atomic.LoadInt64(&ep.stat.DecodeErrors),
		WrittenCount:  atomic.LoadInt64(&ep.stat.WrittenCount),
		WrittenBytes:  atomic.LoadInt64(&ep.stat.WrittenBytes),
		WriteErrors:   atomic.LoadInt64(&ep.stat.WriteErrors),
		OutputCount:   atomic.LoadInt64(&ep.stat.OutputCount),
		DroppedCount:  atomic.LoadInt64(&ep.stat.DroppedCount),
		AcceptedCount: atomic.LoadInt64(&ep.stat.AcceptedCount),
		DialedCount:   atomic.LoadInt64(&ep.stat.DialedCount),
		EvictedCount:  ep.table.evicted(),
		Conns:         int64(ep.table.len()),
		Queued:        int64(ep.wQ.len()),
	}
}

// Sender is the sending handle of an endpoint.
type Sender[T any] struct {
	ep *Endpoint[T]
}

// Send queues m for to and never blocks. It fails only after Close or
// stop.
//
// Send reports nothing about the delivery: a message for an unreachable
// peer is silently dropped. Use Post to learn the outcome.
func (s Sender[T]) Send(to Addr, m T) error {
	return s.ep.Send(to, m)
}

// SendTo is like Send but parses the destination first.
func (s Sender[T]) SendTo(to string, m T) error {
	a, err := ParseAddr(to)
	if err != nil {
		return err
	}
	return s.Send(a, m)
}

func (s Sender[T]) Output(ctx context.Context, to Addr, m T) error {
	return s.ep.Output(ctx, to, m)
}

func (s Sender[T]) TryOutput(to Addr, m T) bool {
	return s.ep.TryOutput(to, m)
}

func (s Sender[T]) Post(ctx context.Context, to Addr, m T) error {
	return s.ep.Post(ctx, to, m)
}

// Close closes the sending side. The writer finishes the queued messages
// and exits; receiving is not affected.
func (s Sender[T]) Close() {
	s.ep.CloseSend()
}

// Receiver is the receiving handle of an endpoint.
type Receiver[T any] struct {
	ep *Endpoint[T]
}

// Recv blocks until a message arrives from any peer.
func (r Receiver[T]) Recv(ctx context.Context) (Envelope[T], error) {
	return r.ep.Recv(ctx)
}

// C returns the incoming queue. It is never closed, select on StopD as well.
func (r Receiver[T]) C() <-chan Envelope[T] {
	return r.ep.inQ
}

// Close closes the receiving side, the connection readers exit at their
// next message. Connections stay usable for sending.
func (r Receiver[T]) Close() {
	r.ep.CloseRecv()
}

func (ep *Endpoint[T]) Recv(ctx context.Context) (Envelope[T], error) {
	var zero Envelope[T]
	if ctx == nil {
		ctx = context.Background()
	}

	if ep.recvD.R().Done() {
		return zero, ErrReceiverClosed
	}

	select {
	case e := <-ep.inQ:
		return e, nil
	case <-ep.recvD:
		return zero, ErrReceiverClosed
	case <-ep.stopD:
		select {
		case e := <-ep.inQ:
			return e, nil
		default:
		}
		return zero, ErrStopped
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (ep *Endpoint[T]) CloseRecv() {
	ep.recvOnce.Do(ep.recvD.SetDone)
}
