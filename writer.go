// Copyright 2017 someonegg. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package msgmux

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
)

type msgEntry[T any] struct {
	to Addr
	m  T
	// not nil if posted
	resC chan error
}

func (ep *Endpoint[T]) writing(ctx context.Context) {
	defer ep.wD.SetDone()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ep.sendD:
			ep.drain(ctx)
			return
		case <-ep.wQ.readyC:
			ep.drain(ctx)
		}
	}
}

// drain writes the queued entries until the queue is empty or ctx is done.
func (ep *Endpoint[T]) drain(ctx context.Context) {
	for ctx.Err() == nil {
		e, ok := ep.wQ.pop()
		if !ok {
			return
		}
		ep.writeEntry(ctx, e)
	}
}

// writeEntry never stops the writer, failures go to the entry.
func (ep *Endpoint[T]) writeEntry(ctx context.Context, e msgEntry[T]) {
	var err error
	defer func() {
		if v := recover(); v != nil {
			ep.logPanic(v)
			err = panicError(v)
		}
		ep.finish(e, err)
	}()

	c, err := ep.resolve(ctx, e.to)
	if err != nil {
		return
	}

	f, err := ep.codec.Marshal(e.m)
	if err != nil {
		err = fmt.Errorf("msgmux: encode message: %w", err)
		return
	}

	err = c.frw.WriteFrame(f)
	if err != nil {
		if !errors.Is(err, ErrFrameTooLarge) {
			ep.dropConn(c, err)
		}
		return
	}

	c.touch(ep.clock.Now())
	atomic.AddInt64(&ep.stat.WrittenCount, 1)
	atomic.AddInt64(&ep.stat.WrittenBytes, int64(len(f)))
}

// resolve returns the connection to addr, dialing one if needed. The dial
// runs without holding the table.
func (ep *Endpoint[T]) resolve(ctx context.Context, addr Addr) (*conn, error) {
	if c, ok := ep.table.lookup(addr, ep.clock.Now()); ok {
		return c, nil
	}

	dctx := ctx
	if ep.opts.dialTimeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, ep.opts.dialTimeout)
		defer cancel()
	}

	nc, err := ep.tr.Dial(dctx, addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	c := ep.newConn(addr, nc, false)
	winner, inserted := ep.table.insertIfAbsent(addr, c)
	if !inserted {
		c.close()
		return winner, nil
	}

	// stopping may have closed the table while we were dialing
	if ep.quitting() {
		ep.table.remove(addr, c)
		c.close()
		return nil, ErrStopped
	}

	atomic.AddInt64(&ep.stat.DialedCount, 1)
	ep.log.Debug("connection dialed", zap.Stringer("peer", addr))
	ep.startReader(c)
	return c, nil
}

func (ep *Endpoint[T]) finish(e msgEntry[T], err error) {
	if err != nil && ep.quitting() {
		err = ErrStopped
	}

	switch {
	case err == nil:
	case errors.Is(err, ErrStopped):
	case errors.Is(err, ErrUnreachable):
		atomic.AddInt64(&ep.stat.DroppedCount, 1)
		ep.log.Debug("message dropped", zap.Stringer("peer", e.to), zap.Error(err))
	default:
		atomic.AddInt64(&ep.stat.WriteErrors, 1)
		ep.log.Warn("message failed", zap.Stringer("peer", e.to), zap.Error(err))
		if e.resC == nil {
			select {
			case ep.errC <- &SendError{Addr: e.to, Err: err}:
			default:
			}
		}
	}

	if e.resC != nil {
		e.resC <- err
	}
}

func (ep *Endpoint[T]) quitting() bool {
	select {
	case <-ep.quitD:
		return true
	default:
		return false
	}
}

func (ep *Endpoint[T]) closedErr() error {
	if ep.quitting() {
		return ErrStopped
	}
	if ep.sendD.R().Done() {
		return ErrSendClosed
	}
	return nil
}

// enqueue pushes e to the write queue. Unless force is set it waits while
// the queue is full.
func (ep *Endpoint[T]) enqueue(ctx context.Context, e msgEntry[T], force bool) error {
	for {
		if err := ep.closedErr(); err != nil {
			return err
		}

		err := ep.wQ.push(e, force)
		if err == nil {
			atomic.AddInt64(&ep.stat.OutputCount, 1)
			return nil
		}
		if err != errQueueFull {
			return err
		}

		select {
		case <-ep.wQ.spaceC:
		case <-ep.sendD:
			return ErrSendClosed
		case <-ep.quitD:
			return ErrStopped
		case <-ctx.Done():
			// the wakeup may have been ours, pass it on
			notify(ep.wQ.spaceC)
			return ctx.Err()
		}
	}
}

// Send puts the message to the write queue without waiting, the queue
// grows past its size if the writer is behind.
func (ep *Endpoint[T]) Send(to Addr, m T) error {
	return ep.enqueue(context.Background(), msgEntry[T]{to: to, m: m}, true)
}

// Output puts the message to the write queue, waiting while it is full.
func (ep *Endpoint[T]) Output(ctx context.Context, to Addr, m T) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return ep.enqueue(ctx, msgEntry[T]{to: to, m: m}, false)
}

// TryOutput tries to put the message to the write queue.
func (ep *Endpoint[T]) TryOutput(to Addr, m T) bool {
	if ep.closedErr() != nil {
		return false
	}
	if ep.wQ.push(msgEntry[T]{to: to, m: m}, false) != nil {
		return false
	}
	atomic.AddInt64(&ep.stat.OutputCount, 1)
	return true
}

// Post puts the message to the write queue and waits until it has been
// written. Unlike Output it reports ErrUnreachable, encode and write errors.
func (ep *Endpoint[T]) Post(ctx context.Context, to Addr, m T) error {
	if ctx == nil {
		ctx = context.Background()
	}

	resC := make(chan error, 1)
	if err := ep.enqueue(ctx, msgEntry[T]{to: to, m: m, resC: resC}, false); err != nil {
		return err
	}

	select {
	case err := <-resC:
		return err
	case <-ep.wD:
		select {
		case err := <-resC:
			return err
		default:
		}
		if err := ep.closedErr(); err != nil {
			return err
		}
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CloseSend closes the sending side, see Sender.Close. Messages queued
// before it are still written.
func (ep *Endpoint[T]) CloseSend() {
	ep.sendOnce.Do(func() {
		ep.wQ.close()
		ep.sendD.SetDone()
	})
}
