// Copyright 2019 someonegg. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package msgpeer

import (
	"context"
	"time"

	"github.com/someonegg/msgmux"
)

type asyncHandler struct {
	h     Handler
	idle  time.Duration
	callC chan func()
}

// AsyncHandler runs every request and notify of h on a worker goroutine,
// so the peer keeps dispatching while h works. A handler that calls Do,
// to the requesting peer or any other, needs it.
//
// Workers are reused and exit after being idle for workerIdleTimeout.
func AsyncHandler(h Handler, workerIdleTimeout time.Duration) Handler {
	return &asyncHandler{
		h:     h,
		idle:  workerIdleTimeout,
		callC: make(chan func()),
	}
}

func (a *asyncHandler) Process(ctx context.Context, from msgmux.Addr, t string, r Request, w ResponseWriter) {
	a.dispatch(ctx, func() { a.h.Process(ctx, from, t, r, w) })
}

func (a *asyncHandler) OnNotify(ctx context.Context, from msgmux.Addr, t string, n Notify) {
	a.dispatch(ctx, func() { a.h.OnNotify(ctx, from, t, n) })
}

// dispatch hands call to an idle worker, or starts one.
func (a *asyncHandler) dispatch(ctx context.Context, call func()) {
	select {
	case <-ctx.Done():
	case a.callC <- call:
	default:
		go a.worker(call)
	}
}

func (a *asyncHandler) worker(call func()) {
	idle := time.NewTimer(a.idle)
	defer idle.Stop()

	for {
		call()

		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(a.idle)

		select {
		case call = <-a.callC:
		case <-idle.C:
			return
		}
	}
}
