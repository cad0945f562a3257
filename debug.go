// Copyright 2017 someonegg. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package msgmux

import (
	"bytes"
	"fmt"
	"io"
	"sync"
)

// FrameDump is a debugging helper, it implements the FrameReadWriter
// interface and provides frame dump function.
//
// The dump format is:
//
//	R|W:Peer:FrameSize\nFrame\n\n
//
// Each record is written with a single Write call.
type FrameDump struct {
	FRW  FrameReadWriter
	Dump io.Writer
	Peer string

	// Filter can be nil. If nil, dump all frames.
	Filter func(f Frame, read bool) bool
}

func (d *FrameDump) needDump(f Frame, read bool) bool {
	if d.Filter != nil {
		return d.Filter(f, read)
	}
	return true
}

func (d *FrameDump) dump(f Frame, read bool) {
	if !d.needDump(f, read) {
		return
	}

	dir := "W"
	if read {
		dir = "R"
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "%v:%v:%v\n", dir, d.Peer, len(f))
	b.Write(f)
	b.WriteString("\n\n")
	d.Dump.Write(b.Bytes())
}

func (d *FrameDump) ReadFrame() (f Frame, err error) {
	f, err = d.FRW.ReadFrame()
	if err != nil {
		return
	}

	d.dump(f, true)
	return
}

func (d *FrameDump) WriteFrame(f Frame) (err error) {
	err = d.FRW.WriteFrame(f)
	if err != nil {
		return
	}

	d.dump(f, false)
	return
}

// syncWriter serializes the dumps of all connections of an endpoint.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (w *syncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.w.Write(p)
}
