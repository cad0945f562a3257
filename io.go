// Copyright 2017 someonegg. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package msgmux

// Frame is the encoded payload of one message.
type Frame []byte

type FrameReader interface {
	ReadFrame() (Frame, error)
}

type FrameWriter interface {
	WriteFrame(f Frame) error
}

// FrameReadWriter is used by exactly one reader and one writer goroutine,
// ReadFrame and WriteFrame may run concurrently but neither is reentrant.
type FrameReadWriter interface {
	FrameReader
	FrameWriter
}
