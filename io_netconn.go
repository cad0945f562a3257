// Copyright 2017 someonegg. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package msgmux

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"
	"net"
)

type netbufconn struct {
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
}

func newNetbufConn(conn net.Conn) netbufconn {
	return netbufconn{
		conn: conn,
		r:    bufio.NewReader(conn),
		w:    bufio.NewWriter(conn),
	}
}

// NetconnFRW converts a net.Conn to a FrameReadWriter.
//
// In the transport layer, frame's layout is:
//
//	Length(4-bytes uint32, little-endian)Payload
//
// The read half and the write half use separate buffers, so one goroutine
// may read while another writes.
type NetconnFRW struct {
	c      netbufconn
	maxLen int
}

// NewNetconnFRW wraps conn. Frames longer than maxFrameSize are rejected in
// both directions, zero means no limit besides the 4-byte length field.
func NewNetconnFRW(conn net.Conn, maxFrameSize int) *NetconnFRW {
	return &NetconnFRW{c: newNetbufConn(conn), maxLen: maxFrameSize}
}

func (rw *NetconnFRW) tooLarge(l uint64) bool {
	if l > math.MaxUint32 {
		return true
	}
	return rw.maxLen > 0 && l > uint64(rw.maxLen)
}

func (rw *NetconnFRW) ReadFrame() (Frame, error) {
	var _l uint32
	err := binary.Read(rw.c.r, binary.LittleEndian, &_l)
	if err != nil {
		return nil, err
	}

	if rw.tooLarge(uint64(_l)) {
		return nil, ErrFrameTooLarge
	}

	p := make([]byte, _l)
	_, err = io.ReadFull(rw.c.r, p)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// WriteFrame writes the length prefix and the payload, then flushes them
// as one write.
func (rw *NetconnFRW) WriteFrame(f Frame) error {
	if rw.tooLarge(uint64(len(f))) {
		return ErrFrameTooLarge
	}

	err := binary.Write(rw.c.w, binary.LittleEndian, uint32(len(f)))
	if err != nil {
		return err
	}

	_, err = rw.c.w.Write(f)
	if err != nil {
		return err
	}

	return rw.c.w.Flush()
}

func (rw *NetconnFRW) Close() error {
	return rw.c.conn.Close()
}
