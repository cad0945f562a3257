// Copyright 2017 someonegg. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package msgmux

import (
	"io"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/someonegg/msgmux/codec"
)

const (
	DefaultWriteQueueSize = 1024
	DefaultReadQueueSize  = 1024
	// DefaultMaxFrameSize is the maximum frame length.
	DefaultMaxFrameSize = 32 * 1024 * 1024
)

type options struct {
	codec     codec.Codec
	logger    *zap.Logger
	transport Transport
	clock     clock.Clock

	writeQueueSize int
	readQueueSize  int
	maxFrameSize   int

	maxConns    int
	idleTimeout time.Duration
	dialTimeout time.Duration

	dump       io.Writer
	dumpFilter func(f Frame, read bool) bool
}

func defaultOptions() options {
	return options{
		codec:          codec.Msgpack(),
		logger:         zap.NewNop(),
		transport:      TCP(),
		clock:          clock.New(),
		writeQueueSize: DefaultWriteQueueSize,
		readQueueSize:  DefaultReadQueueSize,
		maxFrameSize:   DefaultMaxFrameSize,
	}
}

// Option configures an endpoint.
type Option func(*options)

// WithCodec sets the payload codec, msgpack by default.
func WithCodec(c codec.Codec) Option {
	return func(o *options) { o.codec = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithTransport sets how connections are made, TCP by default.
func WithTransport(t Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithClock replaces the clock used for idle tracking.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithWriteQueueSize sets how many outgoing messages may wait for the
// writer before Output and Post block. Send is not bounded by it.
func WithWriteQueueSize(n int) Option {
	return func(o *options) { o.writeQueueSize = n }
}

// WithReadQueueSize sets how many incoming messages may wait for Recv
// before the connection readers block.
func WithReadQueueSize(n int) Option {
	return func(o *options) { o.readQueueSize = n }
}

// WithMaxFrameSize limits the frame length in both directions, zero means
// no limit.
func WithMaxFrameSize(n int) Option {
	return func(o *options) { o.maxFrameSize = n }
}

// WithMaxConns bounds the number of connections held at once, the least
// recently used one is closed on overflow. Zero means unbounded.
func WithMaxConns(n int) Option {
	return func(o *options) { o.maxConns = n }
}

// WithIdleTimeout closes connections that have neither read nor written a
// frame for d. Zero disables it.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *options) { o.idleTimeout = d }
}

// WithDialTimeout bounds outbound connection attempts. Zero means the
// writer waits as long as the operating system does.
func WithDialTimeout(d time.Duration) Option {
	return func(o *options) { o.dialTimeout = d }
}

// WithFrameDump dumps every frame to w, see FrameDump. filter can be nil.
func WithFrameDump(w io.Writer, filter func(f Frame, read bool) bool) Option {
	return func(o *options) {
		o.dump = w
		o.dumpFilter = filter
	}
}
