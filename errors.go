// Copyright 2017 someonegg. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package msgmux

import (
	"errors"
	"fmt"
)

var (
	// ErrStopped is returned once the endpoint has been stopped.
	ErrStopped = errors.New("msgmux: endpoint stopped")
	// ErrSendClosed is returned by the send methods after Sender.Close.
	ErrSendClosed = errors.New("msgmux: send side closed")
	// ErrReceiverClosed is returned by Recv after Receiver.Close.
	ErrReceiverClosed = errors.New("msgmux: receiver closed")
	// ErrUnreachable reports that no connection to the destination could be
	// established. Only Post surfaces it, Send drops the message silently.
	ErrUnreachable = errors.New("msgmux: peer unreachable")
	// ErrFrameTooLarge reports a frame exceeding the configured maximum size.
	ErrFrameTooLarge = errors.New("msgmux: frame too large")

	errUnknownPanic = errors.New("unknown panic")
)

type legalPanic struct {
	err error
}

func panicError(v interface{}) error {
	switch e := v.(type) {
	case legalPanic:
		return e.err
	case error:
		return e
	default:
		return errUnknownPanic
	}
}

// SendError describes a message that could not be written to its
// destination. SendErrors are published on Endpoint.Errors.
type SendError struct {
	Addr Addr
	Err  error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("msgmux: send to %v: %v", e.Addr, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}
