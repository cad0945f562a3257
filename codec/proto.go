// Copyright 2017 someonegg. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package codec

import (
	"fmt"
	"reflect"

	"google.golang.org/protobuf/proto"
)

var messageType = reflect.TypeOf((*proto.Message)(nil)).Elem()

type protoCodec struct {
	mo proto.MarshalOptions
	uo proto.UnmarshalOptions
}

// Proto returns a Protocol Buffers codec with deterministic marshaling.
//
// Messages are usually pointers, so an endpoint decodes into a **M; the
// codec allocates the message in that case.
func Proto() Codec {
	return protoCodec{
		mo: proto.MarshalOptions{Deterministic: true},
		uo: proto.UnmarshalOptions{},
	}
}

func (p protoCodec) Name() string        { return "proto" }
func (p protoCodec) ContentType() string { return "application/x-protobuf" }

func (p protoCodec) Marshal(v any) ([]byte, error) {
	msg, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("protobuf: value does not implement proto.Message: %T", v)
	}
	return p.mo.Marshal(msg)
}

func (p protoCodec) Unmarshal(data []byte, v any) error {
	msg, ok := v.(proto.Message)
	if !ok {
		msg, ok = allocMessage(v)
	}
	if !ok {
		return fmt.Errorf("protobuf: target does not implement proto.Message: %T", v)
	}
	return p.uo.Unmarshal(data, msg)
}

// allocMessage handles v of type **M where *M is a proto.Message.
func allocMessage(v any) (proto.Message, bool) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return nil, false
	}
	ev := rv.Elem()
	if ev.Kind() != reflect.Pointer || !ev.Type().Implements(messageType) {
		return nil, false
	}
	if ev.IsNil() {
		ev.Set(reflect.New(ev.Type().Elem()))
	}
	msg, ok := ev.Interface().(proto.Message)
	return msg, ok
}
