// Copyright 2017 someonegg. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package codec turns message values into frame payloads and back.
//
// Any Codec can be plugged into an endpoint; the framing and the
// connection handling do not depend on the encoding.
package codec

import (
	"fmt"
	"strings"
)

// Codec marshals typed messages. Unmarshal receives a pointer to the
// destination value.
type Codec interface {
	Name() string
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Registry maps names and content types to codecs.
type Registry struct {
	byKey map[string]Codec
}

// NewRegistry returns a registry holding the built-in codecs.
func NewRegistry() *Registry {
	r := &Registry{byKey: make(map[string]Codec)}
	r.Register(Msgpack())
	r.Register(CBOR())
	r.Register(JSON())
	r.Register(Proto())
	return r
}

// Register adds a codec under its name and its content type.
func (r *Registry) Register(c Codec) {
	r.byKey[strings.ToLower(c.Name())] = c
	r.byKey[strings.ToLower(c.ContentType())] = c
}

// Get returns a codec by name or content type, or nil.
func (r *Registry) Get(key string) Codec {
	return r.byKey[strings.ToLower(key)]
}

// Lookup is like Get but reports unknown codecs as an error.
func (r *Registry) Lookup(key string) (Codec, error) {
	if c := r.Get(key); c != nil {
		return c, nil
	}
	return nil, fmt.Errorf("codec: unknown codec %q", key)
}
