// Copyright 2017 someonegg. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package msgmux provides a lightweight messaging layer over TCP.
//
// An endpoint is bound to one local address. It sends typed messages to
// any peer address and receives (source address, message) pairs from any
// peer, without the caller managing connections: the first message to or
// from a peer creates a connection, later messages in both directions
// reuse it.
//
// In the transport layer, every message is one frame:
//
//	Length(4-bytes uint32, little-endian)Payload
//
// The payload is produced by a codec.Codec, msgpack by default. There is no
// handshake, heartbeat or acknowledgement.
//
// Each endpoint runs one accepting loop, one writing loop that serializes
// all outgoing messages, and one reading loop per connection. The source
// address of a received message is the observed remote address of its
// connection, which is the peer's ephemeral port when the peer dialed.
// Replying to that address reuses the connection.
//
// Send never reports delivery failures: a message for a peer that cannot be
// reached is dropped. Post waits for the write and reports the failure,
// and write errors of sent messages are published on Endpoint.Errors.
//
// Here is a quick example.
//
//	type Message struct {
//		ID      int
//		Content string
//	}
//
//	func peerA() {
//		send, recv, err := msgmux.New[Message]("127.0.0.1:4005")
//		if err != nil {
//			log.Fatal(err)
//		}
//
//		send.SendTo("127.0.0.1:4010", Message{ID: 10, Content: "Hello"})
//
//		e, err := recv.Recv(context.Background())
//		if err != nil {
//			log.Fatal(err)
//		}
//		log.Printf("%+v from %v", e.Msg, e.Addr)
//	}
//
//	func peerB() {
//		send, recv, err := msgmux.New[Message]("127.0.0.1:4010")
//		if err != nil {
//			log.Fatal(err)
//		}
//
//		e, err := recv.Recv(context.Background())
//		if err != nil {
//			log.Fatal(err)
//		}
//		log.Printf("%+v from %v", e.Msg, e.Addr)
//
//		send.Send(e.Addr, Message{ID: 20, Content: "Yo"})
//	}
//
// A slow peer blocks the writing loop and with it every send of the
// endpoint. Send still returns at once, the queue grows meanwhile; Output
// and Post wait while it holds more than the write queue size. Messages to
// different peers are not ordered.
package msgmux
