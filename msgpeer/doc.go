// Copyright 2019 someonegg. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package msgpeer implements a synchronous request response model over msgmux
// endpoints. Every peer is both client and server, so each side can send
// requests to the other concurrently, and the requests reuse the connection
// the endpoint already holds.
//
// Here is a quick example.
//
//	type echo struct{}
//
//	func (echo) Process(ctx context.Context, from msgmux.Addr, t string, r msgpeer.Request, w msgpeer.ResponseWriter) {
//		w(ctx, r)
//	}
//
//	func (echo) OnNotify(ctx context.Context, from msgmux.Addr, t string, n msgpeer.Notify) {
//		log.Printf("notify from %v: %v, %s", from, t, n)
//	}
//
//	func main() {
//		server, err := msgpeer.Listen(nil, "127.0.0.1:0", msgpeer.AsyncHandler(echo{}, 5*time.Second))
//		if err != nil {
//			log.Fatal(err)
//		}
//		defer server.Close()
//
//		client, err := msgpeer.Listen(nil, "127.0.0.1:0", echo{})
//		if err != nil {
//			log.Fatal(err)
//		}
//		defer client.Close()
//
//		resp, err := client.Do(context.Background(), server.Addr(), "hello", []byte("aaa"))
//		log.Printf("hello response: %s, %v", resp, err)
//
//		client.Notify(context.Background(), server.Addr(), "bye", []byte("nnn"))
//	}
package msgpeer
