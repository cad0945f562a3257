// Copyright 2017 someonegg. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/someonegg/msgmux"
)

var (
	demoAddrA   string
	demoAddrB   string
	demoTimeout time.Duration
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run a Hello/Yo round trip between two local endpoints",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), demoTimeout)
		defer cancel()
		out := cmd.OutOrStdout()

		a, err := msgmux.Listen[message](ctx, demoAddrA, endpointOptions()...)
		if err != nil {
			return err
		}
		defer a.Close()

		b, err := msgmux.Listen[message](ctx, demoAddrB, endpointOptions()...)
		if err != nil {
			return err
		}
		defer b.Close()

		go func() {
			e, err := b.Recv(ctx)
			if err != nil {
				return
			}
			fmt.Fprintf(out, "%v from %v\n", e.Msg, e.Addr)
			_ = b.Sender().Send(e.Addr, message{ID: 20, Content: "Yo"})
		}()

		if err := a.Post(ctx, b.Addr(), message{ID: 10, Content: "Hello"}); err != nil {
			return fmt.Errorf("failed to send hello: %w", err)
		}

		e, err := a.Recv(ctx)
		if err != nil {
			return fmt.Errorf("failed to receive reply: %w", err)
		}
		fmt.Fprintf(out, "%v from %v\n", e.Msg, e.Addr)
		return nil
	},
}

func init() {
	demoCmd.Flags().StringVar(&demoAddrA, "a", "127.0.0.1:4005", "address of the first endpoint")
	demoCmd.Flags().StringVar(&demoAddrB, "b", "127.0.0.1:4010", "address of the second endpoint")
	demoCmd.Flags().DurationVar(&demoTimeout, "timeout", 5*time.Second, "round trip deadline")
}
