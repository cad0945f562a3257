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
	sendFrom    string
	sendTo      string
	sendID      uint64
	sendContent string
	sendWait    time.Duration
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send one message and optionally wait for the reply",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		to, err := msgmux.ParseAddr(sendTo)
		if err != nil {
			return fmt.Errorf("invalid --to: %w", err)
		}

		ctx := cmd.Context()
		ep, err := msgmux.Listen[message](ctx, sendFrom, endpointOptions()...)
		if err != nil {
			return err
		}
		defer ep.Close()

		m := message{ID: sendID, Content: sendContent}
		if err := ep.Post(ctx, to, m); err != nil {
			return fmt.Errorf("failed to send to %v: %w", to, err)
		}
		if sendWait <= 0 {
			return nil
		}

		ctx, cancel := context.WithTimeout(ctx, sendWait)
		defer cancel()

		e, err := ep.Recv(ctx)
		if err != nil {
			return fmt.Errorf("no reply from %v: %w", to, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%v from %v\n", e.Msg, e.Addr)
		return nil
	},
}

func init() {
	sendCmd.Flags().StringVar(&sendFrom, "addr", "127.0.0.1:0", "local bind address")
	sendCmd.Flags().StringVar(&sendTo, "to", "", "peer address")
	sendCmd.Flags().Uint64Var(&sendID, "id", 1, "message id")
	sendCmd.Flags().StringVar(&sendContent, "content", "", "message content")
	sendCmd.Flags().DurationVar(&sendWait, "wait", 0, "wait this long for a reply, zero does not wait")
	_ = sendCmd.MarkFlagRequired("to")
}
