// Copyright 2017 someonegg. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/someonegg/msgmux"
)

var (
	listenAddr  string
	listenReply string
	metricsAddr string
)

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Print inbound messages, optionally answering each one",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		addr := cfg.Listen
		if listenAddr != "" {
			addr = listenAddr
		}

		ep, err := msgmux.Listen[message](ctx, addr, endpointOptions()...)
		if err != nil {
			return err
		}
		defer ep.Close()
		logger.Info("listening", zap.Stringer("addr", ep.Addr()))

		mAddr := cfg.Metrics.Addr
		if metricsAddr != "" {
			mAddr = metricsAddr
		}
		if mAddr != "" {
			srv := serveMetrics(ep, mAddr, cfg.Metrics.Path)
			defer srv.Close()
		}

		go func() {
			for {
				select {
				case e := <-ep.Errors():
					logger.Warn("send failed", zap.Stringer("peer", e.Addr), zap.Error(e.Err))
				case <-ep.StopD():
					return
				}
			}
		}()

		for {
			e, err := ep.Recv(ctx)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, msgmux.ErrStopped) {
					return nil
				}
				return err
			}

			fmt.Fprintf(out, "%v from %v\n", e.Msg, e.Addr)
			if listenReply != "" {
				err = ep.Sender().Send(e.Addr, message{ID: e.Msg.ID, Content: listenReply})
				if err != nil {
					return err
				}
			}
		}
	},
}

func serveMetrics(ep *msgmux.Endpoint[message], addr, path string) *http.Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		msgmux.NewCollector(ep, prometheus.Labels{"local": ep.Addr().String()}),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("serving metrics", zap.String("addr", addr), zap.String("path", path))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	return srv
}

func init() {
	listenCmd.Flags().StringVar(&listenAddr, "addr", "", "bind address (default from config)")
	listenCmd.Flags().StringVar(&listenReply, "reply", "", "answer each message with this content")
	listenCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
}
