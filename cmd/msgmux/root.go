// Copyright 2017 someonegg. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/someonegg/msgmux"
	"github.com/someonegg/msgmux/internal/config"
	"github.com/someonegg/msgmux/internal/observability"
)

var (
	// Global flags
	cfgFile  string
	logLevel string
	dump     bool

	// Shared state set during PersistentPreRun
	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "msgmux",
	Short: "Exchange typed messages between msgmux endpoints",
	Long: `msgmux runs endpoints that exchange length-prefixed messages with any
number of peers, reusing one connection per peer in both directions.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}

		logger, err = observability.SetupLogger(cfg.Log)
		if err != nil {
			return fmt.Errorf("failed to setup logger: %w", err)
		}
		logger.Debug("effective configuration", zap.Any("config", cfg))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./msgmux.yaml or ~/.msgmux/msgmux.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&dump, "dump", false, "dump every frame to stderr")

	rootCmd.AddCommand(demoCmd, listenCmd, sendCmd)
}

func endpointOptions() []msgmux.Option {
	opts := append(cfg.Options(), msgmux.WithLogger(logger))
	if dump {
		opts = append(opts, msgmux.WithFrameDump(os.Stderr, nil))
	}
	return opts
}

type message struct {
	ID      uint64 `json:"id" msgpack:"id" cbor:"id"`
	Content string `json:"content" msgpack:"content" cbor:"content"`
}

func (m message) String() string {
	return fmt.Sprintf("message{id: %d, content: %q}", m.ID, m.Content)
}
