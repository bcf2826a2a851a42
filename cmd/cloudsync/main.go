// Command cloudsync mirrors objects between a native object store and an
// S3-compatible cloud store (or a peer native store).
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/swiftstack/cloudsync/client"
	"github.com/swiftstack/cloudsync/cmn"
	"github.com/swiftstack/cloudsync/log"
	"github.com/swiftstack/cloudsync/mirror"
	"github.com/swiftstack/cloudsync/scheduler"
	"github.com/swiftstack/cloudsync/stats"
	"github.com/swiftstack/cloudsync/status"
)

var cli struct {
	configPath string
	once       bool
	logLevel   string
	console    bool
}

func init() {
	flag.StringVar(&cli.configPath, "config", "", "path to the configuration file")
	flag.BoolVar(&cli.once, "once", false, "run one pass per entry and exit")
	flag.StringVar(&cli.logLevel, "log-level", "", "logging level: debug | info | warning | error")
	flag.BoolVar(&cli.console, "console", false, "log messages to console instead of the log file")
}

func main() {
	flag.Parse()
	if cli.configPath == "" {
		fmt.Fprintln(os.Stderr, "missing -config flag pointing to the configuration file")
		flag.Usage()
		os.Exit(1)
	}
	conf, err := cmn.LoadConfig(cli.configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	level := cli.logLevel
	if level == "" {
		level = conf.LogLevel
	}
	if err := log.Init(level, cli.console, conf.LogFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cmn.InitShortID(uint64(time.Now().UnixNano()))
	stats.Serve(conf.MetricsAddr)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var (
		local  = client.New(conf.SwiftURL, os.Getenv("CLOUDSYNC_SWIFT_TOKEN"), conf.Workers*cmn.DefaultMaxConns)
		st     = status.NewStore(conf.StatusDir)
		source = mirror.NewListingSource(local, conf.ItemsChunk)
		logger = log.Channel("cloudsync")
	)
	logger.Info().Int("containers", len(conf.Containers)).
		Int("migrations", len(conf.Migrations)).Msg("starting")

	sched := scheduler.New(conf, local, source, st, logger)
	if err := sched.Run(ctx, cli.once); err != nil && ctx.Err() == nil {
		logger.Error().Err(err).Msg("exiting")
		os.Exit(1)
	}
	logger.Info().Msg("stopped")
}
