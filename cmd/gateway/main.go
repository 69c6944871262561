// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rapidaai/toy-gateway/config"
	internal_gateway "github.com/rapidaai/toy-gateway/internal/gateway"
	"github.com/rapidaai/toy-gateway/pkg/commons"
)

func main() {
	level := "info"
	if os.Getenv("DEBUG") != "" {
		level = "debug"
	}
	logger, err := commons.NewApplicationLogger(commons.Name("toy-gateway"), commons.Level(level))
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.Load(os.Getenv("GATEWAY_CONFIG"))
	if err != nil {
		logger.Fatalf("loading configuration: %v", err)
	}

	gw, err := internal_gateway.New(logger, cfg)
	if err != nil {
		logger.Fatalf("starting gateway: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Infow("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	if err := gw.Run(ctx); err != nil {
		logger.Fatalf("gateway exited with error: %v", err)
	}
	os.Exit(0)
}
