// Copyright (c) 2024-2026 The privgate developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/privgate/privgate/internal/version"
	"github.com/privgate/privgate/server"
)

func _main() error {
	// flags and settings
	cfg, err := ObtainSettings()
	if err != nil {
		return err
	}
	cfg.Versioner = version.String

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Wait for termination signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigs
		cancel()
	}()

	// Init daemon.
	z, err := server.NewServer(cfg)
	if err != nil {
		return err
	}

	// Run daemon.
	err = z.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func main() {
	err := _main()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
