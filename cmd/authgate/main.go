// Package main is the entrypoint for the authgate gateway.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/RPythonStudy/ai4infra/cmd/authgate/app"
	"github.com/RPythonStudy/ai4infra/pkg/logger"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := app.NewRootCmd().ExecuteContext(ctx); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}
