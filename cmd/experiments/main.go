// Package main provides the operator CLI for the experiment engine.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	experimentscmd "github.com/readyscore/experiments/internal/cmd/experiments"
	platformcmd "github.com/readyscore/experiments/internal/platform/cmd"
)

func main() {
	cfg, err := experimentscmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		platformcmd.Exitf("Error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = platformcmd.RunWithTelemetry(ctx, platformcmd.ServiceExperiments, func(ctx context.Context) error {
		return experimentscmd.Run(ctx, cfg, flag.CommandLine.Args(), os.Stdout)
	})
	if err != nil {
		platformcmd.Exitf("Error: %v", err)
	}
}
