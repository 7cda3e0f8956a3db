// ./main.go
package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/openfleetlabs/fleetmind/cmd"
)

// main is the entry point for the FleetMind CLI. Commands run under a
// signal-aware context so an interrupt settles running tasks instead of
// killing them mid-step.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd.Execute(ctx)
}
