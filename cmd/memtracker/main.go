// Package main is the entry point for the memtracker benchmark worker.
// It builds CPython commits, profiles them with memray and uploads the results.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"memtracker/cmd/memtracker/cmd"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cmd.Execute(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
