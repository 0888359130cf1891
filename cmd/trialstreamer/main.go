package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"TrialStreamer/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := cli.NewRootCommand(cli.DefaultFactory, os.Stdout, os.Stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "trialstreamer:", err)
		stop()
		os.Exit(1)
	}
}
