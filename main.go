package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"EzMMLab/cli"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cli.Execute(ctx)
	cancel()
	if err != nil {
		os.Exit(1)
	}
}
