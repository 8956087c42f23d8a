package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/haukened/selfblock/internal/block/cli"
	"github.com/haukened/selfblock/internal/block/domain"
)

var version = "0.1.0-dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	root := cli.NewRootCommand(cli.Options{Version: version})
	err := root.ExecuteContext(ctx)
	cancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, "selfblock:", err)
		os.Exit(domain.ExitCode(err))
	}
}
