// Package main provides the CLI entry point for xlrecalc-functions.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ukaji3/xlrecalc-go/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cli.NewFunctionsCommand().ExecuteContext(ctx)
	stop()
	os.Exit(cli.ExitCode(err, os.Stderr))
}
