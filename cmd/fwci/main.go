package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/3leaps/fwci/internal/cmd"
)

// Set at link time with -ldflags "-X main.version=...".
var (
	version   = "dev"
	commit    = "HEAD"
	buildDate = "unknown"
)

func main() {
	cmd.SetVersionInfo(version, commit, buildDate)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cmd.ExecuteContext(ctx)
	stop()
	os.Exit(cmd.ExitCode(err))
}
