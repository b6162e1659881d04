package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/claimflow/claimflow/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().ExecuteContext(context.Background()); err != nil {
		slog.Error("claimflow", "error", err)
		os.Exit(1)
	}
}
