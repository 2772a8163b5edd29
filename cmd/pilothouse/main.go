package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"pilothouse/server/internal/command"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := command.BuildApp(command.Deps{
		RunServe:     runServe,
		RunMigrateUp: runMigrateUp,
	})
	app.Version = version

	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "pilothouse:", err)
		os.Exit(1)
	}
}
