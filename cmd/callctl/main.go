package main

import (
	"context"

	"github.com/frikords/calls/internal/cli"
	"github.com/frikords/calls/internal/logging"
)

func main() {
	logging.Setup("development")

	app := cli.NewApp()

	if err := app.Setup(); err != nil {
		logging.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	if err := app.Run(ctx, cancel); err != nil {
		logging.Fatal(err)
	}
}
