package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	logging "github.com/ipfs/go-log/v2"
	"github.com/urfave/cli/v2"
)

var log = logging.Logger("tsimplex/cmd")

func main() {
	app := &cli.App{
		Name:  "tsimplex",
		Usage: "threshold simplex consensus node and tools",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "namespace",
				Value: "tsimplex",
				Usage: "the signature namespace of the network",
			},
		},
		Commands: []*cli.Command{
			&keygenCmd,
			&runCmd,
			&simCmd,
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		cancel()
	}()

	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "runtime error: %+v\n", err)
		os.Exit(1)
	}
}
