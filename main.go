/*
This is an example of application that runs the
testbed workload on the engine. An optional argument
names a TOML config file, which is watched for changes.
*/
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spaghettifunk/fencepost/engine"
	"github.com/spaghettifunk/fencepost/engine/config"
	"github.com/spaghettifunk/fencepost/engine/core"
	"github.com/spaghettifunk/fencepost/testbed"
)

func main() {
	if err := run(); err != nil {
		core.LogFatal("%+v", err)
	}
}

func run() error {
	cfg := config.Default()
	var opts []engine.Option
	if len(os.Args) > 1 {
		path := os.Args[1]
		loaded, err := config.Load(path)
		if err != nil {
			return err
		}
		cfg = loaded
		opts = append(opts, engine.WithConfigFile(path))
	}

	tb := testbed.NewTestGame()
	e, err := engine.New(tb.Game, cfg, opts...)
	if err != nil {
		return err
	}
	if err := e.Initialize(); err != nil {
		e.Shutdown()
		return err
	}

	// cancel the frame loop on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	runErr := e.Run(ctx)
	if stats, err := e.Renderer().StatsJSON(); err == nil {
		fmt.Println(string(stats))
	}
	if err := e.Shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}
