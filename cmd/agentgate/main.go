package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"

	"github.com/cordum/agentgate/core/infra/buildinfo"
	"github.com/cordum/agentgate/core/infra/logging"
)

func main() {
	opts, err := parseOptions(os.Args[1:])
	if err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			fmt.Println(err)
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if opts.Version {
		fmt.Println(buildinfo.Info())
		return
	}
	buildinfo.Log("agentgate")

	cfg, err := loadConfig(opts)
	if err != nil {
		logging.Error("agentgate", "config load failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx, cfg)
	if err != nil {
		logging.Error("agentgate", "startup failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	if err := app.Run(ctx); err != nil {
		logging.Error("agentgate", "server error", "error", err)
		os.Exit(1)
	}
	logging.Info("agentgate", "shutdown complete")
}
