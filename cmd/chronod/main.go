package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"chronod/internal/app"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config file (yaml or json)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.NewApp(cfgPath)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	if err := a.Start(ctx); err != nil {
		fmt.Println("fatal start:", err)
		os.Exit(1)
	}

	// Tell systemd we're up when running under Type=notify; no-op otherwise.
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	reason := app.StopSIGTERM
	select {
	case <-ctx.Done():
	case <-a.Done():
		// Supervisor died without a signal; shut down what remains.
		if ctx.Err() == nil {
			reason = app.StopFatalError
		}
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)

	if reason == app.StopFatalError {
		os.Exit(1)
	}
}
