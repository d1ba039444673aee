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
	"github.com/joho/godotenv"

	"trackbot/internal/app"
	"trackbot/internal/observability/metrics"
	"trackbot/internal/runtime/lifecycle"
)

// Overridden at build time via -ldflags "-X main.version=...".
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config yaml")
	flag.Parse()

	// Local development convenience; under systemd the unit provides env.
	_ = godotenv.Load()

	metrics.SetBuildInfo(version, commit, buildTime)

	a, err := app.NewApp(cfgPath, version)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		os.Exit(1)
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	reason := lifecycle.StopUnknown
	exitCode := 0
	select {
	case sig := <-sigCh:
		if sig == syscall.SIGTERM {
			reason = lifecycle.StopSIGTERM
		} else {
			reason = lifecycle.StopSIGINT
		}
	case <-a.Done():
		reason = lifecycle.StopFatalError
		exitCode = 1
		if err := a.Err(); err != nil {
			fmt.Fprintln(os.Stderr, "fatal:", err)
		}
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	_ = a.Stop(stopCtx, reason)
	stopCancel()

	os.Exit(exitCode)
}
