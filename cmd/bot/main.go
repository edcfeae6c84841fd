package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/joho/godotenv"

	"gamenight/internal/app"
)

func main() {
	var cfgPath, envPath string
	flag.StringVar(&cfgPath, "config", "./gamenight.yaml", "path to config (yaml or json)")
	flag.StringVar(&envPath, "env", ".env", "optional dotenv file with GAMENIGHT_* overrides")
	flag.Parse()

	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "fatal: load env:", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		stopCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		_ = a.Stop(stopCtx, app.StopStartFail)
		stop()
		os.Exit(1)
	}
	// Not running under systemd is fine; SdNotify is then a no-op.
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	stopCtx, stop := context.WithTimeout(context.Background(), 15*time.Second)
	defer stop()
	_ = a.Stop(stopCtx, reason)

	if err := a.Err(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
