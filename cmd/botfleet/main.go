package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"botfleet/internal/app"
	"botfleet/internal/config"
	"botfleet/internal/sandbox"
	logx "botfleet/pkg/logx"
)

const stopTimeout = 15 * time.Second

func main() {
	// The process sandbox runner re-executes this binary.
	if len(os.Args) > 1 && os.Args[1] == sandbox.ChildCommand {
		os.Exit(sandbox.RunChild(os.Stdin, os.Stdout))
	}

	var cfgPath, envFile string
	flag.StringVarP(&cfgPath, "config", "c", "./config.json", "path to config (json or yaml)")
	flag.StringVar(&envFile, "env-file", ".env", "dotenv file with secrets")
	flag.Parse()

	// boot reports failures before the configured logger exists.
	boot := logx.NewConsole("info")
	if err := config.LoadEnvFile(envFile, flag.CommandLine.Changed("env-file")); err != nil {
		boot.Error("load env file", logx.String("path", envFile), logx.Err(err))
		os.Exit(1)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	ctx := context.Background()
	a, err := app.New(ctx, cfgPath, app.Options{})
	if err != nil {
		boot.Error("init failed", logx.String("config", cfgPath), logx.Err(err))
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		boot.Error("start failed", logx.Err(err))
		stop(a, app.StopFatalError)
		os.Exit(1)
	}

	var reason app.StopReason
	select {
	case s := <-sigs:
		reason = app.StopSIGINT
		if s == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		reason = app.StopFatalError
	}
	stop(a, reason)
	if err := a.Err(); err != nil && reason == app.StopFatalError {
		boot.Error("stopped on fatal error", logx.Err(err))
		os.Exit(1)
	}
}

func stop(a *app.App, reason app.StopReason) {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	_ = a.Stop(ctx, reason)
}
