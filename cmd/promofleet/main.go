// Package main is the promofleet entry point. It parses flags, loads the
// configuration, sets up logging, and hands control to the App with a
// signal-cancelled context for graceful shutdown.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"promofleet/internal/app"
	"promofleet/internal/infra/config"
	"promofleet/internal/infra/logger"
	"promofleet/internal/infra/pr"
)

// main brings up the environment, starts the application, and blocks until
// shutdown:
//  1. bootstrap: stdout/stderr through pr, time-prefixed log until the
//     internal logger takes over,
//  2. flags/env: .env path,
//  3. config: load plus accumulated warnings,
//  4. logger: level, optional rotating file sink, writers into pr,
//  5. signals: context cancelled on Ctrl+C/SIGTERM,
//  6. app: Init(ctx, stop) and Run().
func main() {
	log.SetFlags(0)
	log.SetPrefix(time.Now().Format("2006-01-02 15:04:05 "))
	if err := pr.Init(); err != nil {
		log.Fatalf("failed to assigning stdout and stderr: %v", err)
	}

	envPath := flag.String("env", "assets/.env", "path to .env file")
	flag.Parse()

	if err := config.Load(*envPath); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger.Init(config.Env().LogLevel)
	if path := config.Env().LogFile; path != "" {
		logger.SetFileSink(logger.FileOptions{Path: path})
	}
	logger.SetWriters(pr.Stdout(), pr.Stderr())
	for _, msg := range config.Warnings() {
		logger.Warn(msg)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	a := app.NewApp()
	if iniErr := a.Init(ctx, stop); iniErr != nil {
		stop()
		log.Fatalf("app init failed: %v", iniErr)
	}

	if runErr := a.Run(); runErr != nil {
		stop()
		log.Fatalf("app run failed: %v", runErr)
	}
	stop()
	log.Println("Graceful shutdown complete")
}
