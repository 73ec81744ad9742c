// Command masd is the runtime daemon: it loads the config, boots the
// kernel, optionally registers the demo fleet, serves the HTTP control
// surface, and shuts down cleanly on SIGINT/SIGTERM.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mas/internal/kernel"
	"mas/pkg/config"
	"mas/pkg/httpapi"
	"mas/pkg/logx"
	"mas/pkg/version"
)

// shutdownBudget bounds the whole stop sequence, drain included.
const shutdownBudget = 30 * time.Second

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("masd", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config file")
	resume := fs.Bool("continue", false, "resume persisted agents from the previous run")
	demo := fs.Bool("demo", false, "register the demo fleet at boot")
	listen := fs.String("listen", "", "override the HTTP listen address")
	showVersion := fs.Bool("version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *showVersion {
		fmt.Printf("masd %s (%s, %s)\n", version.Version, version.Commit, version.Date)
		return 0
	}

	// Load applies env overrides (MAS_API_PASSWORD and friends) and
	// yields the defaults when no path is given.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "masd: %v\n", err)
		return 1
	}
	if err := logx.SetLevel(cfg.Log.Level); err != nil {
		fmt.Fprintf(os.Stderr, "masd: %v\n", err)
		return 1
	}
	logger := logx.NewLogger("masd")

	if *listen != "" {
		cfg.HTTP.Listen = *listen
	}
	if cfg.HTTP.Enabled && cfg.HTTP.Password == "" {
		pw, err := generatePassword()
		if err != nil {
			logger.Error("generate API password: %v", err)
			return 1
		}
		cfg.HTTP.Password = pw
		logger.Info("generated API password: %s (set MAS_API_PASSWORD to pin one)", pw)
	}

	k, err := kernel.New(cfg)
	if err != nil {
		logger.Error("build kernel: %v", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := k.Start(ctx, *resume); err != nil {
		logger.Error("start kernel: %v", err)
		return 1
	}
	logger.Info("masd %s up (resume=%v, demo=%v)", version.Version, *resume, *demo)

	if *demo {
		if err := registerDemoFleet(ctx, k); err != nil {
			logger.Error("demo fleet: %v", err)
			return 1
		}
	}

	if cfg.HTTP.Enabled {
		srv := httpapi.NewServer(cfg.HTTP, k.Control(), k.Gatherer())
		if err := srv.Start(ctx); err != nil {
			logger.Error("http surface: %v", err)
			return 1
		}
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownBudget)
	defer cancel()
	if err := k.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown: %v", err)
		return 1
	}
	logx.Sync()
	return 0
}

// generatePassword mints a random hex API password for demo and
// first-boot runs.
func generatePassword() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
