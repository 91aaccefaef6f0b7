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

	"autopilot/internal/app"
	"autopilot/internal/config"
	"autopilot/internal/server"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config file (yaml or json)")
	flag.Parse()

	// Optional .env for local development; the file is absent in production.
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal: load config:", err)
		os.Exit(1)
	}

	// Mail, directory, and inference collaborators are deployment-specific;
	// without them the dependent automations fail their jobs with clear
	// errors and health reports the mailer as degraded.
	a, err := app.New(cfgm, app.Collaborators{})
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	if err := a.Initialize(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal: initialize:", err)
		os.Exit(1)
	}

	srv := server.New(mapServerConfig(cfg), a.Logger(), a)
	if srv.Enabled() {
		if err := srv.Start(ctx); err != nil {
			fmt.Fprintln(os.Stderr, "fatal: http server:", err)
			a.Shutdown(context.Background())
			os.Exit(1)
		}
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	select {
	case <-ctx.Done():
	case <-a.Done():
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	srv.Stop(stopCtx)
	a.Shutdown(stopCtx)

	if err := a.Err(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func mapServerConfig(cfg *config.Config) server.Config {
	read, _ := config.ParseDurationOrDefault("server.read_timeout", cfg.Server.ReadTimeout, 15*time.Second)
	write, _ := config.ParseDurationOrDefault("server.write_timeout", cfg.Server.WriteTimeout, 15*time.Second)
	idle, _ := config.ParseDurationOrDefault("server.idle_timeout", cfg.Server.IdleTimeout, time.Minute)
	return server.Config{
		Enabled:        cfg.Server.Enabled,
		Addr:           cfg.Server.Addr,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		ReadTimeout:    read,
		WriteTimeout:   write,
		IdleTimeout:    idle,
	}
}
