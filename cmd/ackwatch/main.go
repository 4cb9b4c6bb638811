// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command ackwatch runs the optimistic-ACK abuse detection engine with its
// HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"grimm.is/ackwatch/internal/api"
	"grimm.is/ackwatch/internal/config"
	"grimm.is/ackwatch/internal/logging"
	"grimm.is/ackwatch/internal/sentinel"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "ackwatch:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to config file (.hcl, .json, .yaml)")
	listen := flag.String("listen", "", "override API listen address")
	mode := flag.String("mode", "", "override defense mode (high, medium, low, off)")
	logLevel := flag.String("log-level", "", "override log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "override log format (text, json)")
	flag.Parse()

	cfg, err := loadConfig(*configPath, *listen, *mode, *logLevel, *logFormat)
	if err != nil {
		return err
	}

	logOut := io.Writer(os.Stderr)
	if sl := cfg.Log.Syslog; sl.Enabled {
		writer, err := logging.NewSyslogWriter(logging.SyslogConfig{
			Enabled:  sl.Enabled,
			Host:     sl.Host,
			Port:     sl.Port,
			Protocol: sl.Protocol,
			Tag:      sl.Tag,
			Facility: sl.Facility,
		})
		if err != nil {
			return err
		}
		defer writer.Close()
		logOut = io.MultiWriter(os.Stderr, writer)
	}

	logging.SetDefault(logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: logOut,
	}))
	logger := logging.WithComponent("main")
	logger.Info("starting ackwatch",
		"listen", cfg.API.Listen,
		"mode", modeName(cfg.Mode),
		"quarantine_enabled", cfg.Defense.QuarantineEnabled)

	svc := sentinel.New(cfg, nil)
	svc.Start()
	defer svc.Stop()

	server := api.NewServer(cfg, svc, nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		return nil
	})
	return g.Wait()
}

func loadConfig(path, listen, mode, logLevel, logFormat string) (*config.Config, error) {
	var cfg *config.Config
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		def := config.Default()
		cfg = &def
	}

	if mode != "" {
		preset, err := config.Preset(mode)
		if err != nil {
			return nil, err
		}
		cfg.Mode = mode
		cfg.Defense = preset
	}
	if listen != "" {
		cfg.API.Listen = listen
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func modeName(mode string) string {
	if mode == "" {
		return "default"
	}
	return mode
}
