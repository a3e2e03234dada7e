// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nishisan-dev/n-cast/internal/config"
	"github.com/nishisan-dev/n-cast/internal/console"
	"github.com/nishisan-dev/n-cast/internal/daemon"
	"github.com/nishisan-dev/n-cast/internal/logging"
	"github.com/nishisan-dev/n-cast/internal/observability"
)

// overrides são as flags que sobrescrevem o YAML, reaplicadas no reload.
type overrides struct {
	size       string
	wait       time.Duration
	minClients int
	trace      string
}

func (o overrides) apply(cfg *config.SenderConfig) error {
	if o.size != "" {
		n, err := config.ParseByteSize(o.size)
		if err != nil {
			return fmt.Errorf("-size: %w", err)
		}
		cfg.Source.Size = o.size
		cfg.Source.SizeRaw = n
	}
	if o.wait > 0 {
		cfg.Start.Wait = o.wait
	}
	if o.minClients > 0 {
		cfg.Start.MinClients = o.minClients
	}
	if o.trace != "" {
		cfg.Stats.TraceFile = o.trace
	}
	return nil
}

func main() {
	if len(os.Args) >= 2 && os.Args[1] == "version" {
		fmt.Printf("ncast-sender %s\n", observability.Version)
		return
	}

	configPath := flag.String("config", "/etc/ncast/sender.yaml", "path to sender config file")
	daemonMode := flag.Bool("daemon", false, "run scheduled sessions (daemon.schedule) until SIGTERM")
	showProgress := flag.Bool("progress", false, "show progress bar on stderr")
	var ov overrides
	flag.StringVar(&ov.size, "size", "", "send at most this many bytes of the source (e.g. 4gb)")
	flag.DurationVar(&ov.wait, "wait", 0, "start after this long without new receivers")
	flag.IntVar(&ov.minClients, "min-clients", 0, "start as soon as this many receivers joined")
	flag.StringVar(&ov.trace, "trace", "", "write per-slice trace CSV to this file")
	flag.Parse()

	load := func() (*config.SenderConfig, error) {
		cfg, err := config.LoadSenderConfig(*configPath)
		if err != nil {
			return nil, err
		}
		if err := ov.apply(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	cfg, err := load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	})
	defer logCloser.Close()

	tracker, shutdownAPI, err := startObservability(cfg, logger)
	if err != nil {
		logger.Error("observability api failed", "error", err)
		os.Exit(1)
	}
	defer shutdownAPI()

	app := &senderApp{
		logger:   logger,
		tracker:  tracker,
		progress: *showProgress,
	}

	if *daemonMode {
		if err := cfg.ValidateDaemon(); err != nil {
			logger.Error("invalid daemon config", "error", err)
			os.Exit(1)
		}
		if err := daemon.Run(cfg, load, app.runner, logger); err != nil {
			logger.Error("daemon error", "error", err)
			os.Exit(1)
		}
		return
	}

	// Execução única
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app.interactive = cfg.Source.Path != "-" && console.IsTerminal(os.Stdin)
	if err := app.runSession(ctx, cfg, uuid.NewString()); err != nil {
		logger.Error("session failed", "error", err)
		shutdownAPI()
		logCloser.Close()
		os.Exit(1)
	}
}

// startObservability sobe a API de status quando configurada. O tracker é
// sempre criado; sem listener ele apenas acompanha a sessão local.
func startObservability(cfg *config.SenderConfig, logger *slog.Logger) (*observability.Tracker, func(), error) {
	o := cfg.Observability
	if o.Listen == "" {
		return observability.NewTracker(nil), func() {}, nil
	}

	history, err := observability.NewHistory(o.HistoryFile, o.HistorySize, 0)
	if err != nil {
		return nil, nil, err
	}
	tracker := observability.NewTracker(history)

	srv, err := observability.Listen(o.Listen, observability.NewRouter(tracker, observability.NewACL(o.AllowPrefixes)), logger)
	if err != nil {
		history.Close()
		return nil, nil, err
	}
	srv.Serve()

	shutdown := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
		history.Close()
	}
	return tracker, sync.OnceFunc(shutdown), nil
}
