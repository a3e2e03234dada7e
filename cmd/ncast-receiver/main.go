// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/nishisan-dev/n-cast/internal/config"
	"github.com/nishisan-dev/n-cast/internal/console"
	"github.com/nishisan-dev/n-cast/internal/logging"
	"github.com/nishisan-dev/n-cast/internal/observability"
	"github.com/nishisan-dev/n-cast/internal/receiver"
	"github.com/nishisan-dev/n-cast/internal/stats"
	"github.com/nishisan-dev/n-cast/internal/storage"
	"github.com/nishisan-dev/n-cast/internal/transport"
)

func main() {
	if len(os.Args) >= 2 && os.Args[1] == "version" {
		fmt.Printf("ncast-receiver %s\n", observability.Version)
		return
	}

	configPath := flag.String("config", "/etc/ncast/receiver.yaml", "path to receiver config file")
	showProgress := flag.Bool("progress", false, "show progress bar on stderr")
	output := flag.String("o", "", "write the image here instead of sink.path (- for stdout)")
	sender := flag.String("sender", "", "sender IPv4 address (default: learn from Hello)")
	tracePath := flag.String("trace", "", "write per-slice trace CSV to this file")
	autoGo := flag.Bool("go", false, "send Go right after joining")
	flag.Parse()

	cfg, err := config.LoadReceiverConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if *output != "" {
		cfg.Sink.Path = *output
	}
	if *sender != "" {
		addr, perr := netip.ParseAddr(*sender)
		if perr != nil || !addr.Is4() {
			fmt.Fprintf(os.Stderr, "Invalid -sender %q\n", *sender)
			os.Exit(1)
		}
		cfg.Network.SenderAddr = addr
	}
	if *tracePath != "" {
		cfg.Stats.TraceFile = *tracePath
	}
	if *autoGo {
		cfg.Transfer.AutoGo = true
	}

	logger, logCloser := logging.NewLogger(logging.Options{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		File:    cfg.Logging.File,
		Console: logging.ConsoleFor(cfg.Sink.Path),
	})
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	interactive := console.IsTerminal(os.Stdin)
	if err := run(ctx, cfg, logger, *showProgress, interactive); err != nil {
		logger.Error("session failed", "error", err)
		stop()
		logCloser.Close()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.ReceiverConfig, baseLogger *slog.Logger, showProgress, interactive bool) (err error) {
	// O protocolo não transporta identificador de sessão; o receiver usa um próprio.
	sessionID := uuid.NewString()
	logger, logCloser, logPath, err := logging.NewSessionLogger(baseLogger, cfg.Logging.SessionDir, "receiver", sessionID)
	if err != nil {
		return err
	}
	defer func() {
		logCloser.Close()
		if err == nil && !cfg.Logging.KeepSessionLogs {
			logging.RemoveSessionLog(cfg.Logging.SessionDir, "receiver", sessionID)
		} else if logPath != "" {
			baseLogger.Info("session log kept", "path", logPath)
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ep, err := transport.ResolveInterface(cfg.Network.Interface)
	if err != nil {
		return err
	}

	udp, err := transport.ListenUDP(transport.UDPConfig{
		Interface: ep.Interface,
		Local:     netip.AddrPortFrom(netip.IPv4Unspecified(), uint16(cfg.ReceiverPort())),
		RcvBuf:    int(cfg.Network.RcvBufRaw),
		DSCP:      cfg.Network.DSCPValue,
		Broadcast: true,
	})
	if err != nil {
		return err
	}
	defer udp.Close()

	sink, err := storage.OpenSink(storage.SinkConfig{
		Path:        cfg.Sink.Path,
		Compression: cfg.Sink.Compression,
		Sync:        cfg.Sink.Sync,
	})
	if err != nil {
		return err
	}

	senderIP := cfg.Network.SenderAddr
	if !senderIP.IsValid() {
		senderIP = ep.Broadcast()
	}

	var trace *stats.Trace
	if cfg.Stats.TraceFile != "" {
		trace = stats.NewTrace()
	}

	t := cfg.Transfer
	r := receiver.New(receiver.Config{
		SessionID:       sessionID,
		SenderAddr:      netip.AddrPortFrom(senderIP, uint16(cfg.SenderPort())),
		RcvBuf:          uint32(cfg.Network.RcvBufRaw),
		WriteChunk:      int(t.WriteChunkRaw),
		PipeSize:        t.PipeSizeRaw,
		MaxDrain:        t.MaxDrainRaw,
		DrainInterval:   t.DrainInterval,
		PollInterval:    t.PollInterval,
		ConnectInterval: t.ConnectInterval,
		IdleTimeout:     t.IdleTimeout,
		Linger:          t.Linger,
		AutoGo:          t.AutoGo,
	}, udp, sink, logger, trace)

	logger.Info("waiting for sender",
		"interface", ep.Interface.Name,
		"addr", ep.Addr(),
		"sender", senderIP,
		"sink", cfg.Sink.Path,
	)

	var monitor *stats.HostMonitor
	if cfg.Stats.Monitor {
		monitor = stats.NewHostMonitor(logger, sinkDisk(cfg.Sink.Path), ep.Interface.Name, 0)
		monitor.Start()
		defer monitor.Stop()
	}
	reporter := stats.NewReporter(r.Counters(), monitor, logger, cfg.Stats.Interval)
	reporter.Start()
	defer reporter.Stop()

	if showProgress {
		progress := stats.NewProgressReporter("recv", r.Counters(), 0)
		defer progress.Stop()
	}
	if interactive {
		fmt.Fprintln(os.Stderr, "press Enter to ask the sender to start, q to abort")
		go console.Watch(ctx, os.Stdin, console.Commands{Start: r.Start, Quit: cancel})
	}

	sum, runErr := r.Run(ctx)
	if cerr := sink.Close(); cerr != nil && runErr == nil {
		runErr = fmt.Errorf("closing sink: %w", cerr)
	}
	if runErr == nil {
		logger.Info("image received",
			"sender", sum.Session.Sender,
			"bytes", sum.Bytes,
			"written", sink.BytesWritten(),
			"retransmits", sum.Retransmits,
			"duration", sum.Duration,
		)
	}

	if trace != nil {
		if werr := trace.WriteFile(cfg.Stats.TraceFile); werr != nil {
			logger.Warn("writing trace file", "path", cfg.Stats.TraceFile, "error", werr)
		}
	}
	return runErr
}

// sinkDisk escolhe o filesystem amostrado pelo monitor.
func sinkDisk(path string) string {
	if path == "-" || strings.HasPrefix(path, "/dev/") {
		return "/"
	}
	return filepath.Dir(path)
}
